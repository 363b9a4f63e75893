package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogJSONCarriesErrors(t *testing.T) {
	cerr := newCallError("charge", nil, 1, errBoom)
	entry := RollbackLog([]int{0, 1}, cerr)

	data, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"rollback"`)
	assert.Contains(t, string(data), `"inverseIndexes":[0,1]`)

	var decoded EventLog
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindRollback, decoded.Kind)
	assert.Equal(t, []int{0, 1}, decoded.InverseIndexes)

	got, ok := decoded.Err.(*CallError)
	require.True(t, ok, "expected *CallError, got %T", decoded.Err)
	assert.Equal(t, cerr.Error(), got.Error())
}

func TestEventLogJSONWithoutError(t *testing.T) {
	data, err := json.Marshal(CallLog("charge", 3, "in", "out"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"ex"`)

	var decoded EventLog
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, CallLog("charge", 3, "in", "out"), decoded)
}

func TestEventLogString(t *testing.T) {
	assert.Equal(t, "S002 precall charge", PrecallLog("charge", 2).String())
	assert.Equal(t, "S002 skip: paused", SkipMsgLog(2, "paused").String())
	assert.Equal(t, "S001 ex charge: boom", ExLog("charge", 1, errBoom).String())
	assert.Equal(t, "rollback [0 1]: boom", RollbackLog([]int{0, 1}, errBoom).String())
}

func TestSkipFilter(t *testing.T) {
	logs := []EventLog{
		SkipMsgLog(0, "start"),
		PrecallLog("charge", 0),
		SkipErrLog(0, errBoom),
		CallLog("charge", 0, nil, "V"),
		SkipMsgLog(1, "end"),
	}

	got, err := ReadAll(context.Background(), SkipFilter(NewSliceIterator(logs)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindPrecall, got[0].Kind)
	assert.Equal(t, KindCall, got[1].Kind)
}

func TestSliceIteratorSnapshot(t *testing.T) {
	logs := []EventLog{PrecallLog("charge", 0)}
	it := NewSliceIterator(logs)
	logs[0] = InverseLog("charge", 0)

	l, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindPrecall, l.Kind)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSliceIteratorHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewSliceIterator([]EventLog{PrecallLog("charge", 0)}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
