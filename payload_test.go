package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadID(t *testing.T) {
	assert.Equal(t, "o-1", Payload{"id": "o-1"}.ID())
	assert.Equal(t, "42", Payload{"id": 42}.ID())
	assert.Equal(t, "", Payload{"name": "x"}.ID())
	assert.Equal(t, "", Payload(nil).ID())
}

func TestPayloadEqual(t *testing.T) {
	a := Payload{"id": "o-1", "amount": 10, "items": []any{"a", "b"}}
	b := Payload{"items": []any{"a", "b"}, "amount": 10.0, "id": "o-1"}
	c := Payload{"id": "o-1", "amount": 11}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, Payload(nil).Equal(Payload{}))
}

func TestDecode(t *testing.T) {
	type receipt struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}

	r, err := Decode[receipt](map[string]any{"id": "r-1", "amount": 5.0})
	require.NoError(t, err)
	assert.Equal(t, receipt{ID: "r-1", Amount: 5}, r)

	same, err := Decode[receipt](receipt{ID: "r-2"})
	require.NoError(t, err)
	assert.Equal(t, "r-2", same.ID)

	zero, err := Decode[receipt](nil)
	require.NoError(t, err)
	assert.Equal(t, receipt{}, zero)

	_, err = Decode[int]("not a number")
	assert.Error(t, err)
}
