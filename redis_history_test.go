package saga

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisHistory(t *testing.T) {
	testHistory(t, func(t *testing.T) History {
		_, client := newTestRedis(t)
		return NewRedisHistory(client)
	})
}

func TestRedisHistoryKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	h := NewRedisHistory(client, WithKeyPrefix("app:"))

	_, err := h.SaveSagaInfo(ctx, "order", "o-1", Payload{"id": "o-1"})
	require.NoError(t, err)
	require.NoError(t, h.SaveEventLog(ctx, "order", "o-1", PrecallLog("reserve", 0)))

	assert.True(t, mr.Exists("app:r:i:{order:o-1}"))
	assert.True(t, mr.Exists("app:r:e:{order:o-1}"))

	require.NoError(t, h.Done(ctx, "order", "o-1", "ok"))
	assert.False(t, mr.Exists("app:r:i:{order:o-1}"))
	assert.False(t, mr.Exists("app:r:e:{order:o-1}"))
	assert.True(t, mr.Exists("app:d:i:{order:o-1}"))
	assert.True(t, mr.Exists("app:d:e:{order:o-1}"))

	_, err = h.SaveSagaInfo(ctx, "order", "o-2", Payload{"id": "o-2"})
	require.NoError(t, err)
	require.NoError(t, h.DiscardDamagedSaga(ctx, "order", "o-2"))
	assert.True(t, mr.Exists("app:e:i:{order:o-2}"))
	assert.False(t, mr.Exists("app:e:e:{order:o-2}"))
}

func TestRedisHistoryPagesLongLogs(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	h := NewRedisHistory(client)

	_, err := h.SaveSagaInfo(ctx, "order", "o-1", Payload{"id": "o-1"})
	require.NoError(t, err)
	const n = 2*redisLogPageSize + 7
	for i := 0; i < n; i++ {
		require.NoError(t, h.SaveEventLog(ctx, "order", "o-1", PrecallLog(fmt.Sprintf("step-%d", i), i)))
	}

	logs, err := ReadAll(ctx, h.EventLogs(ctx, "order", "o-1"))
	require.NoError(t, err)
	require.Len(t, logs, n)
	for i, l := range logs {
		assert.Equal(t, i, l.StepIndex)
	}
}

func TestRedisHistoryCorruptEntry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	h := NewRedisHistory(client)

	_, err := mr.RPush("r:e:{order:o-1}", "not json")
	require.NoError(t, err)

	_, _, err = h.EventLogs(ctx, "order", "o-1").Next(ctx)
	assert.ErrorContains(t, err, "failed to decode entry 0")
}

func TestRedisHistoryUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	h := NewRedisHistory(client)
	mr.Close()

	_, err := h.SagaInfo(ctx, "order", "o-1")
	assert.Error(t, err)

	s := NewSaga("order", chain(), h)
	_, err = s.Run(ctx, Payload{"id": "o-1"})
	assert.ErrorContains(t, err, "failed to get saga info")
}
