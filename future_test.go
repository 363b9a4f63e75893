package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureSettlesOnce(t *testing.T) {
	f := newFuture()
	_, _, ok := f.Result()
	assert.False(t, ok)

	f.resolve("first")
	f.reject(errBoom)
	f.resolve("second")

	val, err, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "first", val)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := newFuture().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAs(t *testing.T) {
	type receipt struct {
		ID string `json:"id"`
	}

	r, err := WaitAs[receipt](context.Background(), resolvedFuture(map[string]any{"id": "r-1"}))
	require.NoError(t, err)
	assert.Equal(t, "r-1", r.ID)

	_, err = WaitAs[receipt](context.Background(), rejectedFuture(errBoom))
	assert.ErrorIs(t, err, errBoom)
}
