package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitResult struct {
	ret any
	err error
}

// gate is an effect call that blocks until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) call(ctx context.Context, arg any) (any, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return "gated", nil
}

func startInstance(t *testing.T, proc Procedure, retry RetrySchedule, rec *recorder) (*Instance, chan exitResult) {
	t.Helper()
	exits := make(chan exitResult, 1)
	inst := newInstance(proc, Payload{"id": "o-1"}, NewSliceIterator(nil), retry, rec.emit, func(ret any, err error) {
		exits <- exitResult{ret, err}
	})
	inst.start(context.Background())
	return inst, exits
}

func waitPending(t *testing.T, inst *Instance) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return inst.pending != nil
	}, time.Second, time.Millisecond)
}

func waitExit(t *testing.T, exits chan exitResult) exitResult {
	t.Helper()
	select {
	case r := <-exits:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not exit")
		return exitResult{}
	}
}

func TestInstanceRunsToDone(t *testing.T) {
	a, _ := countedEffect("a", "A", nil, nil, nil)
	rec := &recorder{}

	inst, exits := startInstance(t, chain(a), nil, rec)
	r := waitExit(t, exits)
	require.NoError(t, r.err)
	assert.Equal(t, "A", r.ret)
	<-inst.Done()
	assert.Equal(t, InstanceDone, inst.Status())
	assert.NotEmpty(t, inst.RunID())
}

func TestInstancePauseAndResume(t *testing.T) {
	g := newGate()
	a, _ := countedEffect("a", nil, nil, g.call, nil)
	b, bc := countedEffect("b", "B", nil, nil, nil)
	rec := &recorder{}

	inst, exits := startInstance(t, chain(a, b), nil, rec)
	<-g.entered

	paused := make(chan error, 1)
	go func() { paused <- inst.Pause(context.Background()) }()
	waitPending(t, inst)
	close(g.release)

	require.NoError(t, <-paused)
	assert.Equal(t, InstancePaused, inst.Status())
	assert.Zero(t, bc.calls.Load())
	assert.Equal(t, []Kind{KindPrecall, KindCall}, rec.kinds())

	inst.Resume()
	r := waitExit(t, exits)
	require.NoError(t, r.err)
	assert.Equal(t, "B", r.ret)
	assert.Equal(t, int32(1), bc.calls.Load())
	assert.Equal(t, InstanceDone, inst.Status())
}

func TestInstanceCloseStopsAtCheckpoint(t *testing.T) {
	g := newGate()
	a, _ := countedEffect("a", nil, nil, g.call, nil)
	b, bc := countedEffect("b", "B", nil, nil, nil)
	rec := &recorder{}

	inst, exits := startInstance(t, chain(a, b), nil, rec)
	<-g.entered

	closed := make(chan error, 1)
	go func() { closed <- inst.Close(context.Background()) }()
	waitPending(t, inst)
	close(g.release)

	require.NoError(t, <-closed)
	r := waitExit(t, exits)
	assert.ErrorIs(t, r.err, ErrInstanceClosed)
	assert.Equal(t, InstanceClosed, inst.Status())
	assert.Zero(t, bc.calls.Load())
	assert.Equal(t, []Kind{KindPrecall, KindCall}, rec.kinds())
}

func TestInstancePauseInterruptsRetryDelay(t *testing.T) {
	failing, _ := countedEffect("a", nil, nil, func(context.Context, any) (any, error) {
		return nil, errBoom
	}, nil)
	compensating, _ := countedEffect("b", "B", nil, nil, func(context.Context, any, Outcome) error {
		return errBoom
	})
	rec := &recorder{}

	inst, exits := startInstance(t, chain(compensating, failing), RetrySchedule{time.Hour}, rec)
	require.Eventually(t, func() bool {
		kinds := rec.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == KindEx && len(kinds) > 5
	}, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inst.Pause(ctx))
	assert.Equal(t, InstancePaused, inst.Status())

	require.NoError(t, inst.Close(ctx))
	r := waitExit(t, exits)
	assert.ErrorIs(t, r.err, ErrInstanceClosed)
}

func TestInstancePauseAfterExitIsNoop(t *testing.T) {
	a, _ := countedEffect("a", "A", nil, nil, nil)
	inst, exits := startInstance(t, chain(a), nil, &recorder{})
	waitExit(t, exits)
	<-inst.Done()

	assert.NoError(t, inst.Pause(context.Background()))
	assert.NoError(t, inst.Close(context.Background()))
	assert.Equal(t, InstanceDone, inst.Status())
}

func TestInstancePauseHonorsContext(t *testing.T) {
	g := newGate()
	a, _ := countedEffect("a", nil, nil, g.call, nil)
	inst, exits := startInstance(t, chain(a), nil, &recorder{})
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, inst.Pause(ctx), context.DeadlineExceeded)

	close(g.release)
	inst.Resume()
	r := waitExit(t, exits)
	assert.NoError(t, r.err)
}

func TestInstanceStatusString(t *testing.T) {
	assert.Equal(t, "running", InstanceRunning.String())
	assert.Equal(t, "paused", InstancePaused.String())
	assert.Equal(t, "done", InstanceDone.String())
	assert.Equal(t, "closed", InstanceClosed.String())
}
