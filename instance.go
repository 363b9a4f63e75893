package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of an Instance.
type InstanceStatus int

const (
	InstanceRunning InstanceStatus = iota
	InstancePaused
	InstanceDone
	InstanceClosed
)

func (s InstanceStatus) String() string {
	switch s {
	case InstanceRunning:
		return "running"
	case InstancePaused:
		return "paused"
	case InstanceDone:
		return "done"
	case InstanceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pauseState is one pause/resume cycle. paused is closed by the loop once it
// has stopped at a checkpoint; resume is closed by Resume.
type pauseState struct {
	paused     chan struct{}
	resume     chan struct{}
	resumeOnce sync.Once
}

// Instance runs one saga procedure in its own goroutine and lets callers
// pause, resume and close it between steps.
//
// Control requests are only honored at checkpoints: before the first step,
// after every published log entry and while waiting out a compensation retry
// delay. An in-flight effect call always completes first.
type Instance struct {
	runID  string
	runner *sagaRunner
	onExit func(ret any, err error)

	mu      sync.Mutex
	status  InstanceStatus
	pending *pauseState
	closing bool
	wake    chan struct{}
	exited  chan struct{}
}

func newInstance(
	proc Procedure,
	payload Payload,
	history EventLogIterator,
	retry RetrySchedule,
	publish func(context.Context, EventLog) error,
	onExit func(ret any, err error),
) *Instance {
	i := &Instance{
		runID:  uuid.NewString(),
		onExit: onExit,
		status: InstanceRunning,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	emit := func(ctx context.Context, l EventLog) error {
		if err := publish(ctx, l); err != nil {
			return err
		}
		return i.checkpoint(ctx)
	}
	i.runner = newSagaRunner(proc, payload, history, retry, emit, i.sleep)
	return i
}

func (i *Instance) start(ctx context.Context) {
	go i.loop(context.WithoutCancel(ctx))
}

func (i *Instance) loop(ctx context.Context) {
	defer close(i.exited)

	var ret any
	err := i.checkpoint(ctx)
	if err == nil {
		ret, err = i.runner.run(ctx)
	}

	i.mu.Lock()
	if err == nil {
		i.status = InstanceDone
	} else {
		i.status = InstanceClosed
	}
	i.mu.Unlock()

	if i.onExit != nil {
		i.onExit(ret, err)
	}
}

// checkpoint blocks while a pause is in effect. It returns ErrInstanceClosed
// when the instance was closed while paused.
func (i *Instance) checkpoint(ctx context.Context) error {
	i.mu.Lock()
	p := i.pending
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	i.status = InstancePaused
	close(p.paused)
	i.mu.Unlock()

	select {
	case <-p.resume:
	case <-ctx.Done():
		return ctx.Err()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = nil
	if i.closing {
		i.status = InstanceClosed
		return ErrInstanceClosed
	}
	i.status = InstanceRunning
	return nil
}

// sleep waits out a retry delay but stops at a checkpoint as soon as a pause
// is requested.
func (i *Instance) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-i.wake:
			timer.Stop()
			if err := i.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

// RunID identifies this incarnation of the instance. A saga loaded again
// after a restart gets a new one.
func (i *Instance) RunID() string {
	return i.runID
}

// Status returns the current lifecycle state.
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Done is closed once the instance goroutine has exited.
func (i *Instance) Done() <-chan struct{} {
	return i.exited
}

// Pause asks the instance to stop at its next checkpoint and waits until it
// has. Repeated calls share the same pause. It is a no-op once the instance
// is done or closed, and returns early if the instance exits first.
func (i *Instance) Pause(ctx context.Context) error {
	i.mu.Lock()
	if i.status == InstanceDone || i.status == InstanceClosed {
		i.mu.Unlock()
		return nil
	}
	if i.pending == nil {
		i.pending = &pauseState{
			paused: make(chan struct{}),
			resume: make(chan struct{}),
		}
	}
	p := i.pending
	i.mu.Unlock()

	select {
	case i.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.paused:
		return nil
	case <-i.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lets a paused instance continue.
func (i *Instance) Resume() {
	i.mu.Lock()
	p := i.pending
	i.mu.Unlock()
	if p != nil {
		p.resumeOnce.Do(func() { close(p.resume) })
	}
}

// Close stops the instance at its next checkpoint and waits for its
// goroutine to exit. Nothing more is written to the log afterwards.
func (i *Instance) Close(ctx context.Context) error {
	if s := i.Status(); s == InstanceDone || s == InstanceClosed {
		return nil
	}
	if err := i.Pause(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	if i.status == InstanceDone {
		i.mu.Unlock()
		return nil
	}
	i.closing = true
	i.status = InstanceClosed
	i.mu.Unlock()
	i.Resume()

	select {
	case <-i.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
