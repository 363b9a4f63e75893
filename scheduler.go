package saga

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// SchedulerStatus is the lifecycle state of a Scheduler.
type SchedulerStatus int

const (
	SchedulerNone SchedulerStatus = iota
	SchedulerRunning
	SchedulerStopping
	SchedulerStopped
)

func (s SchedulerStatus) String() string {
	switch s {
	case SchedulerNone:
		return "none"
	case SchedulerRunning:
		return "running"
	case SchedulerStopping:
		return "stopping"
	case SchedulerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxInstances caps the number of active instances across all sagas.
// Zero means no cap.
func WithMaxInstances(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxInstances = n
	}
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler dispatches load requests and commands to the sagas of a
// registry, one at a time, while keeping the number of active instances
// under a cap.
type Scheduler struct {
	registry     *Registry
	loads        <-chan LoadCmd
	cmds         <-chan Cmd
	maxInstances int
	logger       *zap.Logger

	mu       sync.Mutex
	status   SchedulerStatus
	wake     chan struct{}
	stopReq  chan struct{}
	loopDone chan struct{}
}

// NewScheduler creates a scheduler over the sagas registered in registry.
// Sagas registered after this call are dispatched to but do not wake a
// scheduler blocked at its cap.
func NewScheduler(registry *Registry, loads <-chan LoadCmd, cmds <-chan Cmd, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry: registry,
		loads:    loads,
		cmds:     cmds,
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		stopReq:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	for _, sg := range registry.All() {
		sg.addExitHook(s.notify)
	}
	return s
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop. It returns once both input channels are
// closed, Stop is called or ctx is done. Calling Start more than once is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != SchedulerNone {
		s.mu.Unlock()
		return nil
	}
	s.status = SchedulerRunning
	s.mu.Unlock()
	defer close(s.loopDone)

	s.logger.Info("saga scheduler started", zap.Int("maxInstances", s.maxInstances))

	loads, cmds := s.loads, s.cmds
	for loads != nil || cmds != nil {
		select {
		case <-s.stopReq:
			return nil
		default:
		}

		if s.maxInstances > 0 && s.registry.InstanceCount() >= s.maxInstances {
			select {
			case <-s.wake:
			case <-s.stopReq:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case <-s.stopReq:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-loads:
			if !ok {
				loads = nil
				continue
			}
			s.dispatchLoad(ctx, l)
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			s.dispatchCmd(ctx, c)
		}
	}

	s.logger.Info("saga scheduler inputs exhausted")
	return nil
}

func (s *Scheduler) dispatchLoad(ctx context.Context, l LoadCmd) {
	sg, err := s.registry.Get(l.Name)
	if err != nil {
		s.logger.Warn("load for unknown saga", zap.String("sagaName", l.Name), zap.String("id", l.ID))
		return
	}
	if l.ID == "" {
		err = sg.LoadAll(ctx)
	} else {
		err = sg.Load(ctx, l.ID)
	}
	if err != nil {
		s.logger.Error("failed to load saga",
			zap.String("sagaName", l.Name),
			zap.String("id", l.ID),
			zap.Error(err))
	}
}

func (s *Scheduler) dispatchCmd(ctx context.Context, c Cmd) {
	sg, err := s.registry.Get(c.Type)
	if err != nil {
		s.logger.Warn("command for unknown saga", zap.String("sagaName", c.Type))
		c.respond(rejectedFuture(err))
		return
	}
	f, err := sg.Run(ctx, c.Payload)
	if err != nil {
		s.logger.Error("failed to run saga",
			zap.String("sagaName", c.Type),
			zap.String("id", c.Payload.ID()),
			zap.Error(err))
		c.respond(rejectedFuture(err))
		return
	}
	c.respond(f)
}

// Stop ends the dispatch loop, waits for the command being dispatched to
// finish, then closes every active instance of every saga.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != SchedulerRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = SchedulerStopping
	close(s.stopReq)
	s.mu.Unlock()

	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sg := range s.registry.All() {
		wg.Add(1)
		go func(sg *Saga) {
			defer wg.Done()
			if err := sg.closeAll(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sg)
	}
	wg.Wait()

	s.mu.Lock()
	s.status = SchedulerStopped
	s.mu.Unlock()
	s.logger.Info("saga scheduler stopped")
	return errors.Join(errs...)
}

// InstanceCount returns the number of active instances across all sagas.
func (s *Scheduler) InstanceCount() int {
	return s.registry.InstanceCount()
}

// Status returns the scheduler's lifecycle state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
