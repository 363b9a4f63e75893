package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// InstanceEntry is an active instance together with the payload it was
// started with and its result future.
type InstanceEntry struct {
	CreateTime time.Time
	Instance   *Instance
	Payload    Payload
	Future     *Future
}

type doneCallback struct {
	fn func(sagaName, id string)
}

// Option configures a Saga.
type Option func(*Saga)

// WithLogSink sets the sink that observes every log entry and lifecycle
// record. By default records go to a zap sink over the saga's logger; a nil
// sink discards them.
func WithLogSink(sink LogSink) Option {
	return func(s *Saga) {
		if sink == nil {
			sink = nopSink
		}
		s.sink = sink
	}
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Saga) {
		s.logger = logger
	}
}

// WithRetrySchedule sets the compensation retry delays.
func WithRetrySchedule(schedule RetrySchedule) Option {
	return func(s *Saga) {
		s.retry = schedule
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Saga) {
		s.metrics = m
	}
}

// Saga manages every instance of one saga type.
//
// Run and Load are serialized per saga type so the check for an active
// instance and the start of a new one cannot interleave.
type Saga struct {
	name    string
	proc    Procedure
	history History
	sink    LogSink
	logger  *zap.Logger
	retry   RetrySchedule
	metrics *Metrics

	runMu     sync.Mutex
	instances *xsync.MapOf[string, *InstanceEntry]

	doneTimes     atomic.Int64
	rollbackTimes atomic.Int64

	cbMu      sync.Mutex
	callbacks []*doneCallback
	exitHooks []func()
}

// NewSaga creates the manager of the saga type name.
func NewSaga(name string, proc Procedure, history History, opts ...Option) *Saga {
	s := &Saga{
		name:      name,
		proc:      proc,
		history:   history,
		logger:    zap.NewNop(),
		retry:     DefaultRetrySchedule,
		instances: xsync.NewMapOf[string, *InstanceEntry](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sink == nil {
		s.sink = NewZapSink(s.logger)
	}
	s.logger = s.logger.With(zap.String("sagaName", name))
	return s
}

// Name returns the saga type name.
func (s *Saga) Name() string {
	return s.name
}

// Run starts the instance described by payload, or joins it.
//
// An active instance with the same id and an equal payload is joined: its
// future is returned and nothing new starts. A payload that differs from
// the one already bound to the id, active or persisted, yields a future
// rejected with *PayloadMismatchError. A persisted instance that is done
// yields a settled future with its stored result. Otherwise an instance is
// started, replaying whatever log already exists.
//
// The returned error reports a failure to reach the history backend.
func (s *Saga) Run(ctx context.Context, payload Payload) (*Future, error) {
	id, err := s.history.SagaID(s.name, payload)
	if err != nil {
		return nil, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if e, ok := s.instances.Load(id); ok {
		if e.Payload.Equal(payload) {
			return e.Future, nil
		}
		return s.payloadMismatch(id, e.Payload, payload), nil
	}

	info, err := s.history.SagaInfo(ctx, s.name, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get saga info %s/%s: %w", s.name, id, err)
	}
	if info == nil {
		info, err = s.history.SaveSagaInfo(ctx, s.name, id, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to save saga info %s/%s: %w", s.name, id, err)
		}
	} else if !info.Payload.Equal(payload) {
		return s.payloadMismatch(id, info.Payload, payload), nil
	}

	if info.Status == StatusDone {
		if info.RetStatus == RetSuccess {
			return resolvedFuture(info.Ret), nil
		}
		return rejectedFuture(s.storedFailure(info)), nil
	}

	return s.createInstance(ctx, info).Future, nil
}

func (s *Saga) payloadMismatch(id string, oldPayload, newPayload Payload) *Future {
	ex := newPayloadMismatchError(s.name, id, oldPayload, newPayload)
	s.sink(s.name, id, errorRecord(ex))
	return rejectedFuture(ex)
}

func (s *Saga) storedFailure(info *SagaInfo) error {
	if info.Err != nil {
		return info.Err
	}
	return fmt.Errorf("saga %s with id %s rolled back", s.name, info.ID)
}

// Load re-attaches the persisted instance id. It is a no-op when the
// instance is already active. For a done record it only fires the done
// callbacks.
func (s *Saga) Load(ctx context.Context, id string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, ok := s.instances.Load(id); ok {
		return nil
	}
	info, err := s.history.SagaInfo(ctx, s.name, id)
	if err != nil {
		return fmt.Errorf("failed to get saga info %s/%s: %w", s.name, id, err)
	}
	if info == nil {
		err := fmt.Errorf("saga %s with id %s: %w", s.name, id, ErrSagaNotExist)
		s.sink(s.name, id, errorRecord(err))
		return err
	}
	s.load(ctx, info)
	return nil
}

// LoadInfo re-attaches an instance from a record the caller already holds.
func (s *Saga) LoadInfo(ctx context.Context, info *SagaInfo) error {
	if info == nil {
		return fmt.Errorf("saga %s: nil saga info", s.name)
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, ok := s.instances.Load(info.ID); ok {
		return nil
	}
	s.load(ctx, info)
	return nil
}

// LoadAll re-attaches every persisted instance that is not done.
func (s *Saga) LoadAll(ctx context.Context) error {
	ids, err := s.history.AllIDs(ctx, s.name)
	if err != nil {
		return fmt.Errorf("failed to list saga ids for %s: %w", s.name, err)
	}
	var errs []error
	for _, id := range ids {
		if err := s.Load(ctx, id); err != nil && !errors.Is(err, ErrSagaNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Saga) load(ctx context.Context, info *SagaInfo) {
	if info.Status == StatusDone {
		s.fireDone(info.ID)
		return
	}
	s.createInstance(ctx, info)
}

// createInstance registers and starts an instance. The caller holds runMu.
func (s *Saga) createInstance(ctx context.Context, info *SagaInfo) *InstanceEntry {
	id := info.ID
	fut := newFuture()
	if info.Status == StatusRollbacking {
		fut.reject(s.storedFailure(info))
	}
	entry := &InstanceEntry{
		CreateTime: info.CreateTime,
		Payload:    info.Payload,
		Future:     fut,
	}

	publish := func(ctx context.Context, l EventLog) error {
		if l.Kind == KindRollback {
			s.rollbackTimes.Add(1)
			s.metrics.sagaRollback(s.name)
			if err := s.history.Rollback(ctx, s.name, id, l.Err); err != nil {
				return fmt.Errorf("failed to record rollback of %s/%s: %w", s.name, id, err)
			}
		}
		if l.Kind != KindSkip {
			if err := s.history.SaveEventLog(ctx, s.name, id, l); err != nil {
				return fmt.Errorf("failed to save event log of %s/%s: %w", s.name, id, err)
			}
		}
		if l.Kind == KindRollback {
			fut.reject(l.Err)
		}
		s.sink(s.name, id, eventRecord(l))
		return nil
	}

	entry.Instance = newInstance(
		s.proc,
		info.Payload,
		s.history.EventLogs(ctx, s.name, id),
		s.retry,
		publish,
		func(ret any, err error) {
			s.finish(context.WithoutCancel(ctx), id, entry, ret, err)
		},
	)
	s.instances.Store(id, entry)
	s.metrics.instanceStarted(s.name)
	s.logger.Debug("saga instance started",
		zap.String("id", id),
		zap.String("runID", entry.Instance.RunID()),
		zap.String("status", string(info.Status)))

	entry.Instance.start(ctx)
	return entry
}

// finish runs on the instance goroutine once the instance has exited.
func (s *Saga) finish(ctx context.Context, id string, entry *InstanceEntry, ret any, err error) {
	defer s.fireExit()
	defer s.metrics.instanceExited(s.name)

	if err != nil {
		s.remove(id, entry)
		if corrupted, ok := err.(*CorruptedHistoryError); ok {
			if derr := s.history.DiscardDamagedSaga(ctx, s.name, id); derr != nil {
				s.logger.Error("failed to discard damaged saga", zap.String("id", id), zap.Error(derr))
			}
			s.metrics.sagaCorrupted(s.name)
			s.sink(s.name, id, errorRecord(corrupted))
			entry.Future.reject(corrupted)
			return
		}
		if err == ErrInstanceClosed {
			s.logger.Debug("saga instance closed", zap.String("id", id))
			entry.Future.reject(ErrInstanceClosed)
			return
		}
		s.logger.Error("saga instance aborted", zap.String("id", id), zap.Error(err))
		s.sink(s.name, id, errorRecord(err))
		entry.Future.reject(err)
		return
	}

	s.doneTimes.Add(1)
	if herr := s.history.Done(ctx, s.name, id, ret); herr != nil {
		s.logger.Error("failed to mark saga done", zap.String("id", id), zap.Error(herr))
		s.sink(s.name, id, errorRecord(herr))
	}
	s.remove(id, entry)
	entry.Future.resolve(ret)

	d := time.Since(entry.CreateTime)
	s.metrics.sagaDone(s.name, d)
	s.sink(s.name, id, doneRecord(d))
	s.fireDone(id)
}

// remove deletes id from the instance map if it still maps to entry.
func (s *Saga) remove(id string, entry *InstanceEntry) {
	s.instances.Compute(id, func(old *InstanceEntry, loaded bool) (*InstanceEntry, bool) {
		return old, !loaded || old == entry
	})
}

func (s *Saga) fireDone(id string) {
	s.cbMu.Lock()
	cbs := make([]*doneCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.cbMu.Unlock()

	for _, cb := range cbs {
		cb.fn(s.name, id)
	}
}

func (s *Saga) fireExit() {
	s.cbMu.Lock()
	hooks := make([]func(), len(s.exitHooks))
	copy(hooks, s.exitHooks)
	s.cbMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// addExitHook registers fn to run whenever an instance exits, whatever the
// reason.
func (s *Saga) addExitHook(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.exitHooks = append(s.exitHooks, fn)
}

// RegisterDoneCallback registers fn to run whenever an instance reaches
// done, and when Load meets a done record. The returned function removes
// the callback.
func (s *Saga) RegisterDoneCallback(fn func(sagaName, id string)) func() {
	cb := &doneCallback{fn: fn}
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.cbMu.Unlock()

	return func() {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		for i, c := range s.callbacks {
			if c == cb {
				s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
				return
			}
		}
	}
}

// ExistsInstance reports whether id is active.
func (s *Saga) ExistsInstance(id string) bool {
	_, ok := s.instances.Load(id)
	return ok
}

// Instance returns the active entry for id.
func (s *Saga) Instance(id string) (InstanceEntry, bool) {
	e, ok := s.instances.Load(id)
	if !ok {
		return InstanceEntry{}, false
	}
	return *e, true
}

// Instances returns a snapshot of the active instances keyed by id.
func (s *Saga) Instances() map[string]InstanceEntry {
	out := make(map[string]InstanceEntry, s.instances.Size())
	s.instances.Range(func(id string, e *InstanceEntry) bool {
		out[id] = *e
		return true
	})
	return out
}

// InstanceCount returns the number of active instances.
func (s *Saga) InstanceCount() int {
	return s.instances.Size()
}

// DoneTimes returns how many instances reached done since creation, either
// by completing or by finishing their rollback.
func (s *Saga) DoneTimes() int64 {
	return s.doneTimes.Load()
}

// RollbackTimes returns how many rollbacks were started since creation.
func (s *Saga) RollbackTimes() int64 {
	return s.rollbackTimes.Load()
}

// History returns the backend the saga persists to.
func (s *Saga) History() History {
	return s.history
}

// closeAll closes every active instance concurrently.
func (s *Saga) closeAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range s.Instances() {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e.Instance)
	}
	wg.Wait()
	return errors.Join(errs...)
}
