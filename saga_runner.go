package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Procedure is the body of a saga. It runs its effects in order through
// Step.Call and returns the saga's final value.
//
// A procedure is re-run from the top after every restart. Steps that
// already have an outcome in the log are replayed from it, so everything a
// procedure does outside Step.Call must be deterministic.
type Procedure func(ctx context.Context, s *Step, payload Payload) (any, error)

// Step is the handle through which a procedure runs its effects.
type Step struct {
	r *sagaRunner
}

// Call runs one effect as the next step of the saga and returns its result.
//
// After the first failure every further Call returns that same failure
// without running anything: the saga is rolling back no matter what the
// procedure does with the error.
func (s *Step) Call(ctx context.Context, eff *Effect, arg any) (any, error) {
	r := s.r
	if r.failure != nil {
		return nil, r.failure
	}
	if err := eff.validate(); err != nil {
		r.failure = newRunnerError(fmt.Errorf("unexpected effect at step %d: %w", r.stepIndex, err))
		return nil, r.failure
	}

	stepIndex := r.stepIndex
	ret, err := runCall(ctx, CallEffect{Effect: eff, Arg: arg}, r.history, r.pushInverse, stepIndex, r.emit)
	if err != nil {
		r.failure = err
		return nil, err
	}
	r.stepIndex++
	return ret, nil
}

// Index returns the index the next Call will run at.
func (s *Step) Index() int {
	return s.r.stepIndex
}

// Call runs an effect through s and decodes its result into R.
func Call[R any](ctx context.Context, s *Step, eff *Effect, arg any) (R, error) {
	ret, err := s.Call(ctx, eff, arg)
	if err != nil {
		var zero R
		return zero, err
	}
	return Decode[R](ret)
}

// sagaRunner drives one procedure invocation against one history cursor.
type sagaRunner struct {
	proc     Procedure
	payload  Payload
	history  EventLogIterator
	retry    RetrySchedule
	emit     func(context.Context, EventLog) error
	sleep    func(context.Context, time.Duration) error
	inverses []Inverse

	stepIndex int
	failure   error
}

func newSagaRunner(
	proc Procedure,
	payload Payload,
	history EventLogIterator,
	retry RetrySchedule,
	emit func(context.Context, EventLog) error,
	sleep func(context.Context, time.Duration) error,
) *sagaRunner {
	if sleep == nil {
		sleep = sleepContext
	}
	return &sagaRunner{
		proc:    proc,
		payload: payload,
		history: SkipFilter(history),
		retry:   retry,
		emit:    emit,
		sleep:   sleep,
	}
}

func (r *sagaRunner) pushInverse(inv Inverse) {
	r.inverses = append(r.inverses, inv)
}

func (r *sagaRunner) invoke(ctx context.Context) (ret any, err error) {
	defer recoverInto(&err)
	return r.proc(ctx, &Step{r: r}, r.payload)
}

// run drives the procedure to completion. It returns the procedure's value
// on success and (nil, nil) once a rollback has finished. A non-nil error
// means the instance stopped without completing: it was closed, a publish
// or history read failed, or the history is corrupted.
func (r *sagaRunner) run(ctx context.Context) (any, error) {
	ret, err := r.invoke(ctx)
	failure := r.failure
	if failure == nil {
		if err == nil {
			return ret, nil
		}
		failure = err
	}

	switch f := failure.(type) {
	case *abortError:
		return nil, f.err
	case *CorruptedHistoryError:
		// A close requested at this checkpoint must not keep the record
		// from being quarantined.
		if err := r.emit(ctx, SkipErrLog(r.stepIndex, f)); err != nil && !errors.Is(err, ErrInstanceClosed) {
			return nil, err
		}
		return nil, f
	case *CallError:
	case *RunnerError:
		if err := r.emit(ctx, SkipErrLog(r.stepIndex, f)); err != nil {
			return nil, err
		}
	default:
		failure = newRunnerError(failure)
		if err := r.emit(ctx, SkipErrLog(r.stepIndex, failure)); err != nil {
			return nil, err
		}
	}

	return nil, r.rollback(ctx, failure)
}

// rollback writes the rollback entry the first time this saga fails, then
// runs every registered compensation in reverse step order. Replayed inverse
// entries let an interrupted rollback resume where it stopped.
func (r *sagaRunner) rollback(ctx context.Context, failure error) error {
	_, ok, err := r.history.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		indexes := make([]int, len(r.inverses))
		for i, inv := range r.inverses {
			indexes[i] = inv.StepIndex
		}
		if err := r.emit(ctx, RollbackLog(indexes, failure)); err != nil {
			return err
		}
	}

	for i := len(r.inverses) - 1; i >= 0; i-- {
		if err := runInverse(ctx, r.inverses[i], r.history, r.retry, r.emit, r.sleep); err != nil {
			return err
		}
	}
	return nil
}
