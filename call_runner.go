package saga

import (
	"context"
)

// Inverse is a registered compensation. It lives only in memory, owned by
// the saga runner that registered it, and is consumed during rollback.
type Inverse struct {
	Name      string
	StepIndex int
	Fn        func(ctx context.Context) error
}

// abortError carries a failure that stops the instance without touching the
// log: a publish that did not go through, a history read error, or a close.
type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// runCall executes one step against history.
//
// A step first consumes its precall entry (or emits one when history is
// exhausted), then its outcome entry. A recorded call is replayed without
// invoking anything; a recorded ex fails again so the saga re-enters
// rollback. With no recorded outcome the effect runs live, going through
// the probe first when the precall was replayed.
//
// The compensation is registered before the step's result is returned,
// and also when the step fails, so a failed step is listed in the rollback
// whether the failure happened live or is replayed.
func runCall(
	ctx context.Context,
	step CallEffect,
	history EventLogIterator,
	pushInverse func(Inverse),
	stepIndex int,
	emit func(context.Context, EventLog) error,
) (any, error) {
	eff := step.Effect
	register := func(outcome Outcome) {
		pushInverse(Inverse{
			Name:      eff.Name,
			StepIndex: stepIndex,
			Fn: func(ctx context.Context) error {
				return eff.inverse(ctx, step.Arg, outcome)
			},
		})
	}

	entry, ok, err := history.Next(ctx)
	if err != nil {
		return nil, &abortError{err}
	}
	precalled := false
	switch {
	case !ok:
		if err := emit(ctx, PrecallLog(eff.Name, stepIndex)); err != nil {
			return nil, &abortError{err}
		}
	case entry.matches(KindPrecall, eff.Name, stepIndex):
		precalled = true
	default:
		return nil, newCorruptedHistoryError(ReasonUnexpectedEntry, eff.Name, stepIndex, entry)
	}

	entry, ok, err = history.Next(ctx)
	if err != nil {
		return nil, &abortError{err}
	}
	if ok {
		return replayOutcome(step, entry, stepIndex, register)
	}

	var ret any
	var callErr error
	if precalled {
		var res ProbeResult
		res, callErr = eff.probe(ctx, step.Arg)
		if callErr == nil {
			switch res.Verdict {
			case VerdictSuccess:
				ret = res.Ret
			case VerdictInverse:
				callErr = eff.inverse(ctx, step.Arg, Outcome{Called: false})
				if callErr == nil {
					ret, callErr = eff.call(ctx, step.Arg)
				}
			default:
				ret, callErr = eff.call(ctx, step.Arg)
			}
		}
	} else {
		ret, callErr = eff.call(ctx, step.Arg)
	}

	if callErr != nil {
		register(Outcome{Called: false})
		cerr := newCallError(eff.Name, step.Arg, stepIndex, callErr)
		if err := emit(ctx, ExLog(eff.Name, stepIndex, cerr)); err != nil {
			return nil, &abortError{err}
		}
		return nil, cerr
	}

	register(Outcome{Called: true, Ret: ret})
	if err := emit(ctx, CallLog(eff.Name, stepIndex, step.Arg, ret)); err != nil {
		return nil, &abortError{err}
	}
	return ret, nil
}

// replayOutcome handles the outcome entry of a precalled step.
func replayOutcome(step CallEffect, entry EventLog, stepIndex int, register func(Outcome)) (any, error) {
	name := step.Effect.Name
	switch {
	case entry.matches(KindCall, name, stepIndex):
		register(Outcome{Called: true, Ret: entry.Ret})
		return entry.Ret, nil
	case entry.matches(KindEx, name, stepIndex):
		register(Outcome{Called: false})
		if cerr, ok := entry.Err.(*CallError); ok {
			return nil, cerr
		}
		return nil, newCallError(name, step.Arg, stepIndex, entry.Err)
	case entry.Kind != KindCall && entry.Kind != KindEx:
		return nil, newCorruptedHistoryError(ReasonKindMismatch, name, stepIndex, entry)
	case entry.StepIndex != stepIndex:
		return nil, newCorruptedHistoryError(ReasonStepMismatch, name, stepIndex, entry)
	default:
		return nil, newCorruptedHistoryError(ReasonNameMismatch, name, stepIndex, entry)
	}
}
