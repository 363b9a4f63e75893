package saga

import (
	"context"
	"fmt"
)

// Verdict tells the effect runner how to finish a step that was precalled
// before a crash but has no recorded outcome.
type Verdict int

const (
	// VerdictRecall means the side effect did not happen and is safe to
	// retry: call again.
	VerdictRecall Verdict = iota
	// VerdictSuccess means the side effect already happened; ProbeResult.Ret
	// is its result.
	VerdictSuccess
	// VerdictInverse means the side effect did not complete and may have
	// left partial state: run the inverse, then call again.
	VerdictInverse
)

func (v Verdict) String() string {
	switch v {
	case VerdictRecall:
		return "recall"
	case VerdictSuccess:
		return "success"
	case VerdictInverse:
		return "inverse"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ProbeResult is returned by an effect's probe.
type ProbeResult struct {
	Verdict Verdict
	Ret     any
}

// Outcome tells an inverse whether the forward call actually ran.
type Outcome struct {
	Called bool
	Ret    any
}

// ProbeFunc checks whether a precalled effect already took place.
type ProbeFunc func(ctx context.Context, arg any) (ProbeResult, error)

// CallFunc performs the side effect.
type CallFunc func(ctx context.Context, arg any) (any, error)

// InverseFunc compensates the side effect.
type InverseFunc func(ctx context.Context, arg any, outcome Outcome) error

// Effect describes one external operation of a saga. Name identifies the
// effect in the log and must be stable across deployments.
//
// Probe is only invoked when resuming a step whose precall was recorded but
// whose outcome was not; a nil Probe behaves as VerdictRecall. A nil Inverse
// compensates nothing.
//
// Inverse also runs for a step whose call failed, with Outcome.Called false,
// since the failed call may have partially applied. It must succeed when
// there is nothing to undo.
type Effect struct {
	Name    string
	Probe   ProbeFunc
	Call    CallFunc
	Inverse InverseFunc
}

// CallEffect is one step request: an effect and its argument.
type CallEffect struct {
	Effect *Effect
	Arg    any
}

func (e *Effect) probe(ctx context.Context, arg any) (res ProbeResult, err error) {
	if e.Probe == nil {
		return ProbeResult{Verdict: VerdictRecall}, nil
	}
	defer recoverInto(&err)
	return e.Probe(ctx, arg)
}

func (e *Effect) call(ctx context.Context, arg any) (ret any, err error) {
	defer recoverInto(&err)
	return e.Call(ctx, arg)
}

func (e *Effect) inverse(ctx context.Context, arg any, outcome Outcome) (err error) {
	if e.Inverse == nil {
		return nil
	}
	defer recoverInto(&err)
	return e.Inverse(ctx, arg, outcome)
}

func (e *Effect) validate() error {
	if e == nil {
		return fmt.Errorf("nil effect")
	}
	if e.Name == "" {
		return fmt.Errorf("effect has no name")
	}
	if e.Call == nil {
		return fmt.Errorf("effect %q has no call function", e.Name)
	}
	return nil
}

// recoverInto turns a panic into an error assigned to *err.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = fmt.Errorf("panic: %w", e)
			return
		}
		*err = fmt.Errorf("panic: %v", r)
	}
}
