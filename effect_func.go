package saga

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallFuncOf is a typed forward function.
type CallFuncOf[A, R any] func(ctx context.Context, arg A) (R, error)

// InverseFuncOf is a typed compensation. called and ret mirror Outcome; ret
// is the zero value when the call never returned.
type InverseFuncOf[A, R any] func(ctx context.Context, arg A, called bool, ret R) error

// ProbeFuncOf is a typed probe.
type ProbeFuncOf[A any] func(ctx context.Context, arg A) (ProbeResult, error)

// EffectOption customizes an effect built with NewEffect.
type EffectOption func(*Effect)

// WithProbe sets the probe consulted when a precalled step is resumed.
func WithProbe[A any](probe ProbeFuncOf[A]) EffectOption {
	return func(e *Effect) {
		name := e.Name
		e.Probe = func(ctx context.Context, arg any) (ProbeResult, error) {
			a, err := decodeArg[A](name, arg)
			if err != nil {
				return ProbeResult{}, err
			}
			return probe(ctx, a)
		}
	}
}

// NewEffect builds an effect from ordinary typed functions. Arguments and
// recorded results are converted with Decode, so the same functions work on
// live values and on values read back from a persisted log. A result that
// cannot be encoded as JSON fails the call.
func NewEffect[A, R any](name string, call CallFuncOf[A, R], inverse InverseFuncOf[A, R], opts ...EffectOption) *Effect {
	e := &Effect{
		Name: name,
		Call: func(ctx context.Context, arg any) (any, error) {
			a, err := decodeArg[A](name, arg)
			if err != nil {
				return nil, err
			}
			ret, err := call(ctx, a)
			if err != nil {
				return nil, err
			}
			if _, err := json.Marshal(ret); err != nil {
				return nil, fmt.Errorf("effect %q returned an unserializable result: %w", name, err)
			}
			return ret, nil
		},
	}
	if inverse != nil {
		e.Inverse = func(ctx context.Context, arg any, outcome Outcome) error {
			a, err := decodeArg[A](name, arg)
			if err != nil {
				return err
			}
			var ret R
			if outcome.Called {
				if ret, err = Decode[R](outcome.Ret); err != nil {
					return fmt.Errorf("effect %q: %w", name, err)
				}
			}
			return inverse(ctx, a, outcome.Called, ret)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NoOpInverse compensates nothing.
func NoOpInverse[A, R any](context.Context, A, bool, R) error {
	return nil
}

// NewEffectWithNoOpInverse builds an effect that needs no compensation.
func NewEffectWithNoOpInverse[A, R any](name string, call CallFuncOf[A, R], opts ...EffectOption) *Effect {
	return NewEffect(name, call, NoOpInverse[A, R], opts...)
}

// ConstantEffect returns value from every call. Replays are free, so it is
// its own probe.
func ConstantEffect[R any](name string, value R) *Effect {
	return NewEffectWithNoOpInverse[any, R](name, func(context.Context, any) (R, error) {
		return value, nil
	}, WithProbe[any](func(context.Context, any) (ProbeResult, error) {
		return ProbeResult{Verdict: VerdictSuccess, Ret: value}, nil
	}))
}

// InjectErrorEffect fails every call with err, or with a generic error when
// err is nil. It never takes effect, so it has no inverse.
func InjectErrorEffect(name string, err error) *Effect {
	if err == nil {
		err = fmt.Errorf("error injected")
	}
	return &Effect{
		Name: name,
		Call: func(context.Context, any) (any, error) {
			return nil, err
		},
	}
}

func decodeArg[A any](name string, arg any) (A, error) {
	a, err := Decode[A](arg)
	if err != nil {
		return a, fmt.Errorf("effect %q: bad argument: %w", name, err)
	}
	return a, nil
}
