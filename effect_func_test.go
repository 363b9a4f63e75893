package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveArg struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type reservation struct {
	ID string `json:"id"`
}

func reserveEffect(released *[]reservation, opts ...EffectOption) *Effect {
	return NewEffect[reserveArg, reservation]("reserve",
		func(_ context.Context, arg reserveArg) (reservation, error) {
			return reservation{ID: arg.SKU + "-r"}, nil
		},
		func(_ context.Context, _ reserveArg, called bool, ret reservation) error {
			if called {
				*released = append(*released, ret)
			}
			return nil
		},
		opts...,
	)
}

func TestNewEffectDecodesArguments(t *testing.T) {
	eff := reserveEffect(new([]reservation))

	ret, err := eff.call(context.Background(), map[string]any{"sku": "book", "qty": 2.0})
	require.NoError(t, err)
	assert.Equal(t, reservation{ID: "book-r"}, ret)

	ret, err = eff.call(context.Background(), reserveArg{SKU: "pen"})
	require.NoError(t, err)
	assert.Equal(t, reservation{ID: "pen-r"}, ret)

	_, err = eff.call(context.Background(), "book")
	assert.ErrorContains(t, err, `effect "reserve": bad argument`)
}

func TestNewEffectRejectsUnserializableResult(t *testing.T) {
	eff := NewEffectWithNoOpInverse[any, chan int]("open", func(context.Context, any) (chan int, error) {
		return make(chan int), nil
	})

	_, err := eff.call(context.Background(), nil)
	assert.ErrorContains(t, err, `effect "open" returned an unserializable result`)
	assert.NoError(t, eff.inverse(context.Background(), nil, Outcome{}))
}

func TestNewEffectInverseDecodesRecordedResult(t *testing.T) {
	var released []reservation
	eff := reserveEffect(&released)

	// A result read back from a persisted log is a plain map.
	err := eff.inverse(context.Background(), map[string]any{"sku": "book"},
		Outcome{Called: true, Ret: map[string]any{"id": "book-r"}})
	require.NoError(t, err)
	assert.Equal(t, []reservation{{ID: "book-r"}}, released)

	err = eff.inverse(context.Background(), reserveArg{SKU: "book"}, Outcome{Called: false})
	require.NoError(t, err)
	assert.Len(t, released, 1)

	err = eff.inverse(context.Background(), reserveArg{}, Outcome{Called: true, Ret: "garbage"})
	assert.ErrorContains(t, err, `effect "reserve"`)
}

func TestWithProbe(t *testing.T) {
	var seen reserveArg
	eff := reserveEffect(new([]reservation), WithProbe[reserveArg](func(_ context.Context, arg reserveArg) (ProbeResult, error) {
		seen = arg
		return ProbeResult{Verdict: VerdictSuccess, Ret: reservation{ID: "found"}}, nil
	}))

	res, err := eff.probe(context.Background(), map[string]any{"sku": "book", "qty": 1})
	require.NoError(t, err)
	assert.Equal(t, VerdictSuccess, res.Verdict)
	assert.Equal(t, reserveArg{SKU: "book", Qty: 1}, seen)

	_, err = eff.probe(context.Background(), 42)
	assert.ErrorContains(t, err, "bad argument")
}

func TestConstantEffect(t *testing.T) {
	eff := ConstantEffect("answer", 42)
	require.NoError(t, eff.validate())

	ret, err := eff.call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, ret)

	res, err := eff.probe(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ProbeResult{Verdict: VerdictSuccess, Ret: 42}, res)
}

func TestInjectErrorEffect(t *testing.T) {
	_, err := InjectErrorEffect("fail", errBoom).call(context.Background(), nil)
	assert.ErrorIs(t, err, errBoom)

	eff := InjectErrorEffect("fail", nil)
	_, err = eff.call(context.Background(), nil)
	assert.EqualError(t, err, "error injected")
	assert.Nil(t, eff.Inverse)
}

func TestTypedEffectsRollBackThroughSaga(t *testing.T) {
	var released []reservation
	reserve := reserveEffect(&released)
	fail := InjectErrorEffect("charge", errBoom)

	proc := func(ctx context.Context, s *Step, payload Payload) (any, error) {
		r, err := Call[reservation](ctx, s, reserve, reserveArg{SKU: payload.ID(), Qty: 1})
		if err != nil {
			return nil, err
		}
		return s.Call(ctx, fail, r.ID)
	}

	h := NewMemoryHistory()
	s := NewSaga("order", proc, h, WithRetrySchedule(nil))
	f, err := s.Run(context.Background(), Payload{"id": "o-1"})
	require.NoError(t, err)

	_, err = waitFuture(t, f)
	assert.ErrorIs(t, err, errBoom)
	waitIdle(t, s)
	assert.Equal(t, []reservation{{ID: "o-1-r"}}, released)
}
