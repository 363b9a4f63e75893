package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// counts records how often each facet of an effect ran.
type counts struct {
	calls    atomic.Int32
	probes   atomic.Int32
	inverses atomic.Int32
}

// countedEffect wraps the given functions so every invocation is counted.
// A nil call returns ret.
func countedEffect(name string, ret any, probe ProbeFunc, call CallFunc, inverse InverseFunc) (*Effect, *counts) {
	c := &counts{}
	eff := &Effect{
		Name: name,
		Call: func(ctx context.Context, arg any) (any, error) {
			c.calls.Add(1)
			if call != nil {
				return call(ctx, arg)
			}
			return ret, nil
		},
		Inverse: func(ctx context.Context, arg any, o Outcome) error {
			c.inverses.Add(1)
			if inverse != nil {
				return inverse(ctx, arg, o)
			}
			return nil
		},
	}
	if probe != nil {
		eff.Probe = func(ctx context.Context, arg any) (ProbeResult, error) {
			c.probes.Add(1)
			return probe(ctx, arg)
		}
	}
	return eff, c
}

// recorder collects emitted entries.
type recorder struct {
	mu   sync.Mutex
	logs []EventLog
	fail error
}

func (r *recorder) emit(ctx context.Context, l EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.logs = append(r.logs, l)
	return nil
}

func (r *recorder) entries() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.logs))
	copy(out, r.logs)
	return out
}

func (r *recorder) kinds() []Kind {
	var out []Kind
	for _, l := range r.entries() {
		out = append(out, l.Kind)
	}
	return out
}

// sleeper records requested delays without waiting.
type sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// persistedKinds lists the kinds of entries a MemoryHistory holds.
func persistedKinds(h *MemoryHistory, sagaName, id string) []Kind {
	var out []Kind
	for _, l := range h.Logs(sagaName, id) {
		out = append(out, l.Kind)
	}
	return out
}

var errBoom = errors.New("boom")
