package saga

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind identifies the type of an event log entry.
type Kind string

const (
	KindPrecall  Kind = "precall"
	KindCall     Kind = "call"
	KindEx       Kind = "ex"
	KindInverse  Kind = "inverse"
	KindSkip     Kind = "skip"
	KindRollback Kind = "rollback"
)

// EventLog is one entry of an instance's append-only log. Which fields are
// meaningful depends on Kind:
//
//   - precall, inverse: Name, StepIndex
//   - call: Name, StepIndex, Arg, Ret
//   - ex: Name, StepIndex, Err
//   - skip: StepIndex and either Err or Msg
//   - rollback: InverseIndexes, Err
type EventLog struct {
	Kind           Kind
	Name           string
	StepIndex      int
	Arg            any
	Ret            any
	Err            error
	Msg            string
	InverseIndexes []int
}

// PrecallLog marks the intent to run a step.
func PrecallLog(name string, stepIndex int) EventLog {
	return EventLog{Kind: KindPrecall, Name: name, StepIndex: stepIndex}
}

// CallLog records a successful effect call.
func CallLog(name string, stepIndex int, arg, ret any) EventLog {
	return EventLog{Kind: KindCall, Name: name, StepIndex: stepIndex, Arg: arg, Ret: ret}
}

// ExLog records a failed effect call or compensation attempt.
func ExLog(name string, stepIndex int, err error) EventLog {
	return EventLog{Kind: KindEx, Name: name, StepIndex: stepIndex, Err: err}
}

// InverseLog records a completed compensation.
func InverseLog(name string, stepIndex int) EventLog {
	return EventLog{Kind: KindInverse, Name: name, StepIndex: stepIndex}
}

// SkipErrLog records a failure outside the replay protocol.
func SkipErrLog(stepIndex int, err error) EventLog {
	return EventLog{Kind: KindSkip, StepIndex: stepIndex, Err: err}
}

// SkipMsgLog records an informational marker outside the replay protocol.
func SkipMsgLog(stepIndex int, msg string) EventLog {
	return EventLog{Kind: KindSkip, StepIndex: stepIndex, Msg: msg}
}

// RollbackLog marks the start of a rollback over the given step indexes.
func RollbackLog(inverseIndexes []int, err error) EventLog {
	return EventLog{Kind: KindRollback, InverseIndexes: inverseIndexes, Err: err}
}

// matches reports whether the entry belongs to the given step.
func (l EventLog) matches(kind Kind, name string, stepIndex int) bool {
	return l.Kind == kind && l.Name == name && l.StepIndex == stepIndex
}

// String implements the fmt.Stringer interface for EventLog.
func (l EventLog) String() string {
	switch l.Kind {
	case KindRollback:
		return fmt.Sprintf("rollback %v: %s", l.InverseIndexes, causeMessage(l.Err))
	case KindSkip:
		if l.Err != nil {
			return fmt.Sprintf("S%03d skip: %s", l.StepIndex, l.Err.Error())
		}
		return fmt.Sprintf("S%03d skip: %s", l.StepIndex, l.Msg)
	case KindEx:
		return fmt.Sprintf("S%03d %s %s: %s", l.StepIndex, l.Kind, l.Name, causeMessage(l.Err))
	default:
		return fmt.Sprintf("S%03d %s %s", l.StepIndex, l.Kind, l.Name)
	}
}

type eventLogWire struct {
	Type           Kind            `json:"type"`
	Name           string          `json:"name,omitempty"`
	StepIndex      int             `json:"stepIndex"`
	Arg            any             `json:"arg,omitempty"`
	Ret            any             `json:"ret,omitempty"`
	Ex             json.RawMessage `json:"ex,omitempty"`
	Msg            string          `json:"msg,omitempty"`
	InverseIndexes []int           `json:"inverseIndexes,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface for EventLog.
func (l EventLog) MarshalJSON() ([]byte, error) {
	wire := eventLogWire{
		Type:           l.Kind,
		Name:           l.Name,
		StepIndex:      l.StepIndex,
		Arg:            l.Arg,
		Ret:            l.Ret,
		Msg:            l.Msg,
		InverseIndexes: l.InverseIndexes,
	}
	if l.Err != nil {
		ex, err := EncodeError(l.Err)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s error: %w", l.Kind, err)
		}
		wire.Ex = ex
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements the json.Unmarshaler interface for EventLog.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var wire eventLogWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ex, err := DecodeError(wire.Ex)
	if err != nil {
		return err
	}
	*l = EventLog{
		Kind:           wire.Type,
		Name:           wire.Name,
		StepIndex:      wire.StepIndex,
		Arg:            wire.Arg,
		Ret:            wire.Ret,
		Err:            ex,
		Msg:            wire.Msg,
		InverseIndexes: wire.InverseIndexes,
	}
	return nil
}

// EventLogIterator is a read-once cursor over an instance's history. Next
// returns false once the history is exhausted; it may block on I/O.
type EventLogIterator interface {
	Next(ctx context.Context) (EventLog, bool, error)
}

// SliceIterator iterates over an in-memory snapshot of a log.
type SliceIterator struct {
	logs []EventLog
	pos  int
}

// NewSliceIterator creates an iterator over a copy of logs.
func NewSliceIterator(logs []EventLog) *SliceIterator {
	snapshot := make([]EventLog, len(logs))
	copy(snapshot, logs)
	return &SliceIterator{logs: snapshot}
}

// Next implements EventLogIterator.
func (it *SliceIterator) Next(ctx context.Context) (EventLog, bool, error) {
	if err := ctx.Err(); err != nil {
		return EventLog{}, false, err
	}
	if it.pos >= len(it.logs) {
		return EventLog{}, false, nil
	}
	l := it.logs[it.pos]
	it.pos++
	return l, true, nil
}

type filterIterator struct {
	inner EventLogIterator
	keep  func(EventLog) bool
}

func (it *filterIterator) Next(ctx context.Context) (EventLog, bool, error) {
	for {
		l, ok, err := it.inner.Next(ctx)
		if err != nil || !ok {
			return l, ok, err
		}
		if it.keep(l) {
			return l, true, nil
		}
	}
}

// SkipFilter drops skip entries, which never take part in replay matching.
func SkipFilter(it EventLogIterator) EventLogIterator {
	return &filterIterator{inner: it, keep: func(l EventLog) bool { return l.Kind != KindSkip }}
}

// ReadAll drains an iterator.
func ReadAll(ctx context.Context, it EventLogIterator) ([]EventLog, error) {
	var logs []EventLog
	for {
		l, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return logs, nil
		}
		logs = append(logs, l)
	}
}
