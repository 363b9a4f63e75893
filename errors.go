package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInstanceClosed is returned to code running inside an instance once
	// the instance has been closed, and rejects the futures of instances that
	// were closed before finishing.
	ErrInstanceClosed = errors.New("saga instance closed")

	// ErrSagaNotFound indicates that no saga type is registered under a name.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaNotExist indicates that no persisted instance exists for an id.
	ErrSagaNotExist = errors.New("saga instance does not exist")

	// ErrMissingID indicates a payload without an "id" field.
	ErrMissingID = errors.New("payload has no id")
)

// errorBase carries the message and cause shared by every engine error.
// The message is fixed at construction so Error() never walks the cause
// chain, which may be cyclic after decoding.
type errorBase struct {
	message string
	cause   error
}

func (e *errorBase) Error() string       { return e.message }
func (e *errorBase) Unwrap() error       { return e.cause }
func (e *errorBase) setCause(err error)  { e.cause = err }
func (e *errorBase) setMessage(m string) { e.message = m }

// CallError reports a failed effect call. It is always written to the log
// as an ex entry and always triggers a rollback.
type CallError struct {
	errorBase
	Effect    string `json:"effect"`
	Arg       any    `json:"arg,omitempty"`
	StepIndex int    `json:"stepIndex"`
}

func newCallError(effect string, arg any, stepIndex int, cause error) *CallError {
	return &CallError{
		errorBase: errorBase{
			message: fmt.Sprintf("effect %q failed at step %d: %s", effect, stepIndex, causeMessage(cause)),
			cause:   cause,
		},
		Effect:    effect,
		Arg:       arg,
		StepIndex: stepIndex,
	}
}

func (e *CallError) errorName() string { return "CallError" }

// InverseError reports one failed compensation attempt. It is logged and
// retried, never fatal.
type InverseError struct {
	errorBase
	Effect    string `json:"effect"`
	StepIndex int    `json:"stepIndex"`
}

func newInverseError(effect string, stepIndex int, cause error) *InverseError {
	return &InverseError{
		errorBase: errorBase{
			message: fmt.Sprintf("inverse of %q at step %d failed: %s", effect, stepIndex, causeMessage(cause)),
			cause:   cause,
		},
		Effect:    effect,
		StepIndex: stepIndex,
	}
}

func (e *InverseError) errorName() string { return "InverseError" }

// RunnerError wraps a failure raised by the saga procedure itself rather than
// by a declared effect.
type RunnerError struct {
	errorBase
}

func newRunnerError(cause error) *RunnerError {
	return &RunnerError{errorBase{message: causeMessage(cause), cause: cause}}
}

func (e *RunnerError) errorName() string { return "RunnerError" }

// CorruptionReason tells which check rejected a history entry.
type CorruptionReason string

const (
	ReasonUnexpectedEntry CorruptionReason = "unexpected-entry"
	ReasonKindMismatch    CorruptionReason = "kind-mismatch"
	ReasonStepMismatch    CorruptionReason = "step-mismatch"
	ReasonNameMismatch    CorruptionReason = "name-mismatch"
)

// CorruptedHistoryError reports a history that does not match the current
// step sequence: the saga definition changed or the log is damaged. The
// instance is closed and quarantined.
type CorruptedHistoryError struct {
	errorBase
	Reason    CorruptionReason `json:"reason"`
	Effect    string           `json:"effect"`
	StepIndex int              `json:"stepIndex"`
	Got       *EventLog        `json:"got,omitempty"`
}

func newCorruptedHistoryError(reason CorruptionReason, effect string, stepIndex int, got EventLog) *CorruptedHistoryError {
	return &CorruptedHistoryError{
		errorBase: errorBase{
			message: fmt.Sprintf(
				"history log does not match step %d (%s): %s, got %s; the log is corrupted or the saga changed",
				stepIndex, effect, reason, got.String(),
			),
		},
		Reason:    reason,
		Effect:    effect,
		StepIndex: stepIndex,
		Got:       &got,
	}
}

func (e *CorruptedHistoryError) errorName() string { return "CorruptedHistoryError" }

// PayloadMismatchError reports a run request whose payload differs from the
// one already bound to the same id.
type PayloadMismatchError struct {
	errorBase
	Saga       string  `json:"saga"`
	ID         string  `json:"id"`
	OldPayload Payload `json:"oldPayload"`
	NewPayload Payload `json:"newPayload"`
}

func newPayloadMismatchError(saga, id string, oldPayload, newPayload Payload) *PayloadMismatchError {
	return &PayloadMismatchError{
		errorBase: errorBase{
			message: fmt.Sprintf("saga %s with id %s already exists with a different payload", saga, id),
		},
		Saga:       saga,
		ID:         id,
		OldPayload: oldPayload,
		NewPayload: newPayload,
	}
}

func (e *PayloadMismatchError) errorName() string { return "PayloadMismatchError" }

// RemoteError stands in for a decoded error whose concrete type is not known
// to the engine.
type RemoteError struct {
	errorBase
	Name string `json:"-"`
}

// NewRemoteError builds a RemoteError with the given type name and message.
func NewRemoteError(name, message string, cause error) *RemoteError {
	return &RemoteError{errorBase: errorBase{message: message, cause: cause}, Name: name}
}

func (e *RemoteError) errorName() string {
	if e.Name == "" {
		return "Error"
	}
	return e.Name
}

func causeMessage(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// codecError is implemented by every error type the codec can rebuild.
type codecError interface {
	error
	errorName() string
	setCause(error)
	setMessage(string)
}

var errorFactories = map[string]func() codecError{
	"CallError":             func() codecError { return &CallError{} },
	"InverseError":          func() codecError { return &InverseError{} },
	"RunnerError":           func() codecError { return &RunnerError{} },
	"CorruptedHistoryError": func() codecError { return &CorruptedHistoryError{} },
	"PayloadMismatchError":  func() codecError { return &PayloadMismatchError{} },
}

type errorWire struct {
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Cause   json.RawMessage `json:"cause,omitempty"`
}

// EncodeError serializes an error and its cause chain. An error already
// seen earlier in the chain is written as its index, so cyclic chains
// survive the round trip.
func EncodeError(err error) (json.RawMessage, error) {
	var seen []error
	return encodeError(err, &seen)
}

func encodeError(err error, seen *[]error) (json.RawMessage, error) {
	if err == nil {
		return json.RawMessage("null"), nil
	}
	if idx := indexOfError(*seen, err); idx >= 0 {
		return json.Marshal(idx)
	}
	*seen = append(*seen, err)

	wire := errorWire{Name: "Error", Message: err.Error()}
	if ce, ok := err.(codecError); ok {
		wire.Name = ce.errorName()
		if _, known := errorFactories[wire.Name]; known {
			data, merr := json.Marshal(err)
			if merr == nil {
				wire.Data = data
			}
		}
	}
	if cause := errors.Unwrap(err); cause != nil {
		raw, cerr := encodeError(cause, seen)
		if cerr != nil {
			return nil, cerr
		}
		wire.Cause = raw
	}
	return json.Marshal(wire)
}

func indexOfError(seen []error, err error) int {
	if !reflect.TypeOf(err).Comparable() {
		return -1
	}
	for i, s := range seen {
		if reflect.TypeOf(s) == reflect.TypeOf(err) && s == err {
			return i
		}
	}
	return -1
}

// DecodeError rebuilds an error written by EncodeError. Each error is
// allocated before its cause is resolved so back-references to it resolve
// to the same pointer.
func DecodeError(data json.RawMessage) (error, error) {
	var seen []error
	return decodeError(data, &seen)
}

func decodeError(data json.RawMessage, seen *[]error) (error, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		if idx >= 0 && idx < len(*seen) {
			return (*seen)[idx], nil
		}
		return nil, fmt.Errorf("error back-reference %d out of range", idx)
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		return errors.New(plain), nil
	}

	var wire errorWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode error: %w", err)
	}

	var out codecError
	if factory, ok := errorFactories[wire.Name]; ok {
		out = factory()
	} else {
		out = &RemoteError{Name: wire.Name}
	}
	*seen = append(*seen, out)

	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s data: %w", wire.Name, err)
		}
	}
	out.setMessage(wire.Message)

	cause, err := decodeError(wire.Cause, seen)
	if err != nil {
		return nil, err
	}
	out.setCause(cause)
	return out, nil
}
