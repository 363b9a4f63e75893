package saga

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Payload is the input of one saga instance. The mandatory "id" field
// identifies the instance within its saga type.
type Payload map[string]any

// ID returns the instance id carried by the payload, or "" when absent.
func (p Payload) ID() string {
	switch v := p["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Equal reports whether two payloads hold the same data. Key order and
// numeric representation (int vs float64 after a JSON round trip) do not
// matter.
func (p Payload) Equal(other Payload) bool {
	a, errA := normalize(p)
	b, errB := normalize(other)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(p, other)
	}
	return reflect.DeepEqual(a, b)
}

func normalize(p Payload) (any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode converts a value produced by an effect, or read back from a
// persisted event log, into T. Values that already have type T are returned
// as is; anything else goes through a JSON round trip.
func Decode[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("failed to decode into %T: %w", zero, err)
	}
	return out, nil
}
