package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the persisted state of a saga instance.
type Status string

const (
	StatusRunning     Status = "running"
	StatusRollbacking Status = "rollbacking"
	StatusDone        Status = "done"
)

// RetStatus tells how a finished or rolling-back saga ended.
type RetStatus string

const (
	RetSuccess RetStatus = "success"
	RetFail    RetStatus = "fail"
)

// SagaInfo is the persisted record of one saga instance. Ret is set when the
// saga completed successfully; Err is set once it started rolling back.
type SagaInfo struct {
	ID         string
	Payload    Payload
	Status     Status
	CreateTime time.Time
	RetStatus  RetStatus
	Ret        any
	Err        error
}

type sagaInfoWire struct {
	ID         string          `json:"id"`
	Payload    Payload         `json:"payload"`
	Status     Status          `json:"status"`
	CreateTime time.Time       `json:"createTime"`
	RetStatus  RetStatus       `json:"retStatus,omitempty"`
	Ret        any             `json:"ret,omitempty"`
	Ex         json.RawMessage `json:"ex,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface for SagaInfo.
func (i SagaInfo) MarshalJSON() ([]byte, error) {
	wire := sagaInfoWire{
		ID:         i.ID,
		Payload:    i.Payload,
		Status:     i.Status,
		CreateTime: i.CreateTime,
		RetStatus:  i.RetStatus,
		Ret:        i.Ret,
	}
	if i.Err != nil {
		ex, err := EncodeError(i.Err)
		if err != nil {
			return nil, fmt.Errorf("failed to encode saga error: %w", err)
		}
		wire.Ex = ex
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements the json.Unmarshaler interface for SagaInfo.
func (i *SagaInfo) UnmarshalJSON(data []byte) error {
	var wire sagaInfoWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ex, err := DecodeError(wire.Ex)
	if err != nil {
		return err
	}
	*i = SagaInfo{
		ID:         wire.ID,
		Payload:    wire.Payload,
		Status:     wire.Status,
		CreateTime: wire.CreateTime,
		RetStatus:  wire.RetStatus,
		Ret:        wire.Ret,
		Err:        ex,
	}
	return nil
}

// markRollback moves info into the rolling-back state.
func (i *SagaInfo) markRollback(err error) {
	i.Status = StatusRollbacking
	i.RetStatus = RetFail
	i.Err = err
}

// markDone moves info into the done state. A saga that was rolling back
// keeps its failure.
func (i *SagaInfo) markDone(ret any) {
	if i.Status != StatusRollbacking {
		i.RetStatus = RetSuccess
		i.Ret = ret
	}
	i.Status = StatusDone
}

// History persists saga records and their event logs.
//
// SaveSagaInfo must be durable before it returns: losing it loses the
// payload. SaveEventLog may be best effort; a lost entry shows up as a
// corrupted history on replay and the saga is quarantined through
// DiscardDamagedSaga.
type History interface {
	// SagaID derives the instance id from a payload.
	SagaID(sagaName string, payload Payload) (string, error)

	// EventLogs returns a read-once cursor over the instance's log. Read
	// errors surface from the cursor.
	EventLogs(ctx context.Context, sagaName, id string) EventLogIterator

	// AllIDs lists the ids of every instance that is not done.
	AllIDs(ctx context.Context, sagaName string) ([]string, error)

	// SagaInfo returns the record for id, or nil when there is none.
	SagaInfo(ctx context.Context, sagaName, id string) (*SagaInfo, error)

	// SaveSagaInfo creates a running record for id. An existing record is
	// returned unchanged.
	SaveSagaInfo(ctx context.Context, sagaName, id string, payload Payload) (*SagaInfo, error)

	SaveEventLog(ctx context.Context, sagaName, id string, log EventLog) error

	// Done marks the instance finished and archives its log.
	Done(ctx context.Context, sagaName, id string, ret any) error

	// Rollback records the failure that started a rollback.
	Rollback(ctx context.Context, sagaName, id string, cause error) error

	// DiscardDamagedSaga moves the instance and its log aside for manual
	// inspection.
	DiscardDamagedSaga(ctx context.Context, sagaName, id string) error
}

// PayloadSagaID is the default id derivation: the payload's "id" field.
func PayloadSagaID(sagaName string, payload Payload) (string, error) {
	id := payload.ID()
	if id == "" {
		return "", fmt.Errorf("saga %s: %w", sagaName, ErrMissingID)
	}
	return id, nil
}

func newSagaInfo(id string, payload Payload) *SagaInfo {
	return &SagaInfo{
		ID:         id,
		Payload:    payload,
		Status:     StatusRunning,
		CreateTime: time.Now(),
	}
}
