package saga

import (
	"context"
	"sync"

	"github.com/tidwall/btree"
)

type memoryRecord struct {
	info SagaInfo
	logs []EventLog
}

// MemoryHistory keeps every saga record in process memory. It is meant for
// tests and for embedders that do not need recovery across restarts.
type MemoryHistory struct {
	mu      sync.Mutex
	running map[string]*btree.Map[string, *memoryRecord]
	done    map[string]map[string]*memoryRecord
	damaged map[string]map[string]*memoryRecord
}

// NewMemoryHistory creates an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		running: make(map[string]*btree.Map[string, *memoryRecord]),
		done:    make(map[string]map[string]*memoryRecord),
		damaged: make(map[string]map[string]*memoryRecord),
	}
}

func (m *MemoryHistory) runningOf(sagaName string) *btree.Map[string, *memoryRecord] {
	tree, ok := m.running[sagaName]
	if !ok {
		tree = btree.NewMap[string, *memoryRecord](10)
		m.running[sagaName] = tree
	}
	return tree
}

func (m *MemoryHistory) lookup(sagaName, id string) (*memoryRecord, bool) {
	tree, ok := m.running[sagaName]
	if !ok {
		return nil, false
	}
	return tree.Get(id)
}

// SagaID implements History.
func (m *MemoryHistory) SagaID(sagaName string, payload Payload) (string, error) {
	return PayloadSagaID(sagaName, payload)
}

// EventLogs implements History. The cursor iterates over a snapshot taken
// at call time.
func (m *MemoryHistory) EventLogs(ctx context.Context, sagaName, id string) EventLogIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookup(sagaName, id)
	if !ok {
		return NewSliceIterator(nil)
	}
	return NewSliceIterator(rec.logs)
}

// AllIDs implements History. Ids are returned in ascending order.
func (m *MemoryHistory) AllIDs(ctx context.Context, sagaName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.running[sagaName]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, tree.Len())
	tree.Scan(func(id string, _ *memoryRecord) bool {
		ids = append(ids, id)
		return true
	})
	return ids, nil
}

// SagaInfo implements History.
func (m *MemoryHistory) SagaInfo(ctx context.Context, sagaName, id string) (*SagaInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.done[sagaName][id]; ok {
		info := rec.info
		return &info, nil
	}
	if rec, ok := m.lookup(sagaName, id); ok {
		info := rec.info
		return &info, nil
	}
	return nil, nil
}

// SaveSagaInfo implements History.
func (m *MemoryHistory) SaveSagaInfo(ctx context.Context, sagaName, id string, payload Payload) (*SagaInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree := m.runningOf(sagaName)
	rec, ok := tree.Get(id)
	if !ok {
		rec = &memoryRecord{info: *newSagaInfo(id, payload)}
		tree.Set(id, rec)
	}
	info := rec.info
	return &info, nil
}

// SaveEventLog implements History.
func (m *MemoryHistory) SaveEventLog(ctx context.Context, sagaName, id string, log EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookup(sagaName, id)
	if !ok {
		return ErrSagaNotExist
	}
	rec.logs = append(rec.logs, log)
	return nil
}

// Done implements History.
func (m *MemoryHistory) Done(ctx context.Context, sagaName, id string, ret any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.running[sagaName]
	if !ok {
		return nil
	}
	rec, ok := tree.Delete(id)
	if !ok {
		return nil
	}
	rec.info.markDone(ret)
	if m.done[sagaName] == nil {
		m.done[sagaName] = make(map[string]*memoryRecord)
	}
	m.done[sagaName][id] = rec
	return nil
}

// Rollback implements History.
func (m *MemoryHistory) Rollback(ctx context.Context, sagaName, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.lookup(sagaName, id); ok {
		rec.info.markRollback(cause)
	}
	return nil
}

// DiscardDamagedSaga implements History.
func (m *MemoryHistory) DiscardDamagedSaga(ctx context.Context, sagaName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.running[sagaName]
	if !ok {
		return nil
	}
	rec, ok := tree.Delete(id)
	if !ok {
		return nil
	}
	if m.damaged[sagaName] == nil {
		m.damaged[sagaName] = make(map[string]*memoryRecord)
	}
	m.damaged[sagaName][id] = rec
	return nil
}

// Logs returns a copy of the log of a running, done or damaged instance.
func (m *MemoryHistory) Logs(sagaName, id string) []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookup(sagaName, id)
	if !ok {
		rec, ok = m.done[sagaName][id]
	}
	if !ok {
		rec, ok = m.damaged[sagaName][id]
	}
	if !ok {
		return nil
	}
	logs := make([]EventLog, len(rec.logs))
	copy(logs, rec.logs)
	return logs
}

// Damaged reports whether the instance was quarantined.
func (m *MemoryHistory) Damaged(sagaName, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.damaged[sagaName][id]
	return ok
}

// Seed installs a record and its log, replacing any running record with the
// same id. It is used to resume from a prepared history.
func (m *MemoryHistory) Seed(sagaName string, info SagaInfo, logs ...EventLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &memoryRecord{info: info, logs: append([]EventLog(nil), logs...)}
	if info.Status == StatusDone {
		if m.done[sagaName] == nil {
			m.done[sagaName] = make(map[string]*memoryRecord)
		}
		m.done[sagaName][info.ID] = rec
		return
	}
	m.runningOf(sagaName).Set(info.ID, rec)
}
