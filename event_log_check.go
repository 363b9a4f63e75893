package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fortressi/saga/set"
)

// StepStatus is the state of one step as reconstructed from a log.
type StepStatus int

const (
	StepNeverStarted StepStatus = iota
	StepPrecalled
	StepCalled
	StepFailed
	StepCompensated
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepNeverStarted:
		return "NeverStarted"
	case StepPrecalled:
		return "Precalled"
	case StepCalled:
		return "Called"
	case StepFailed:
		return "Failed"
	case StepCompensated:
		return "Compensated"
	default:
		return fmt.Sprintf("Unknown StepStatus: %d", s)
	}
}

// MarshalJSON implements the json.Marshaler interface for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "NeverStarted":
		*s = StepNeverStarted
	case "Precalled":
		*s = StepPrecalled
	case "Called":
		*s = StepCalled
	case "Failed":
		*s = StepFailed
	case "Compensated":
		*s = StepCompensated
	default:
		return fmt.Errorf("invalid StepStatus: %s", str)
	}
	return nil
}

// nextStatus returns the status of a step after recording an entry of the
// given kind. rollingBack tells whether a rollback entry was seen.
func (s StepStatus) nextStatus(kind Kind, rollingBack bool) (StepStatus, error) {
	switch s {
	case StepNeverStarted:
		if kind == KindPrecall && !rollingBack {
			return StepPrecalled, nil
		}
	case StepPrecalled:
		switch kind {
		case KindCall:
			return StepCalled, nil
		case KindEx:
			return StepFailed, nil
		}
	case StepCalled, StepFailed:
		if rollingBack {
			switch kind {
			case KindEx:
				return s, nil
			case KindInverse:
				return StepCompensated, nil
			}
		}
	}
	return StepNeverStarted, fmt.Errorf("illegal %s entry for step status %v", kind, s)
}

// LogCheck replays a log through the per-step status machine and rejects
// any entry that breaks the log's ordering rules.
type LogCheck struct {
	sync.Mutex
	rollingBack bool
	lastStep    int
	rollback    set.Set[int]
	pending     set.Set[int]
	names       map[int]string
	status      map[int]StepStatus
	logs        []EventLog
}

// NewLogCheck creates an empty LogCheck.
func NewLogCheck() *LogCheck {
	return &LogCheck{
		lastStep: -1,
		names:    make(map[int]string),
		status:   make(map[int]StepStatus),
	}
}

// Record checks l against the entries recorded so far and appends it.
func (c *LogCheck) Record(l EventLog) error {
	c.Lock()
	defer c.Unlock()

	switch l.Kind {
	case KindSkip:
		c.logs = append(c.logs, l)
		return nil
	case KindRollback:
		if c.rollingBack {
			return fmt.Errorf("entry %d: second rollback entry", len(c.logs))
		}
		for _, idx := range l.InverseIndexes {
			if s := c.status[idx]; s != StepCalled && s != StepFailed {
				return fmt.Errorf("entry %d: rollback lists step %d in status %v", len(c.logs), idx, s)
			}
			c.rollback.Insert(idx)
			c.pending.Insert(idx)
		}
		c.rollingBack = true
		c.logs = append(c.logs, l)
		return nil
	}

	if l.Kind == KindPrecall {
		if l.StepIndex <= c.lastStep {
			return fmt.Errorf("entry %d: step %d precalled after step %d", len(c.logs), l.StepIndex, c.lastStep)
		}
		c.names[l.StepIndex] = l.Name
	} else if name, ok := c.names[l.StepIndex]; ok && name != l.Name {
		return fmt.Errorf("entry %d: step %d is %q, got %s for %q", len(c.logs), l.StepIndex, name, l.Kind, l.Name)
	}
	if c.rollingBack && !c.rollback.Contains(l.StepIndex) {
		return fmt.Errorf("entry %d: %s for step %d which is not being rolled back", len(c.logs), l.Kind, l.StepIndex)
	}

	next, err := c.status[l.StepIndex].nextStatus(l.Kind, c.rollingBack)
	if err != nil {
		return fmt.Errorf("entry %d, step %d: %w", len(c.logs), l.StepIndex, err)
	}
	if l.Kind == KindPrecall {
		c.lastStep = l.StepIndex
	}
	if next == StepCompensated {
		c.pending.Remove(l.StepIndex)
	}
	c.status[l.StepIndex] = next
	c.logs = append(c.logs, l)
	return nil
}

// RollingBack reports whether a rollback entry was recorded.
func (c *LogCheck) RollingBack() bool {
	c.Lock()
	defer c.Unlock()
	return c.rollingBack
}

// Pending returns the rolled-back steps not compensated yet, in ascending
// order.
func (c *LogCheck) Pending() []int {
	c.Lock()
	defer c.Unlock()
	return set.Sorted(&c.pending)
}

// RollbackComplete reports whether every rolled-back step was compensated.
func (c *LogCheck) RollbackComplete() bool {
	c.Lock()
	defer c.Unlock()
	return c.rollingBack && c.pending.Len() == 0
}

// Status returns the status of a step.
func (c *LogCheck) Status(stepIndex int) StepStatus {
	c.Lock()
	defer c.Unlock()
	return c.status[stepIndex]
}

// Logs returns the recorded entries.
func (c *LogCheck) Logs() []EventLog {
	c.Lock()
	defer c.Unlock()
	return c.logs
}

// VerifyEventLogs checks that logs could have been produced by the engine:
// every outcome follows its precall, steps advance in order, and once a
// rollback starts only compensation entries for the rolled-back steps
// follow.
func VerifyEventLogs(logs []EventLog) error {
	c := NewLogCheck()
	for _, l := range logs {
		if err := c.Record(l); err != nil {
			return err
		}
	}
	return nil
}

// LogPretty is a helper for pretty-printing an instance's log.
type LogPretty struct {
	SagaName string
	ID       string
	Logs     []EventLog
}

// String implements the fmt.Stringer interface for LogPretty.
func (p *LogPretty) String() string {
	direction := "forward"
	for _, l := range p.Logs {
		if l.Kind == KindRollback {
			direction = "unwinding"
			break
		}
	}

	var sb strings.Builder
	sb.WriteString("SAGA LOG:\n")
	sb.WriteString(fmt.Sprintf("saga:      %s\n", p.SagaName))
	sb.WriteString(fmt.Sprintf("id:        %s\n", p.ID))
	sb.WriteString(fmt.Sprintf("direction: %s\n", direction))
	sb.WriteString(fmt.Sprintf("entries (%d total):\n", len(p.Logs)))
	sb.WriteString("\n")
	for i, l := range p.Logs {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, l.String()))
	}
	return sb.String()
}
