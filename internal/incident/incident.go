package incident

import (
	"fmt"
	"time"

	"github.com/halcyonsec/warden/internal/detect"
)

// State is the incident lifecycle state.
type State string

const (
	StateOpen        State = "OPEN"
	StateContained   State = "CONTAINED"
	StateSnapshotted State = "SNAPSHOTTED"
	StateResolved    State = "RESOLVED"
	StateEscalated   State = "ESCALATED"
)

// validTransitions encodes the state machine. No transition may be skipped.
var validTransitions = map[State][]State{
	StateOpen:        {StateContained},
	StateContained:   {StateSnapshotted},
	StateSnapshotted: {StateResolved, StateEscalated},
	StateEscalated:   {StateResolved},
}

// Incident tracks one detected threat through containment and resolution.
// At most one incident per threat class is open at a time; same-class
// findings merge into it.
type Incident struct {
	ID          string           `json:"id"`
	Class       detect.Class     `json:"class"`
	State       State            `json:"state"`
	Findings    []detect.Finding `json:"findings"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	SnapshotRef string           `json:"snapshot_ref,omitempty"`
	// ActionLog records each containment sub-action and its outcome, for
	// operator review of escalated incidents.
	ActionLog []string `json:"action_log,omitempty"`
}

// Open reports whether the incident still absorbs new same-class findings.
// Escalated incidents stay open until an operator resolves them.
func (i *Incident) Open() bool {
	return i.ClosedAt == nil
}

// Transition moves the incident to next, enforcing the state machine.
func (i *Incident) Transition(next State) error {
	for _, allowed := range validTransitions[i.State] {
		if allowed == next {
			i.State = next
			if next == StateResolved {
				now := time.Now().UTC()
				i.ClosedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid incident transition %s -> %s", i.State, next)
}

// Severity returns the highest finding severity attached to the incident.
func (i *Incident) Severity() detect.Severity {
	rank := map[detect.Severity]int{
		detect.SeverityLow:      1,
		detect.SeverityMedium:   2,
		detect.SeverityHigh:     3,
		detect.SeverityCritical: 4,
	}
	top := detect.SeverityLow
	for _, f := range i.Findings {
		if rank[f.Severity] > rank[top] {
			top = f.Severity
		}
	}
	return top
}
