package task

import (
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
)

// Snapshot is an immutable, point-in-time read of one task and all of its
// steps, edges and failure timestamps. The orchestrator loads a fresh
// snapshot each pass instead of mutating cached objects in place.
type Snapshot struct {
	Task  *Task
	Steps []*Step
	Edges []*Edge
	// LastFailures holds the timestamp of the most recent transition into
	// error per step, keyed by step ID. Steps that never failed are absent.
	LastFailures map[core.ID]time.Time
}

// Step returns the step with the given ID, or nil when absent.
func (s *Snapshot) Step(id core.ID) *Step {
	for _, step := range s.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// StepByName returns the first step with the given name, or nil when absent.
func (s *Snapshot) StepByName(name string) *Step {
	for _, step := range s.Steps {
		if step.Name == name {
			return step
		}
	}
	return nil
}

// LastFailureAt returns the most recent failure time for a step, or nil when
// the step never failed.
func (s *Snapshot) LastFailureAt(id core.ID) *time.Time {
	if at, ok := s.LastFailures[id]; ok {
		t := at
		return &t
	}
	return nil
}

// Siblings returns every step except the given one, preserving order.
func (s *Snapshot) Siblings(id core.ID) []*Step {
	siblings := make([]*Step, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.ID != id {
			siblings = append(siblings, step)
		}
	}
	return siblings
}
