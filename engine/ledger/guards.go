package ledger

import (
	"fmt"

	"github.com/stepflow-io/stepflow/engine/core"
)

// GuardViolationError reports a transition request that the guard table does
// not allow. It is a programming-level fault and is never silently coerced.
type GuardViolationError struct {
	EntityType core.EntityType
	EntityID   core.ID
	FromState  core.StatusType
	ToState    core.StatusType
}

func (e *GuardViolationError) Error() string {
	from := string(e.FromState)
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("guard violation: %s %s cannot transition from %s to %s",
		e.EntityType, e.EntityID, from, e.ToState)
}

// guardTable maps each from-state to the set of allowed to-states. The
// StatusNone key covers entities with no transition history yet.
type guardTable map[core.StatusType][]core.StatusType

// taskGuards is the allowed transition table for tasks.
var taskGuards = guardTable{
	StatusNone: {
		core.StatusPending,
		core.StatusInProgress,
		core.StatusComplete,
		core.StatusError,
		core.StatusCancelled,
		core.StatusResolvedManually,
	},
	core.StatusPending: {
		core.StatusInProgress,
		core.StatusCancelled,
		core.StatusError,
	},
	core.StatusInProgress: {
		core.StatusPending,
		core.StatusComplete,
		core.StatusError,
		core.StatusCancelled,
	},
	core.StatusError: {
		core.StatusPending, // retry
		core.StatusResolvedManually,
	},
	core.StatusComplete: {
		core.StatusCancelled, // admin override
	},
	core.StatusResolvedManually: {
		core.StatusCancelled,
	},
}

// stepGuards is the allowed transition table for steps. It shares the task
// table's shape today but is kept separate so the two can diverge.
var stepGuards = guardTable{
	StatusNone: {
		core.StatusPending,
		core.StatusInProgress,
		core.StatusComplete,
		core.StatusError,
		core.StatusCancelled,
		core.StatusResolvedManually,
	},
	core.StatusPending: {
		core.StatusInProgress,
		core.StatusCancelled,
		core.StatusError,
	},
	core.StatusInProgress: {
		core.StatusPending,
		core.StatusComplete,
		core.StatusError,
		core.StatusCancelled,
	},
	core.StatusError: {
		core.StatusPending,
		core.StatusResolvedManually,
	},
	core.StatusComplete: {
		core.StatusCancelled,
	},
	core.StatusResolvedManually: {
		core.StatusCancelled,
	},
}

func tableFor(entityType core.EntityType) guardTable {
	if entityType == core.EntityStep {
		return stepGuards
	}
	return taskGuards
}

// Allowed reports whether the (from, to) pair is permitted for the entity type.
func Allowed(entityType core.EntityType, from, to core.StatusType) bool {
	for _, allowed := range tableFor(entityType)[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Guard returns a GuardViolationError when the requested transition is not in
// the entity type's guard table, nil otherwise.
func Guard(entityType core.EntityType, entityID core.ID, from, to core.StatusType) error {
	if !Allowed(entityType, from, to) {
		return &GuardViolationError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  from,
			ToState:    to,
		}
	}
	return nil
}
