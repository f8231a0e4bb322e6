package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
)

// StatusNone is the implicit state of an entity with no transition history.
const StatusNone core.StatusType = ""

// ErrStaleTransition means the entity moved between the guard check and the
// serialized append: the entry's FromState no longer matches the entity's
// current state. The write is rejected; the caller re-reads if still relevant.
var ErrStaleTransition = errors.New("entity state changed concurrently")

// Transition is one immutable entry in an entity's state history. For a given
// entity exactly one transition carries MostRecent=true at any time; the
// entity's current state is the ToState of that entry.
type Transition struct {
	ID          core.ID         `json:"id"           db:"id"`
	EntityType  core.EntityType `json:"entity_type"  db:"entity_type"`
	EntityID    core.ID         `json:"entity_id"    db:"entity_id"`
	FromState   core.StatusType `json:"from_state"   db:"from_state"`
	ToState     core.StatusType `json:"to_state"     db:"to_state"`
	SequenceKey int64           `json:"sequence_key" db:"sequence_key"`
	MostRecent  bool            `json:"most_recent"  db:"most_recent"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
}

// Store is the persistence contract for transition history. AppendTransition
// must atomically insert the new entry with MostRecent=true, flip the prior
// most-recent entry off, assign the per-entity SequenceKey, and keep the
// entity's status column in sync. Concurrent appends for one entity must
// serialize; two must never both land with MostRecent=true. Inside the same
// critical section the store verifies the entry's FromState against the
// current most-recent ToState (StatusNone with no history) and rejects a
// mismatch with ErrStaleTransition, so a guard checked before the append
// cannot be bypassed by a racing writer.
type Store interface {
	AppendTransition(ctx context.Context, t *Transition) error
	CurrentTransition(ctx context.Context, entityType core.EntityType, entityID core.ID) (*Transition, error)
	ListTransitions(ctx context.Context, entityType core.EntityType, entityID core.ID) ([]*Transition, error)
}
