package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/events"
)

// Ledger applies guarded state transitions on top of a Store and notifies
// observers of every accepted transition.
type Ledger struct {
	store Store
	bus   *events.Bus
}

// New creates a ledger over the given store. The bus is optional; a nil bus
// disables notifications.
func New(store Store, bus *events.Bus) *Ledger {
	return &Ledger{store: store, bus: bus}
}

// CurrentState returns the entity's current state, or StatusNone when the
// entity has no transition history yet.
func (l *Ledger) CurrentState(ctx context.Context, entityType core.EntityType, entityID core.ID) (core.StatusType, error) {
	current, err := l.store.CurrentTransition(ctx, entityType, entityID)
	if err != nil {
		return StatusNone, fmt.Errorf("loading current transition for %s %s: %w", entityType, entityID, err)
	}
	if current == nil {
		return StatusNone, nil
	}
	return current.ToState, nil
}

// Transition moves the entity to the given state after checking the guard
// table against its current state. The returned transition is the appended
// entry. A disallowed pair returns a *GuardViolationError and writes nothing.
func (l *Ledger) Transition(
	ctx context.Context,
	entityType core.EntityType,
	entityID core.ID,
	to core.StatusType,
) (*Transition, error) {
	return l.TransitionWithTask(ctx, entityType, entityID, "", to)
}

// TransitionWithTask is Transition with an owning task identifier attached to
// the emitted event, so observers can correlate step transitions to tasks.
func (l *Ledger) TransitionWithTask(
	ctx context.Context,
	entityType core.EntityType,
	entityID core.ID,
	taskID core.ID,
	to core.StatusType,
) (*Transition, error) {
	if !core.IsValidStatus(to) {
		return nil, fmt.Errorf("unknown target status %q for %s %s", to, entityType, entityID)
	}
	from, err := l.CurrentState(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if err := Guard(entityType, entityID, from, to); err != nil {
		return nil, err
	}
	t := &Transition{
		ID:         core.MustNewID(),
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  from,
		ToState:    to,
		MostRecent: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.AppendTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("appending transition for %s %s: %w", entityType, entityID, err)
	}
	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type:       events.TypeTransition,
			EntityType: entityType,
			EntityID:   entityID,
			TaskID:     taskID,
			FromState:  from,
			ToState:    to,
			At:         t.CreatedAt,
		})
	}
	return t, nil
}

// History returns the full ordered transition history of an entity.
func (l *Ledger) History(ctx context.Context, entityType core.EntityType, entityID core.ID) ([]*Transition, error) {
	return l.store.ListTransitions(ctx, entityType, entityID)
}
