package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Handler consumes one delivered event.
type Handler func(ctx context.Context, ev Event) error

// Subscriber registers handlers per event type.
type Subscriber interface {
	Subscribe(t EventType, h Handler)
}

// EventSource reads the event log. An empty aggregate id returns every event
// in timestamp order.
type EventSource interface {
	Query(ctx context.Context, aggregateID string) ([]Event, error)
}

// Orchestrator routes events to the appropriate projector based on event type.
type Orchestrator struct {
	users UserProjector
	items ItemProjector
}

func NewOrchestrator(users UserProjector, items ItemProjector) Orchestrator {
	return Orchestrator{users: users, items: items}
}

// NewReadModelOrchestrator builds both projectors over a single read model.
func NewReadModelOrchestrator(rm ReadModel) Orchestrator {
	return NewOrchestrator(NewUserProjector(rm), NewItemProjector(rm))
}

// Apply delegates event handling to the corresponding projector.
func (o Orchestrator) Apply(ctx context.Context, ev Event) error {
	switch ev.Type {
	case UserCreated, UserUpdated, UserDeleted:
		return o.users.Apply(ctx, ev)
	case ItemCreated, ItemUpdated, ItemDeleted:
		return o.items.Apply(ctx, ev)
	case TestEvent:
		return handleTestEvent(ev)
	default:
		return fmt.Errorf("unknown event type %s", ev.Type)
	}
}

// Register subscribes one handler per event type on sub.
func (o Orchestrator) Register(sub Subscriber) {
	for _, t := range PersistedTypes {
		sub.Subscribe(t, o.Apply)
	}
	sub.Subscribe(TestEvent, o.Apply)
}

func handleTestEvent(ev Event) error {
	var data TestEventData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	log.WithFields(log.Fields{"aggregate": ev.AggregateID, "message": data.Message, "sent_at": data.Timestamp}).Info("test event received")
	return nil
}

// Rebuild replays the whole event log through the projectors. Projections are
// merge-upserts and deletes, so replaying over an existing read model converges
// on the same state as replaying into an empty one.
func Rebuild(ctx context.Context, src EventSource, o Orchestrator) (int, error) {
	events, err := src.Query(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	applied := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !ev.Type.Persistable() {
			continue
		}
		if err := o.Apply(ctx, ev); err != nil {
			return applied, fmt.Errorf("replay %s %s v%d: %w", ev.Type, ev.AggregateID, ev.Version, err)
		}
		applied++
	}
	log.WithField("events", applied).Info("read model rebuilt from event log")
	return applied, nil
}
