// Package eventlog defines the append-only event log shared by every storage
// backend.
package eventlog

import (
	"context"
	"fmt"
	"strings"

	"eventcore/domain"
)

// MaxAppendAttempts bounds how often a backend retries an append that lost a
// version race.
const MaxAppendAttempts = 5

// Log is the append-only store of domain events.
type Log interface {
	// Append assigns the next version of aggregateID and persists the event.
	Append(ctx context.Context, aggregateID string, t domain.EventType, data any) (domain.Event, error)
	// Query returns one aggregate's events by version, or every event by
	// timestamp when aggregateID is empty.
	Query(ctx context.Context, aggregateID string) ([]domain.Event, error)
	Close() error
}

// CheckAppend validates the arguments of an Append call.
func CheckAppend(aggregateID string, t domain.EventType) error {
	if strings.TrimSpace(aggregateID) == "" {
		return domain.Invalid("aggregate_id", "aggregate id is required")
	}
	if !t.Persistable() {
		return domain.Invalid("event_type", fmt.Sprintf("event type %q cannot be stored", t))
	}
	return nil
}
