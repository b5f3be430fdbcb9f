package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// EventType names a kind of domain event.
type EventType string

const (
	UserCreated EventType = "USER_CREATED"
	UserUpdated EventType = "USER_UPDATED"
	UserDeleted EventType = "USER_DELETED"
	ItemCreated EventType = "ITEM_CREATED"
	ItemUpdated EventType = "ITEM_UPDATED"
	ItemDeleted EventType = "ITEM_DELETED"

	// TestEvent only travels over the bus; the event log refuses it.
	TestEvent EventType = "TEST_EVENT"
)

// PersistedTypes lists every event type the event log accepts.
var PersistedTypes = []EventType{UserCreated, UserUpdated, UserDeleted, ItemCreated, ItemUpdated, ItemDeleted}

// Persistable reports whether events of this type belong in the event log.
func (t EventType) Persistable() bool {
	for _, p := range PersistedTypes {
		if t == p {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened to an aggregate.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        EventType       `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int64           `json:"version"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodePayload serializes an event payload. A nil payload becomes an empty object.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return raw, nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// ItemDeletedEventData is the audit payload carried by ITEM_DELETED.
type ItemDeletedEventData struct {
	DeletedItem  *Item     `json:"deleted_item,omitempty"`
	DeletedAt    time.Time `json:"deleted_at"`
	DeletionType string    `json:"deletion_type"`
}

// UserDeletedEventData is the audit payload carried by USER_DELETED.
type UserDeletedEventData struct {
	DeletedUser  *User     `json:"deleted_user,omitempty"`
	DeletedAt    time.Time `json:"deleted_at"`
	DeletionType string    `json:"deletion_type"`
}

// TestEventData is the payload of a TEST_EVENT.
type TestEventData struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const DeletionUserRequested = "user_requested"
