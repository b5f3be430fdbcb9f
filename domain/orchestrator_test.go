package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := EncodePayload(v)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return data
}

func TestApplyItemCreated(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, ItemUpdate{Title: Ptr("Buy milk"), Description: Ptr("2%"), UserID: Ptr("U1")})
	ev := Event{ID: "e1", AggregateID: "i1", Type: ItemCreated, Data: payload, Version: 1}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := Item{ID: "i1", Title: "Buy milk", Description: "2%", UserID: "U1"}
	if got := fs.items["i1"]; got != want {
		t.Fatalf("unexpected item: %#v", got)
	}
}

func TestApplyItemCreatedTwiceIsIdempotent(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, ItemUpdate{Title: Ptr("Buy milk"), UserID: Ptr("U1")})
	ev := Event{ID: "e1", AggregateID: "i1", Type: ItemCreated, Data: payload, Version: 1}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	once := fs.items["i1"]
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if fs.items["i1"] != once || len(fs.items) != 1 {
		t.Fatalf("second delivery changed state: %#v", fs.items)
	}
}

func TestApplyItemUpdatedMergesFields(t *testing.T) {
	fs := &fakeStore{items: map[string]Item{"i1": {ID: "i1", Title: "Buy milk", Description: "2%", UserID: "U1"}}}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, ItemUpdate{Title: Ptr("Buy oat milk")})
	ev := Event{AggregateID: "i1", Type: ItemUpdated, Data: payload, Version: 2}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := fs.items["i1"]
	if got.Title != "Buy oat milk" || got.Description != "2%" || got.UserID != "U1" {
		t.Fatalf("unexpected item: %#v", got)
	}
}

func TestApplyItemUpdatedIgnoresPayloadID(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, ItemUpdate{ID: "other", Title: Ptr("x")})
	ev := Event{AggregateID: "i1", Type: ItemUpdated, Data: payload, Version: 2}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := fs.items["other"]; ok {
		t.Fatalf("payload id must not override aggregate id")
	}
	if fs.items["i1"].Title != "x" {
		t.Fatalf("unexpected items: %#v", fs.items)
	}
}

func TestApplyItemDeletedTwiceIsNoop(t *testing.T) {
	fs := &fakeStore{items: map[string]Item{"i1": {ID: "i1", Title: "t"}}}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, ItemDeletedEventData{DeletedItem: &Item{ID: "i1", Title: "t"}, DeletedAt: time.Unix(10, 0).UTC(), DeletionType: DeletionUserRequested})
	ev := Event{AggregateID: "i1", Type: ItemDeleted, Data: payload, Version: 3}
	for i := 0; i < 2; i++ {
		if err := orch.Apply(context.Background(), ev); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if _, ok := fs.items["i1"]; ok {
		t.Fatalf("item still projected")
	}
}

func TestApplyItemDeletedToleratesBadAuditPayload(t *testing.T) {
	fs := &fakeStore{items: map[string]Item{"i1": {ID: "i1"}}}
	orch := NewReadModelOrchestrator(fs)
	ev := Event{AggregateID: "i1", Type: ItemDeleted, Data: json.RawMessage(`"not an object"`)}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fs.items) != 0 {
		t.Fatalf("item not deleted")
	}
}

func TestApplyUserCreated(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	payload := mustPayload(t, UserUpdate{Username: Ptr("alice"), Email: Ptr("alice@x.com"), Role: Ptr("user")})
	ev := Event{AggregateID: "u1", Type: UserCreated, Data: payload, Version: 1}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := fs.users["u1"]
	if got.ID != "u1" || got.Username != "alice" || got.Email != "alice@x.com" || got.Role != "user" {
		t.Fatalf("unexpected user: %#v", got)
	}
}

func TestApplyUserUpdatedKeepsAbsentFields(t *testing.T) {
	fs := &fakeStore{users: map[string]User{"u1": {ID: "u1", Username: "alice", Email: "alice@x.com"}}}
	orch := NewReadModelOrchestrator(fs)
	ev := Event{AggregateID: "u1", Type: UserUpdated, Data: mustPayload(t, UserUpdate{Name: Ptr("Alice")})}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := fs.users["u1"]
	if got.Username != "alice" || got.Email != "alice@x.com" || got.Name != "Alice" {
		t.Fatalf("unexpected user: %#v", got)
	}
}

func TestApplyUserDeleted(t *testing.T) {
	fs := &fakeStore{users: map[string]User{"u1": {ID: "u1"}}}
	orch := NewReadModelOrchestrator(fs)
	ev := Event{AggregateID: "u1", Type: UserDeleted, Data: mustPayload(t, UserDeletedEventData{DeletedAt: time.Now()})}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fs.users) != 0 {
		t.Fatalf("user not deleted")
	}
}

func TestApplyMalformedPayloadReturnsError(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	ev := Event{AggregateID: "i1", Type: ItemCreated, Data: json.RawMessage(`{"title":`)}
	if err := orch.Apply(context.Background(), ev); err == nil {
		t.Fatalf("expected decode error")
	}
	if fs.saves != 0 {
		t.Fatalf("unexpected save")
	}
}

func TestApplyUnknownTypeReturnsError(t *testing.T) {
	orch := NewReadModelOrchestrator(&fakeStore{})
	if err := orch.Apply(context.Background(), Event{Type: "ORDER_PLACED"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestApplyTestEventTouchesNothing(t *testing.T) {
	fs := &fakeStore{}
	orch := NewReadModelOrchestrator(fs)
	ev := Event{AggregateID: "test-1", Type: TestEvent, Data: mustPayload(t, TestEventData{Message: "ping"})}
	if err := orch.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fs.saves != 0 || fs.deletes != 0 {
		t.Fatalf("test event must not touch the read model")
	}
}

func TestRegisterSubscribesEveryType(t *testing.T) {
	sub := &recordingSubscriber{}
	NewReadModelOrchestrator(&fakeStore{}).Register(sub)
	if len(sub.types) != len(PersistedTypes)+1 {
		t.Fatalf("unexpected subscriptions: %v", sub.types)
	}
	for i, typ := range PersistedTypes {
		if sub.types[i] != typ {
			t.Fatalf("subscription %d: want %s got %s", i, typ, sub.types[i])
		}
	}
}

func TestRebuildReplaysLog(t *testing.T) {
	src := &fakeSource{events: []Event{
		{AggregateID: "i1", Type: ItemCreated, Version: 1, Data: mustPayload(t, ItemUpdate{Title: Ptr("a"), UserID: Ptr("U1")})},
		{AggregateID: "i2", Type: ItemCreated, Version: 1, Data: mustPayload(t, ItemUpdate{Title: Ptr("b"), UserID: Ptr("U1")})},
		{AggregateID: "i1", Type: ItemUpdated, Version: 2, Data: mustPayload(t, ItemUpdate{Title: Ptr("a2")})},
		{AggregateID: "i2", Type: ItemDeleted, Version: 2, Data: mustPayload(t, ItemDeletedEventData{})},
		{AggregateID: "u1", Type: UserCreated, Version: 1, Data: mustPayload(t, UserUpdate{Username: Ptr("alice")})},
	}}
	fs := &fakeStore{items: map[string]Item{"i1": {ID: "i1", Title: "stale", UserID: "U1"}}}
	n, err := Rebuild(context.Background(), src, NewReadModelOrchestrator(fs))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 replayed events, got %d", n)
	}
	if fs.items["i1"].Title != "a2" {
		t.Fatalf("unexpected i1: %#v", fs.items["i1"])
	}
	if _, ok := fs.items["i2"]; ok {
		t.Fatalf("deleted item resurrected")
	}
	if fs.users["u1"].Username != "alice" {
		t.Fatalf("user not rebuilt")
	}
}

func TestRebuildStopsOnStoreError(t *testing.T) {
	src := &fakeSource{events: []Event{{AggregateID: "i1", Type: ItemCreated, Data: mustPayload(t, ItemUpdate{Title: Ptr("a")})}}}
	fs := &fakeStore{saveErr: errors.New("disk full")}
	if _, err := Rebuild(context.Background(), src, NewReadModelOrchestrator(fs)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRebuildPropagatesQueryError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	if _, err := Rebuild(context.Background(), src, NewReadModelOrchestrator(&fakeStore{})); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyDeletedLogsAuditMetadata(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	deletedAt := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		items: map[string]Item{"i1": {ID: "i1"}},
		users: map[string]User{"u1": {ID: "u1"}},
	}
	orch := NewReadModelOrchestrator(fs)
	events := []Event{
		{AggregateID: "i1", Type: ItemDeleted, Version: 2, Data: mustPayload(t, ItemDeletedEventData{DeletedItem: &Item{ID: "i1"}, DeletedAt: deletedAt, DeletionType: DeletionUserRequested})},
		{AggregateID: "u1", Type: UserDeleted, Version: 2, Data: mustPayload(t, UserDeletedEventData{DeletedUser: &User{ID: "u1"}, DeletedAt: deletedAt, DeletionType: DeletionUserRequested})},
	}
	for _, ev := range events {
		if err := orch.Apply(context.Background(), ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Type, err)
		}
	}
	var found int
	for _, e := range hook.AllEntries() {
		if e.Message != "item deleted" && e.Message != "user deleted" {
			continue
		}
		if e.Level != log.InfoLevel {
			t.Fatalf("unexpected level %v", e.Level)
		}
		if at, ok := e.Data["deleted_at"].(time.Time); !ok || !at.Equal(deletedAt) {
			t.Fatalf("unexpected deleted_at %#v", e.Data["deleted_at"])
		}
		found++
	}
	if found != 2 {
		t.Fatalf("got %d deletion log entries, want 2", found)
	}
	if len(fs.items) != 0 || len(fs.users) != 0 {
		t.Fatalf("audit metadata must not keep records alive")
	}
}
