package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUserApplyMergesPresentFields(t *testing.T) {
	u := User{ID: "u1", Username: "alice", Email: "alice@x.com", Role: "user"}
	u.Apply(UserUpdate{Email: Ptr(""), Role: Ptr("admin"), CreatedByAdmin: Ptr(true)})
	if u.Username != "alice" || u.Email != "" || u.Role != "admin" || !u.CreatedByAdmin {
		t.Fatalf("unexpected user: %#v", u)
	}
}

func TestItemUpdateDecodeDistinguishesAbsentFromEmpty(t *testing.T) {
	var upd ItemUpdate
	if err := (Event{Type: ItemUpdated, Data: json.RawMessage(`{"description":""}`)}).Decode(&upd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if upd.Title != nil {
		t.Fatalf("title should be absent")
	}
	if upd.Description == nil || *upd.Description != "" {
		t.Fatalf("description should be present and empty")
	}
	it := Item{ID: "i1", Title: "t", Description: "d"}
	it.Apply(upd)
	if it.Title != "t" || it.Description != "" {
		t.Fatalf("unexpected item: %#v", it)
	}
}

func TestUpdateEmpty(t *testing.T) {
	if !(ItemUpdate{ID: "i1"}).Empty() {
		t.Fatalf("id-only item update should be empty")
	}
	if (UserUpdate{Name: Ptr("x")}).Empty() {
		t.Fatalf("user update with name is not empty")
	}
}

func TestEncodePayloadNilIsEmptyObject(t *testing.T) {
	data, err := EncodePayload(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestEncodePayloadOmitsAbsentFields(t *testing.T) {
	data, err := EncodePayload(ItemUpdate{Title: Ptr("Buy milk")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "description") || !strings.Contains(string(data), `"title":"Buy milk"`) {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestPersistable(t *testing.T) {
	for _, typ := range PersistedTypes {
		if !typ.Persistable() {
			t.Fatalf("%s should be persistable", typ)
		}
	}
	if TestEvent.Persistable() || EventType("NOPE").Persistable() {
		t.Fatalf("test and unknown events must not be persistable")
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("create: %w", Invalid("username", "username already in use"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error")
	}
	if err.Error() != "create: username: username already in use" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPersistenceWrapsOnce(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("append event", Persistence("insert", cause))
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "insert" {
		t.Fatalf("unexpected error %#v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if Persistence("x", nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}
