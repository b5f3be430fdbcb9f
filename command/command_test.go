package command

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"eventcore/bus"
	"eventcore/domain"
	eventsqlite "eventcore/eventlog/sqlite"
	"eventcore/readmodel"
)

type harness struct {
	log   *eventsqlite.Store
	store *readmodel.Memory
	bus   *bus.Bus
	users *UserService
	items *ItemService
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	el, err := eventsqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = el.Close() })
	store := readmodel.NewMemory()
	if _, err := SeedRoles(context.Background(), store, domain.DefaultRoles()); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	b := bus.New(bus.NewMemoryTransport(), bus.WithPollWait(20*time.Millisecond))
	domain.NewReadModelOrchestrator(store).Register(b)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return &harness{
		log:   el,
		store: store,
		bus:   b,
		users: NewUserService(el, b, store, opts...),
		items: NewItemService(el, b, store, opts...),
	}
}

func (h *harness) events(t *testing.T, aggregateID string) []domain.Event {
	t.Helper()
	events, err := h.log.Query(context.Background(), aggregateID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return events
}

// drain starts the bus and waits until every stored event went through the
// asynchronous projection path.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_ = h.bus.Start(ctx)
	want := int64(len(h.events(t, "")))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.bus.Stats(ctx).Processed >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bus did not process %d events", want)
}

func TestCreateItemAppendsAndProjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr("Buy milk"), Description: domain.Ptr("2%"), UserID: domain.Ptr("U1")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := h.events(t, id)
	if len(events) != 1 || events[0].Type != domain.ItemCreated || events[0].Version != 1 {
		t.Fatalf("unexpected events %#v", events)
	}
	got, _ := h.items.Get(ctx, id)
	want := domain.Item{ID: id, Title: "Buy milk", Description: "2%", UserID: "U1"}
	if got == nil || *got != want {
		t.Fatalf("want %#v got %#v", want, got)
	}
}

func TestUpdateItemMergesAndBumpsVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr("Buy milk"), Description: domain.Ptr("2%"), UserID: domain.Ptr("U1")})
	if err := h.items.Update(ctx, id, domain.ItemUpdate{Title: domain.Ptr("Buy oat milk")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	events := h.events(t, id)
	if len(events) != 2 || events[1].Type != domain.ItemUpdated || events[1].Version != 2 {
		t.Fatalf("unexpected events %#v", events)
	}
	got, _ := h.items.Get(ctx, id)
	if got.Title != "Buy oat milk" || got.Description != "2%" || got.UserID != "U1" {
		t.Fatalf("unexpected item %#v", got)
	}

	// the async projection converges on the same state
	h.drain(t)
	got, _ = h.items.Get(ctx, id)
	if got.Title != "Buy oat milk" || got.Description != "2%" {
		t.Fatalf("projection diverged %#v", got)
	}
}

func TestDeleteItemRecordsSnapshot(t *testing.T) {
	deletedAt := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return deletedAt }))
	ctx := context.Background()
	id, _ := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr("Buy milk"), Description: domain.Ptr("2%"), UserID: domain.Ptr("U1")})
	if err := h.items.Update(ctx, id, domain.ItemUpdate{Title: domain.Ptr("Buy oat milk")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.items.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events := h.events(t, id)
	last := events[len(events)-1]
	if len(events) != 3 || last.Type != domain.ItemDeleted || last.Version != 3 {
		t.Fatalf("unexpected last event %#v", last)
	}
	var payload domain.ItemDeletedEventData
	if err := last.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.DeletedItem == nil || payload.DeletedItem.Title != "Buy oat milk" || payload.DeletedItem.Description != "2%" || payload.DeletionType != "user_requested" || !payload.DeletedAt.Equal(deletedAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	h.drain(t)
	if got, _ := h.items.Get(ctx, id); got != nil {
		t.Fatalf("item still projected")
	}
}

func TestItemValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []domain.ItemUpdate{
		{UserID: domain.Ptr("U1")},
		{Title: domain.Ptr("  "), UserID: domain.Ptr("U1")},
		{Title: domain.Ptr("x")},
	}
	for i, upd := range cases {
		if _, err := h.items.Create(ctx, upd); !domain.IsValidation(err) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if events := h.events(t, ""); len(events) != 0 {
		t.Fatalf("rejected commands produced events")
	}
}

func TestUpdateOrDeleteMissingItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.items.Update(ctx, "ghost", domain.ItemUpdate{Title: domain.Ptr("x")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.items.Delete(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if events := h.events(t, ""); len(events) != 0 {
		t.Fatalf("missing aggregate produced events")
	}
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("a@x.com")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("b@x.com")})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Message != "username already in use" {
		t.Fatalf("expected username validation error, got %v", err)
	}
	if events := h.events(t, ""); len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	users, _ := h.users.List(ctx)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("a@x.com")})
	_, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("bob"), Email: domain.Ptr("A@x.com")})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Message != "email already in use" {
		t.Fatalf("expected email validation error, got %v", err)
	}
}

func TestCreateUserDefaultsAndValidatesRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("a@x.com")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u, _ := h.users.Get(ctx, id)
	if u.Role != domain.DefaultRoleID || u.CreatedAt == "" {
		t.Fatalf("unexpected user %#v", u)
	}
	if _, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("bob"), Email: domain.Ptr("b@x.com"), Role: domain.Ptr("overlord")}); !domain.IsValidation(err) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestUpdateUserAllowsOwnUsername(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, _ := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("a@x.com")})
	if err := h.users.Update(ctx, id, domain.UserUpdate{Username: domain.Ptr("alice"), Name: domain.Ptr("Alice")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	u, _ := h.users.Get(ctx, id)
	if u.Name != "Alice" || u.Email != "a@x.com" {
		t.Fatalf("unexpected user %#v", u)
	}
	if events := h.events(t, id); len(events) != 2 || events[1].Version != 2 {
		t.Fatalf("unexpected events %#v", events)
	}
}

func TestDeleteUserStripsPasswordAndProtectsAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, _ := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr(domain.AdminUsername), Email: domain.Ptr("root@x.com"), Role: domain.Ptr("admin")})
	if err := h.users.Delete(ctx, admin); !domain.IsValidation(err) {
		t.Fatalf("expected admin delete to be rejected, got %v", err)
	}

	id, _ := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("a@x.com"), PasswordHash: domain.Ptr("secret-hash")})
	if err := h.users.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events := h.events(t, id)
	var payload domain.UserDeletedEventData
	if err := events[len(events)-1].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.DeletedUser == nil || payload.DeletedUser.Username != "alice" || payload.DeletedUser.PasswordHash != "" {
		t.Fatalf("unexpected snapshot %#v", payload.DeletedUser)
	}
	h.drain(t)
	if u, _ := h.users.Get(ctx, id); u != nil {
		t.Fatalf("user still projected")
	}
	if err := h.users.Delete(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestConcurrentItemCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr(fmt.Sprintf("item %d", i)), UserID: domain.Ptr("U1")})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		events := h.events(t, id)
		if len(events) != 1 || events[0].Version != 1 {
			t.Fatalf("aggregate %s: unexpected events %#v", id, events)
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
	items, _ := h.items.List(ctx, "U1")
	if len(items) != n {
		t.Fatalf("expected %d projected items, got %d", n, len(items))
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, domain.Event) error { return errors.New("broker down") }

func TestPublishFailureDoesNotFailCommand(t *testing.T) {
	h := newHarness(t)
	svc := NewItemService(h.log, failingPublisher{}, h.store)
	id, err := svc.Create(context.Background(), domain.ItemUpdate{Title: domain.Ptr("x"), UserID: domain.Ptr("U1")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := svc.Get(context.Background(), id); got == nil {
		t.Fatalf("direct projection skipped")
	}
}

type brokenStore struct{ *readmodel.Memory }

func (brokenStore) SaveItem(context.Context, domain.ItemUpdate) error { return errors.New("disk full") }

func TestProjectionFailureIsPersistenceError(t *testing.T) {
	h := newHarness(t)
	svc := NewItemService(h.log, nil, brokenStore{h.store})
	_, err := svc.Create(context.Background(), domain.ItemUpdate{Title: domain.Ptr("x"), UserID: domain.Ptr("U1")})
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	// the event is durable; a rebuild repairs the read model
	if _, err := domain.Rebuild(context.Background(), h.log, domain.NewReadModelOrchestrator(h.store)); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	items, _ := h.store.ListItems(context.Background(), "U1")
	if len(items) != 1 {
		t.Fatalf("rebuild did not restore item: %#v", items)
	}
}

func TestCommandSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, WithTracer(tp.Tracer("test")))
	ctx := context.Background()
	if _, err := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr("x"), UserID: domain.Ptr("U1")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = h.items.Delete(ctx, "ghost")

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "command.CreateItem" || spans[1].Name != "command.DeleteItem" {
		t.Fatalf("unexpected spans %s, %s", spans[0].Name, spans[1].Name)
	}
	if spans[1].Status.Code.String() != "Error" {
		t.Fatalf("expected error status on failed delete, got %v", spans[1].Status)
	}
}

func TestSeedRolesOnlyOnce(t *testing.T) {
	store := readmodel.NewMemory()
	ctx := context.Background()
	n, err := SeedRoles(ctx, store, domain.DefaultRoles())
	if err != nil || n != 3 {
		t.Fatalf("first seed: %d %v", n, err)
	}
	n, err = SeedRoles(ctx, store, []domain.Role{{ID: "extra"}})
	if err != nil || n != 0 {
		t.Fatalf("second seed: %d %v", n, err)
	}
	if r, _ := store.GetRole(ctx, "extra"); r != nil {
		t.Fatalf("seed overwrote existing roles")
	}
}

func TestConcurrentUpdateAndDeleteItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		id, err := h.items.Create(ctx, domain.ItemUpdate{Title: domain.Ptr("t"), UserID: domain.Ptr("U1")})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		var wg sync.WaitGroup
		var updErr, delErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			updErr = h.items.Update(ctx, id, domain.ItemUpdate{Title: domain.Ptr("x")})
		}()
		go func() {
			defer wg.Done()
			delErr = h.items.Delete(ctx, id)
		}()
		wg.Wait()
		if delErr != nil {
			t.Fatalf("round %d: delete: %v", round, delErr)
		}
		if updErr != nil && !errors.Is(updErr, domain.ErrNotFound) {
			t.Fatalf("round %d: update: %v", round, updErr)
		}
		if got, _ := h.items.Get(ctx, id); got != nil {
			t.Fatalf("round %d: deleted item still projected %#v", round, got)
		}
		events := h.events(t, id)
		if last := events[len(events)-1]; last.Type != domain.ItemDeleted {
			t.Fatalf("round %d: event after delete %#v", round, last)
		}
	}
}

func TestCreateUserTrimsIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice "), Email: domain.Ptr(" alice@example.com")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := h.users.Get(ctx, id)
	if got.Username != "alice" || got.Email != "alice@example.com" {
		t.Fatalf("identity not trimmed %#v", got)
	}
	_, err = h.users.Create(ctx, domain.UserUpdate{Username: domain.Ptr("alice"), Email: domain.Ptr("other@example.com")})
	if !domain.IsValidation(err) {
		t.Fatalf("expected duplicate username, got %v", err)
	}
	var data domain.UserUpdate
	if err := h.events(t, id)[0].Decode(&data); err != nil || *data.Username != "alice" {
		t.Fatalf("event carries untrimmed username %v %v", data.Username, err)
	}
}
