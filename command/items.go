package command

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"eventcore/domain"
)

const itemLockStripes = 32

// ItemService handles item commands. Commands on the same item are
// serialized so the existence check and the append cannot interleave;
// commands on different items usually run concurrently.
type ItemService struct {
	core
	store domain.ReadModel
	locks [itemLockStripes]sync.Mutex
}

func NewItemService(el EventLog, pub Publisher, store domain.ReadModel, opts ...Option) *ItemService {
	return &ItemService{core: newCore(el, pub, opts), store: store}
}

// Create stores a new item and returns its id.
func (s *ItemService) Create(ctx context.Context, upd domain.ItemUpdate) (id string, err error) {
	ctx, span := s.span(ctx, "command.CreateItem", "")
	defer func() { endSpan(span, err) }()

	if err := requireField("title", upd.Title); err != nil {
		return "", err
	}
	if err := requireField("user_id", upd.UserID); err != nil {
		return "", err
	}

	id = s.newID()
	span.SetAttributes(attribute.String("aggregate.id", id))
	upd.ID = ""
	ev, err := s.commit(ctx, id, domain.ItemCreated, upd)
	if err != nil {
		return "", err
	}
	upd.ID = id
	if err := s.store.SaveItem(ctx, upd); err != nil {
		return "", domain.Persistence("project item", err)
	}
	log.WithFields(log.Fields{"item": id, "owner": *upd.UserID, "version": ev.Version}).Debug("item created")
	return id, nil
}

// Update merges the present fields of upd onto item id.
func (s *ItemService) Update(ctx context.Context, id string, upd domain.ItemUpdate) (err error) {
	ctx, span := s.span(ctx, "command.UpdateItem", id)
	defer func() { endSpan(span, err) }()

	defer s.lock(id)()

	current, err := s.store.GetItem(ctx, id)
	if err != nil {
		return domain.Persistence("load item", err)
	}
	if current == nil {
		return fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	if upd.Empty() {
		return nil
	}
	if upd.Title != nil {
		if err := requireField("title", upd.Title); err != nil {
			return err
		}
	}
	if upd.UserID != nil {
		if err := requireField("user_id", upd.UserID); err != nil {
			return err
		}
	}

	upd.ID = ""
	if _, err := s.commit(ctx, id, domain.ItemUpdated, upd); err != nil {
		return err
	}
	upd.ID = id
	if err := s.store.SaveItem(ctx, upd); err != nil {
		return domain.Persistence("project item", err)
	}
	return nil
}

// Delete removes item id, recording a snapshot of it in the event.
func (s *ItemService) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.span(ctx, "command.DeleteItem", id)
	defer func() { endSpan(span, err) }()

	defer s.lock(id)()

	current, err := s.store.GetItem(ctx, id)
	if err != nil {
		return domain.Persistence("load item", err)
	}
	if current == nil {
		return fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	payload := domain.ItemDeletedEventData{
		DeletedItem:  current,
		DeletedAt:    s.now().UTC(),
		DeletionType: domain.DeletionUserRequested,
	}
	if _, err := s.commit(ctx, id, domain.ItemDeleted, payload); err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return domain.Persistence("project item", err)
	}
	return nil
}

// Get returns the projected item or nil when it does not exist.
func (s *ItemService) Get(ctx context.Context, id string) (*domain.Item, error) {
	return s.store.GetItem(ctx, id)
}

// List returns every item, or the items of ownerID when it is set.
func (s *ItemService) List(ctx context.Context, ownerID string) ([]domain.Item, error) {
	return s.store.ListItems(ctx, ownerID)
}

// lock holds the stripe of id and returns its unlock.
func (s *ItemService) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%itemLockStripes]
	mu.Lock()
	return mu.Unlock
}
