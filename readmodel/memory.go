// Package readmodel implements the projection store backends.
package readmodel

import (
	"context"
	"errors"
	"sort"
	"sync"

	"eventcore/domain"
)

var errMissingID = errors.New("record id is required")

// Memory keeps the read model in process memory. It is the default backend
// and the one used by tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]domain.User
	items map[string]domain.Item
	roles map[string]domain.Role
	// owner id -> item ids
	owned map[string]map[string]struct{}
}

var _ domain.ReadModel = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users: map[string]domain.User{},
		items: map[string]domain.Item{},
		roles: map[string]domain.Role{},
		owned: map[string]map[string]struct{}{},
	}
}

func (m *Memory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveUser(ctx context.Context, upd domain.UserUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[upd.ID]
	u.Apply(upd)
	m.users[upd.ID] = u
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *Memory) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *Memory) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Item
	if ownerID == "" {
		out = make([]domain.Item, 0, len(m.items))
		for _, it := range m.items {
			out = append(out, it)
		}
	} else {
		ids := m.owned[ownerID]
		out = make([]domain.Item, 0, len(ids))
		for id := range ids {
			out = append(out, m.items[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveItem(ctx context.Context, upd domain.ItemUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, existed := m.items[upd.ID]
	prevOwner := it.UserID
	it.Apply(upd)
	m.items[upd.ID] = it
	if existed && prevOwner != it.UserID {
		m.unindex(prevOwner, it.ID)
	}
	if it.UserID != "" {
		set := m.owned[it.UserID]
		if set == nil {
			set = map[string]struct{}{}
			m.owned[it.UserID] = set
		}
		set[it.ID] = struct{}{}
	}
	return nil
}

func (m *Memory) DeleteItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	delete(m.items, id)
	m.unindex(it.UserID, id)
	return nil
}

func (m *Memory) unindex(owner, id string) {
	set := m.owned[owner]
	delete(set, id)
	if len(set) == 0 {
		delete(m.owned, owner)
	}
}

func (m *Memory) GetRole(ctx context.Context, id string) (*domain.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListRoles(ctx context.Context) ([]domain.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRole(ctx context.Context, role domain.Role) error {
	if role.ID == "" {
		return errMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
	return nil
}
