package domain

import (
	"context"
	"errors"
	"sort"
)

type fakeStore struct {
	users    map[string]User
	items    map[string]Item
	roles    map[string]Role
	saveErr  error
	saves    int
	deletes  int
	lastUser UserUpdate
	lastItem ItemUpdate
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) SaveUser(ctx context.Context, upd UserUpdate) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if upd.ID == "" {
		return errors.New("missing id")
	}
	if f.users == nil {
		f.users = map[string]User{}
	}
	u := f.users[upd.ID]
	u.Apply(upd)
	f.users[upd.ID] = u
	f.lastUser = upd
	f.saves++
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, id string) error {
	delete(f.users, id)
	f.deletes++
	return nil
}

func (f *fakeStore) GetItem(ctx context.Context, id string) (*Item, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (f *fakeStore) ListItems(ctx context.Context, ownerID string) ([]Item, error) {
	out := []Item{}
	for _, it := range f.items {
		if ownerID == "" || it.UserID == ownerID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) SaveItem(ctx context.Context, upd ItemUpdate) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if upd.ID == "" {
		return errors.New("missing id")
	}
	if f.items == nil {
		f.items = map[string]Item{}
	}
	it := f.items[upd.ID]
	it.Apply(upd)
	f.items[upd.ID] = it
	f.lastItem = upd
	f.saves++
	return nil
}

func (f *fakeStore) DeleteItem(ctx context.Context, id string) error {
	delete(f.items, id)
	f.deletes++
	return nil
}

func (f *fakeStore) GetRole(ctx context.Context, id string) (*Role, error) {
	r, ok := f.roles[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeStore) ListRoles(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) SaveRole(ctx context.Context, r Role) error {
	if f.roles == nil {
		f.roles = map[string]Role{}
	}
	f.roles[r.ID] = r
	return nil
}

type fakeSource struct {
	events []Event
	err    error
}

func (f *fakeSource) Query(ctx context.Context, aggregateID string) ([]Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if aggregateID == "" {
		return f.events, nil
	}
	var out []Event
	for _, ev := range f.events {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type recordingSubscriber struct {
	types []EventType
}

func (r *recordingSubscriber) Subscribe(t EventType, h Handler) {
	r.types = append(r.types, t)
}
