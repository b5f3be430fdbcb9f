package domain

import "context"

// UserStorage defines methods required for updating user read models.
type UserStorage interface {
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SaveUser(ctx context.Context, upd UserUpdate) error
	DeleteUser(ctx context.Context, id string) error
}

// ItemStorage defines methods required for updating item read models.
type ItemStorage interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	// ListItems returns every item, or only those owned by ownerID when it is set.
	ListItems(ctx context.Context, ownerID string) ([]Item, error)
	SaveItem(ctx context.Context, upd ItemUpdate) error
	DeleteItem(ctx context.Context, id string) error
}

// RoleStorage holds the static role configuration.
type RoleStorage interface {
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	SaveRole(ctx context.Context, role Role) error
}

// ReadModel is the projection store. Get methods return nil, nil for missing
// records, Save merges present fields onto the stored record and Delete is
// a no-op for missing records.
type ReadModel interface {
	UserStorage
	ItemStorage
	RoleStorage
}
