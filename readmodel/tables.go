package readmodel

import (
	"context"
	"fmt"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"eventcore/domain"
	"eventcore/internal/azstore"
)

const (
	userPartition = "user"
	itemPartition = "item"
	rolePartition = "role"
)

type userEntity struct {
	azstore.Entity
	Username           *string `json:"Username,omitempty"`
	Email              *string `json:"Email,omitempty"`
	Name               *string `json:"Name,omitempty"`
	PasswordHash       *string `json:"PasswordHash,omitempty"`
	Role               *string `json:"Role,omitempty"`
	AuthType           *string `json:"AuthType,omitempty"`
	BirthDate          *string `json:"BirthDate,omitempty"`
	CreatedAt          *string `json:"CreatedAt,omitempty"`
	CreatedByAdmin     *bool   `json:"CreatedByAdmin,omitempty"`
	CreatedByAdminType *string `json:"CreatedByAdmin@odata.type,omitempty"`
}

type itemEntity struct {
	azstore.Entity
	Title       *string `json:"Title,omitempty"`
	Description *string `json:"Description,omitempty"`
	UserID      *string `json:"UserId,omitempty"`
}

type roleEntity struct {
	azstore.Entity
	Name        string `json:"Name"`
	Description string `json:"Description"`
	Permissions string `json:"Permissions"`
}

// Tables keeps the read model in Azure Table Storage, one table per record
// kind. Saves are merge-mode upserts, so only the present fields are written.
type Tables struct {
	users *aztables.Client
	items *aztables.Client
	roles *aztables.Client
}

var _ domain.ReadModel = (*Tables)(nil)

// NewTables returns a read model over the named tables.
func NewTables(svc *aztables.ServiceClient, usersTable, itemsTable, rolesTable string) *Tables {
	return &Tables{
		users: svc.NewClient(usersTable),
		items: svc.NewClient(itemsTable),
		roles: svc.NewClient(rolesTable),
	}
}

func (t *Tables) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var ent userEntity
	ok, err := getEntity(ctx, t.users, userPartition, id, &ent)
	if err != nil || !ok {
		return nil, err
	}
	u := ent.user()
	return &u, nil
}

func (t *Tables) ListUsers(ctx context.Context) ([]domain.User, error) {
	out := []domain.User{}
	err := listEntities(ctx, t.users, "PartitionKey eq "+azstore.Quote(userPartition), func(raw []byte) error {
		var ent userEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		out = append(out, ent.user())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tables) SaveUser(ctx context.Context, upd domain.UserUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	return upsert(ctx, t.users, "save user", newUserEntity(upd))
}

func (t *Tables) DeleteUser(ctx context.Context, id string) error {
	return deleteEntity(ctx, t.users, "delete user", userPartition, id)
}

func (t *Tables) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var ent itemEntity
	ok, err := getEntity(ctx, t.items, itemPartition, id, &ent)
	if err != nil || !ok {
		return nil, err
	}
	it := ent.item()
	return &it, nil
}

func (t *Tables) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	out := []domain.Item{}
	err := listEntities(ctx, t.items, itemFilter(ownerID), func(raw []byte) error {
		var ent itemEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		out = append(out, ent.item())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tables) SaveItem(ctx context.Context, upd domain.ItemUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	return upsert(ctx, t.items, "save item", newItemEntity(upd))
}

func (t *Tables) DeleteItem(ctx context.Context, id string) error {
	return deleteEntity(ctx, t.items, "delete item", itemPartition, id)
}

func (t *Tables) GetRole(ctx context.Context, id string) (*domain.Role, error) {
	var ent roleEntity
	ok, err := getEntity(ctx, t.roles, rolePartition, id, &ent)
	if err != nil || !ok {
		return nil, err
	}
	r, err := ent.role()
	if err != nil {
		return nil, domain.Persistence("decode role", err)
	}
	return &r, nil
}

func (t *Tables) ListRoles(ctx context.Context) ([]domain.Role, error) {
	out := []domain.Role{}
	err := listEntities(ctx, t.roles, "PartitionKey eq "+azstore.Quote(rolePartition), func(raw []byte) error {
		var ent roleEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		r, err := ent.role()
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tables) SaveRole(ctx context.Context, role domain.Role) error {
	if role.ID == "" {
		return errMissingID
	}
	ent, err := newRoleEntity(role)
	if err != nil {
		return err
	}
	return upsert(ctx, t.roles, "save role", ent)
}

func newUserEntity(upd domain.UserUpdate) userEntity {
	ent := userEntity{
		Entity:         azstore.Entity{PartitionKey: userPartition, RowKey: upd.ID},
		Username:       upd.Username,
		Email:          upd.Email,
		Name:           upd.Name,
		PasswordHash:   upd.PasswordHash,
		Role:           upd.Role,
		AuthType:       upd.AuthType,
		BirthDate:      upd.BirthDate,
		CreatedAt:      upd.CreatedAt,
		CreatedByAdmin: upd.CreatedByAdmin,
	}
	if upd.CreatedByAdmin != nil {
		ent.CreatedByAdminType = domain.Ptr(azstore.EdmBoolean)
	}
	return ent
}

func (e userEntity) user() domain.User {
	var u domain.User
	u.Apply(domain.UserUpdate{
		ID:             e.RowKey,
		Username:       e.Username,
		Email:          e.Email,
		Name:           e.Name,
		PasswordHash:   e.PasswordHash,
		Role:           e.Role,
		AuthType:       e.AuthType,
		BirthDate:      e.BirthDate,
		CreatedAt:      e.CreatedAt,
		CreatedByAdmin: e.CreatedByAdmin,
	})
	return u
}

func newItemEntity(upd domain.ItemUpdate) itemEntity {
	return itemEntity{
		Entity:      azstore.Entity{PartitionKey: itemPartition, RowKey: upd.ID},
		Title:       upd.Title,
		Description: upd.Description,
		UserID:      upd.UserID,
	}
}

func (e itemEntity) item() domain.Item {
	var it domain.Item
	it.Apply(domain.ItemUpdate{ID: e.RowKey, Title: e.Title, Description: e.Description, UserID: e.UserID})
	return it
}

func newRoleEntity(r domain.Role) (roleEntity, error) {
	perms, err := sonic.MarshalString(r.Permissions)
	if err != nil {
		return roleEntity{}, fmt.Errorf("encode permissions: %w", err)
	}
	return roleEntity{
		Entity:      azstore.Entity{PartitionKey: rolePartition, RowKey: r.ID},
		Name:        r.Name,
		Description: r.Description,
		Permissions: perms,
	}, nil
}

func (e roleEntity) role() (domain.Role, error) {
	r := domain.Role{ID: e.RowKey, Name: e.Name, Description: e.Description}
	if e.Permissions != "" {
		if err := sonic.UnmarshalString(e.Permissions, &r.Permissions); err != nil {
			return domain.Role{}, err
		}
	}
	return r, nil
}

func itemFilter(ownerID string) string {
	filter := "PartitionKey eq " + azstore.Quote(itemPartition)
	if ownerID != "" {
		filter += " and UserId eq " + azstore.Quote(ownerID)
	}
	return filter
}

func getEntity(ctx context.Context, c *aztables.Client, pk, rk string, dst any) (bool, error) {
	resp, err := c.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		if azstore.IsNotFound(err) {
			return false, nil
		}
		return false, domain.Persistence("load entity", err)
	}
	if err := sonic.Unmarshal(resp.Value, dst); err != nil {
		return false, domain.Persistence("decode entity", err)
	}
	return true, nil
}

func listEntities(ctx context.Context, c *aztables.Client, filter string, each func([]byte) error) error {
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Persistence("list entities", err)
		}
		for _, raw := range resp.Entities {
			if err := each(raw); err != nil {
				return domain.Persistence("decode entity", err)
			}
		}
	}
	return nil
}

func upsert(ctx context.Context, c *aztables.Client, op string, ent any) error {
	body, err := sonic.Marshal(ent)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	_, err = c.UpsertEntity(ctx, body, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	return domain.Persistence(op, err)
}

func deleteEntity(ctx context.Context, c *aztables.Client, op, pk, rk string) error {
	et := azcore.ETagAny
	_, err := c.DeleteEntity(ctx, pk, rk, &aztables.DeleteEntityOptions{IfMatch: &et})
	if azstore.IsNotFound(err) {
		return nil
	}
	return domain.Persistence(op, err)
}
