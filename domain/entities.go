package domain

// User is the projected state of a user aggregate.
type User struct {
	ID             string `json:"id"`
	Username       string `json:"username,omitempty"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	PasswordHash   string `json:"password_hash,omitempty"`
	Role           string `json:"role,omitempty"`
	AuthType       string `json:"auth_type,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	CreatedByAdmin bool   `json:"created_by_admin,omitempty"`
}

// UserUpdate carries a partial user. Nil fields are left untouched on merge.
type UserUpdate struct {
	ID             string  `json:"id,omitempty"`
	Username       *string `json:"username,omitempty"`
	Email          *string `json:"email,omitempty"`
	Name           *string `json:"name,omitempty"`
	PasswordHash   *string `json:"password_hash,omitempty"`
	Role           *string `json:"role,omitempty"`
	AuthType       *string `json:"auth_type,omitempty"`
	BirthDate      *string `json:"birth_date,omitempty"`
	CreatedAt      *string `json:"created_at,omitempty"`
	CreatedByAdmin *bool   `json:"created_by_admin,omitempty"`
}

// Apply merges the present fields of upd onto u.
func (u *User) Apply(upd UserUpdate) {
	if upd.ID != "" {
		u.ID = upd.ID
	}
	mergeString(&u.Username, upd.Username)
	mergeString(&u.Email, upd.Email)
	mergeString(&u.Name, upd.Name)
	mergeString(&u.PasswordHash, upd.PasswordHash)
	mergeString(&u.Role, upd.Role)
	mergeString(&u.AuthType, upd.AuthType)
	mergeString(&u.BirthDate, upd.BirthDate)
	mergeString(&u.CreatedAt, upd.CreatedAt)
	if upd.CreatedByAdmin != nil {
		u.CreatedByAdmin = *upd.CreatedByAdmin
	}
}

// Empty reports whether the update carries no fields besides the id.
func (upd UserUpdate) Empty() bool {
	return upd.Username == nil && upd.Email == nil && upd.Name == nil && upd.PasswordHash == nil &&
		upd.Role == nil && upd.AuthType == nil && upd.BirthDate == nil && upd.CreatedAt == nil &&
		upd.CreatedByAdmin == nil
}

// Item is the projected state of an item aggregate.
type Item struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// ItemUpdate carries a partial item. Nil fields are left untouched on merge.
type ItemUpdate struct {
	ID          string  `json:"id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	UserID      *string `json:"user_id,omitempty"`
}

// Apply merges the present fields of upd onto it.
func (it *Item) Apply(upd ItemUpdate) {
	if upd.ID != "" {
		it.ID = upd.ID
	}
	mergeString(&it.Title, upd.Title)
	mergeString(&it.Description, upd.Description)
	mergeString(&it.UserID, upd.UserID)
}

// Empty reports whether the update carries no fields besides the id.
func (upd ItemUpdate) Empty() bool {
	return upd.Title == nil && upd.Description == nil && upd.UserID == nil
}

// Role groups permissions. Roles are configuration and are not event sourced.
type Role struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Allows reports whether the role grants permission.
func (r Role) Allows(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

func mergeString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
