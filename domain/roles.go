package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	PermManageUsers = "manage_users"
	PermManageItems = "manage_items"
	PermViewAdmin   = "view_admin"
	PermViewItems   = "view_items"

	DefaultRoleID = "user"
	AdminUsername = "admin"
)

// DefaultRoles returns the built-in role set.
func DefaultRoles() []Role {
	return []Role{
		{ID: "admin", Name: "Administrator", Description: "Full access, including user management and settings", Permissions: []string{PermManageUsers, PermManageItems, PermViewAdmin}},
		{ID: "creator", Name: "Creator", Description: "Can create and manage items", Permissions: []string{PermManageItems}},
		{ID: DefaultRoleID, Name: "User", Description: "Basic access", Permissions: []string{PermViewItems}},
	}
}

type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadRoles reads a role set from a YAML file of the form
//
//	roles:
//	  - id: admin
//	    name: Administrator
//	    permissions: [manage_users]
func LoadRoles(path string) ([]Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return ParseRoles(data)
}

// ParseRoles decodes a YAML role set.
func ParseRoles(data []byte) ([]Role, error) {
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Roles))
	for _, r := range f.Roles {
		if r.ID == "" {
			return nil, fmt.Errorf("parse roles: role without id")
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("parse roles: duplicate role %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return f.Roles, nil
}
