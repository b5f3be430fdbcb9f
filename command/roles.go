package command

import (
	"context"

	log "github.com/sirupsen/logrus"

	"eventcore/domain"
)

// SeedRoles stores roles when the read model has none yet and returns how
// many were written. Existing roles are left alone.
func SeedRoles(ctx context.Context, store domain.RoleStorage, roles []domain.Role) (int, error) {
	existing, err := store.ListRoles(ctx)
	if err != nil {
		return 0, domain.Persistence("list roles", err)
	}
	if len(existing) > 0 {
		log.WithField("roles", len(existing)).Debug("roles already present, skipping seed")
		return 0, nil
	}
	for _, r := range roles {
		if err := store.SaveRole(ctx, r); err != nil {
			return 0, domain.Persistence("seed role "+r.ID, err)
		}
	}
	log.WithField("roles", len(roles)).Info("seeded default roles")
	return len(roles), nil
}
