package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// UserProjector applies user events to the read model.
type UserProjector struct{ st UserStorage }

func NewUserProjector(st UserStorage) UserProjector { return UserProjector{st: st} }

// Apply updates the read model for user related events.
func (p UserProjector) Apply(ctx context.Context, ev Event) error {
	id := ev.AggregateID
	switch ev.Type {
	case UserCreated, UserUpdated:
		var upd UserUpdate
		if err := ev.Decode(&upd); err != nil {
			return err
		}
		upd.ID = id
		return p.st.SaveUser(ctx, upd)
	case UserDeleted:
		var info UserDeletedEventData
		if err := ev.Decode(&info); err != nil {
			log.WithError(err).WithField("user", id).Warn("unreadable user-deleted audit payload")
		}
		log.WithFields(log.Fields{"user": id, "deleted_at": info.DeletedAt, "version": ev.Version}).Info("user deleted")
		return p.st.DeleteUser(ctx, id)
	default:
		return fmt.Errorf("unknown user event %s", ev.Type)
	}
}
