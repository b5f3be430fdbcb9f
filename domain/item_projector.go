package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ItemProjector applies item events to the read model.
type ItemProjector struct{ st ItemStorage }

func NewItemProjector(st ItemStorage) ItemProjector { return ItemProjector{st: st} }

// Apply updates the read model for item related events. Created and updated
// events are both merge-upserts so a redelivered or reordered create cannot
// fail on an existing record.
func (p ItemProjector) Apply(ctx context.Context, ev Event) error {
	id := ev.AggregateID
	switch ev.Type {
	case ItemCreated, ItemUpdated:
		var upd ItemUpdate
		if err := ev.Decode(&upd); err != nil {
			return err
		}
		upd.ID = id
		return p.st.SaveItem(ctx, upd)
	case ItemDeleted:
		var info ItemDeletedEventData
		if err := ev.Decode(&info); err != nil {
			log.WithError(err).WithField("item", id).Warn("unreadable item-deleted audit payload")
		}
		log.WithFields(log.Fields{"item": id, "deleted_at": info.DeletedAt, "version": ev.Version}).Info("item deleted")
		return p.st.DeleteItem(ctx, id)
	default:
		return fmt.Errorf("unknown item event %s", ev.Type)
	}
}
