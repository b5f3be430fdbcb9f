// Package table stores the event log in Azure Table Storage. Each aggregate is
// a partition and each event a row keyed by its zero padded version, so the
// service itself rejects a second writer of the same version.
package table

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"eventcore/domain"
	"eventcore/eventlog"
	"eventcore/internal/azstore"
)

type eventEntity struct {
	azstore.Entity
	EventID        string `json:"EventId"`
	EventType      string `json:"EventType"`
	Data           string `json:"Data"`
	Version        int64  `json:"Version,string"`
	VersionType    string `json:"Version@odata.type"`
	OccurredAt     int64  `json:"OccurredAt,string"`
	OccurredAtType string `json:"OccurredAt@odata.type"`
}

// Store is an Azure Table backed event log.
type Store struct {
	client *aztables.Client
	now    func() time.Time
	newID  func() string
}

var _ eventlog.Log = (*Store)(nil)

// New returns a Store over the named table.
func New(svc *aztables.ServiceClient, table string) *Store {
	return &Store{client: svc.NewClient(table), now: time.Now, newID: uuid.NewString}
}

// Close is a no-op; the HTTP client has nothing to release.
func (s *Store) Close() error { return nil }

// Append inserts the next version of aggregateID. A 409 means another writer
// took the version first, so the current version is re-read and the insert
// retried.
func (s *Store) Append(ctx context.Context, aggregateID string, t domain.EventType, data any) (domain.Event, error) {
	if err := eventlog.CheckAppend(aggregateID, t); err != nil {
		return domain.Event{}, err
	}
	payload, err := domain.EncodePayload(data)
	if err != nil {
		return domain.Event{}, err
	}
	for attempt := 1; attempt <= eventlog.MaxAppendAttempts; attempt++ {
		current, err := s.currentVersion(ctx, aggregateID)
		if err != nil {
			return domain.Event{}, domain.Persistence("read version", err)
		}
		ev := domain.Event{
			ID:          s.newID(),
			AggregateID: aggregateID,
			Type:        t,
			Data:        payload,
			Timestamp:   s.now().UTC(),
			Version:     current + 1,
		}
		body, err := sonic.Marshal(toEntity(ev))
		if err != nil {
			return domain.Event{}, fmt.Errorf("encode entity: %w", err)
		}
		_, err = s.client.AddEntity(ctx, body, nil)
		if err == nil {
			return ev, nil
		}
		if !azstore.IsConflict(err) {
			return domain.Event{}, domain.Persistence("append event", err)
		}
		log.WithFields(log.Fields{"aggregate": aggregateID, "version": ev.Version, "attempt": attempt}).Debug("version taken, retrying append")
	}
	return domain.Event{}, domain.Persistence("append event", domain.ErrConcurrencyConflict)
}

func (s *Store) currentVersion(ctx context.Context, aggregateID string) (int64, error) {
	filter := partitionFilter(aggregateID)
	sel := "RowKey"
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var current int64
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		for _, raw := range resp.Entities {
			var ent azstore.Entity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return 0, err
			}
			v, err := parseRowKey(ent.RowKey)
			if err != nil {
				return 0, err
			}
			if v > current {
				current = v
			}
		}
	}
	return current, nil
}

// Query lists one partition in row key order, or scans the table and sorts by
// occurrence time when aggregateID is empty.
func (s *Store) Query(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	opts := &aztables.ListEntitiesOptions{}
	if aggregateID != "" {
		filter := partitionFilter(aggregateID)
		opts.Filter = &filter
	}
	pager := s.client.NewListEntitiesPager(opts)
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, domain.Persistence("query events", err)
		}
		for _, raw := range resp.Entities {
			ev, err := decodeEntity(raw)
			if err != nil {
				return nil, domain.Persistence("decode event", err)
			}
			events = append(events, ev)
		}
	}
	if aggregateID == "" {
		sortByTime(events)
	} else {
		sort.SliceStable(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	}
	return events, nil
}

func toEntity(ev domain.Event) eventEntity {
	return eventEntity{
		Entity:         azstore.Entity{PartitionKey: ev.AggregateID, RowKey: rowKey(ev.Version)},
		EventID:        ev.ID,
		EventType:      string(ev.Type),
		Data:           string(ev.Data),
		Version:        ev.Version,
		VersionType:    azstore.EdmInt64,
		OccurredAt:     ev.Timestamp.UnixNano(),
		OccurredAtType: azstore.EdmInt64,
	}
}

func decodeEntity(raw []byte) (domain.Event, error) {
	var ent eventEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:          ent.EventID,
		AggregateID: ent.PartitionKey,
		Type:        domain.EventType(ent.EventType),
		Data:        []byte(ent.Data),
		Timestamp:   time.Unix(0, ent.OccurredAt).UTC(),
		Version:     ent.Version,
	}, nil
}

// sortByTime orders events by timestamp; ties keep per-aggregate version order.
func sortByTime(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.Version < b.Version
	})
}

func rowKey(version int64) string {
	return fmt.Sprintf("%019d", version)
}

func parseRowKey(rk string) (int64, error) {
	v, err := strconv.ParseInt(rk, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid row key %q: %w", rk, err)
	}
	return v, nil
}

func partitionFilter(aggregateID string) string {
	return "PartitionKey eq " + azstore.Quote(aggregateID)
}
