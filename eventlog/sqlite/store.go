// Package sqlite stores the event log in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"eventcore/domain"
	"eventcore/eventlog"
	"eventcore/eventlog/sqlite/migrations"
	"eventcore/internal/sqlitedb"
)

// Store is a SQLite backed event log.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

var _ eventlog.Log = (*Store)(nil)

// Open opens or creates the event database at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, migrations.FS, ".")
	if err != nil {
		return nil, domain.Persistence("open event log", err)
	}
	return &Store{db: db, now: time.Now, newID: uuid.NewString}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes the next event of aggregateID. The version is computed and
// inserted in one transaction; a concurrent writer that claims the same version
// trips the unique index and the append is retried.
func (s *Store) Append(ctx context.Context, aggregateID string, t domain.EventType, data any) (domain.Event, error) {
	if err := eventlog.CheckAppend(aggregateID, t); err != nil {
		return domain.Event{}, err
	}
	payload, err := domain.EncodePayload(data)
	if err != nil {
		return domain.Event{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= eventlog.MaxAppendAttempts; attempt++ {
		ev := domain.Event{
			ID:          s.newID(),
			AggregateID: aggregateID,
			Type:        t,
			Data:        payload,
			Timestamp:   s.now().UTC().Truncate(time.Millisecond),
		}
		ev.Version, lastErr = s.insert(ctx, ev)
		if lastErr == nil {
			return ev, nil
		}
		if !sqlitedb.IsConstraintError(lastErr) {
			return domain.Event{}, domain.Persistence("append event", lastErr)
		}
		log.WithFields(log.Fields{"aggregate": aggregateID, "attempt": attempt}).Debug("version conflict, retrying append")
	}
	return domain.Event{}, domain.Persistence("append event", fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, lastErr))
}

func (s *Store) insert(ctx context.Context, ev domain.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", ev.AggregateID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	version := current + 1
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (id, aggregate_id, event_type, data, timestamp, version) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID, ev.AggregateID, string(ev.Type), string(ev.Data), sqlitedb.ToMillis(ev.Timestamp), version,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// Query returns the events of aggregateID ordered by version, or all events
// ordered by timestamp and insertion order when aggregateID is empty.
func (s *Store) Query(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = "SELECT id, aggregate_id, event_type, data, timestamp, version FROM events"
	if aggregateID == "" {
		rows, err = s.db.QueryContext(ctx, cols+" ORDER BY timestamp, rowid")
	} else {
		rows, err = s.db.QueryContext(ctx, cols+" WHERE aggregate_id = ? ORDER BY version", aggregateID)
	}
	if err != nil {
		return nil, domain.Persistence("query events", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			ev   domain.Event
			typ  string
			data string
			ts   int64
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &typ, &data, &ts, &ev.Version); err != nil {
			return nil, domain.Persistence("scan event", err)
		}
		ev.Type = domain.EventType(typ)
		ev.Data = []byte(data)
		ev.Timestamp = sqlitedb.FromMillis(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("query events", err)
	}
	return events, nil
}
