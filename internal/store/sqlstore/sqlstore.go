// Package sqlstore implements event.Store over any sqlx database. The
// postgres and sqlite drivers share it and differ only in bindvars.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/event"
)

// EventStore implements event.Store backed by a SQL events table.
type EventStore struct {
	db    *sqlx.DB
	clock clock.Clock

	insertQuery string
	loadQuery   string
	typeQuery   string
}

// NewEventStore returns a new EventStore. Queries are rebound to the
// placeholder style of the db's driver.
func NewEventStore(db *sqlx.DB, clk clock.Clock) *EventStore {
	return &EventStore{
		db:    db,
		clock: clk,
		insertQuery: db.Rebind(`INSERT INTO events (aggregate_id, type, data, version, created_at)
			VALUES (?, ?, ?, ?, ?)`),
		loadQuery: db.Rebind(`SELECT id, aggregate_id, type, data, version, created_at
			FROM events WHERE aggregate_id = ? ORDER BY version ASC`),
		typeQuery: db.Rebind(`SELECT id, aggregate_id, type, data, version, created_at
			FROM events WHERE type = ? ORDER BY created_at ASC, id ASC`),
	}
}

// Append inserts events in a single transaction.
func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, s.insertQuery)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		at := e.CreatedAt
		if at.IsZero() {
			at = s.clock.Now()
		}
		data := []byte(e.Data)
		if data == nil {
			data = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, e.AggregateID, e.Type, data, e.Version, at.UTC()); err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
		}
	}

	return tx.Commit()
}

// Load returns the aggregate's events ordered by version.
func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	if err := s.db.SelectContext(ctx, &events, s.loadQuery, aggregateID); err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

// LoadByType returns events of the given type, oldest first.
func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	var events []event.Event
	if err := s.db.SelectContext(ctx, &events, s.typeQuery, eventType); err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return events, nil
}
