package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded state transition.
type Entry struct {
	ID       int64                  `json:"id"`
	Provider string                 `json:"provider"`
	State    pubsub.ConnectionState `json:"state"`
	At       time.Time              `json:"at"`
}

// Repository reads and writes connection_state_history.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a Repository over an open, migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record stores a state change.
func (r *Repository) Record(ctx context.Context, ev pubsub.StateChange) error {
	if ev.Provider == "" {
		return ErrInvalidProvider
	}
	if ev.State == "" {
		return ErrInvalidState
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO connection_state_history (provider, state, at) VALUES (?, ?, ?)",
		ev.Provider, string(ev.State), at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording state change: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for provider, newest first.
// A limit of zero or less uses DefaultLimit; larger than MaxLimit is capped.
func (r *Repository) Recent(ctx context.Context, provider string, limit int) ([]Entry, error) {
	if provider == "" {
		return nil, ErrInvalidProvider
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, provider, state, at FROM connection_state_history
		 WHERE provider = ? ORDER BY id DESC LIMIT ?`,
		provider, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e     Entry
			state string
			at    string
		)
		if err := rows.Scan(&e.ID, &e.Provider, &state, &at); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.State = pubsub.ConnectionState(state)
		e.At, _ = time.Parse(timeLayout, at) //nolint:errcheck // written by Record
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and reports how many were removed.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM connection_state_history WHERE at < ?",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite always reports it
	return n, nil
}

// Recorder returns a callback suitable for Provider.OnStateChange that
// records every change, logging failures.
func (r *Repository) Recorder(ctx context.Context, logger pubsub.Logger) func(pubsub.StateChange) {
	return func(ev pubsub.StateChange) {
		if err := r.Record(ctx, ev); err != nil && logger != nil {
			logger.Warn("state history write failed", "provider", ev.Provider, "state", ev.State, "error", err)
		}
	}
}
