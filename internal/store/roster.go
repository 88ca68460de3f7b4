package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
)

// SaveRoster replaces the cached roster snapshot atomically.
func (s *Store) SaveRoster(ctx context.Context, snap models.RosterSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin roster transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roster_members`); err != nil {
		return fmt.Errorf("failed to clear roster cache: %w", err)
	}
	for _, entry := range snap.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roster_members (subject_id, display_name) VALUES (?, ?)`,
			entry.SubjectID, entry.DisplayName); err != nil {
			return fmt.Errorf("failed to insert roster member: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roster_meta (scope, fetched_at) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET fetched_at = excluded.fetched_at`,
		snap.Scope, snap.FetchedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to update roster metadata: %w", err)
	}

	return tx.Commit()
}

// LoadRoster returns the cached snapshot. An empty snapshot (cold cache,
// device has never been online) is not an error: the gatekeeper fails open.
func (s *Store) LoadRoster(ctx context.Context, scope string) (models.RosterSnapshot, error) {
	snap := models.RosterSnapshot{Scope: scope}

	var fetchedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fetched_at FROM roster_meta WHERE scope = ?`, scope).Scan(&fetchedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("failed to read roster metadata: %w", err)
	}
	snap.FetchedAt = time.Unix(0, fetchedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, display_name FROM roster_members ORDER BY subject_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to read roster members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.RosterEntry
		if err := rows.Scan(&entry.SubjectID, &entry.DisplayName); err != nil {
			return snap, fmt.Errorf("failed to scan roster member: %w", err)
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, rows.Err()
}
