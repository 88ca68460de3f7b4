package store

import (
	"context"
	"fmt"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
)

// AppendJournal durably records one telemetry entry. Callers treat
// failures as best-effort; the sink never propagates them.
func (s *Store) AppendJournal(ctx context.Context, entry models.JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_journal (at, level, component, message, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		entry.At.UnixNano(), entry.Level, entry.Component, entry.Message, string(entry.Metadata))
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// PruneJournal drops entries older than the retention window so the
// journal never grows without bound on a small device.
func (s *Store) PruneJournal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_journal WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentJournal returns the newest entries for the status API.
func (s *Store) RecentJournal(ctx context.Context, limit int) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, level, component, message, metadata
		FROM telemetry_journal
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var (
			entry    models.JournalEntry
			at       int64
			metadata string
		)
		if err := rows.Scan(&entry.ID, &at, &entry.Level, &entry.Component, &entry.Message, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.At = time.Unix(0, at)
		entry.Metadata = []byte(metadata)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
