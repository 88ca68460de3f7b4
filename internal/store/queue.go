package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
)

// ErrNotFound is returned when a queue item id does not exist.
var ErrNotFound = errors.New("queue item not found")

// Enqueue persists a new item before returning, so a crash immediately
// after a UI action never silently loses the action.
func (s *Store) Enqueue(ctx context.Context, item models.QueuedItem) error {
	query := `
		INSERT INTO sync_queue (id, kind, payload, created_at, retry_count, sync_state, last_error)
		VALUES (?, ?, ?, ?, 0, ?, '')
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID, string(item.Kind), []byte(item.Payload),
		item.CreatedAt.UnixNano(), string(models.StatePending),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// ListPending returns a point-in-time snapshot of pending items in
// creation order. Items enqueued mid-drain are picked up by the next pass.
func (s *Store) ListPending(ctx context.Context) ([]models.QueuedItem, error) {
	return s.listByState(ctx, models.StatePending)
}

// ListDeadLettered returns quarantined items for operator inspection.
func (s *Store) ListDeadLettered(ctx context.Context) ([]models.QueuedItem, error) {
	return s.listByState(ctx, models.StateDeadLettered)
}

func (s *Store) listByState(ctx context.Context, state models.SyncState) ([]models.QueuedItem, error) {
	query := `
		SELECT id, kind, payload, created_at, retry_count, sync_state, last_error
		FROM sync_queue
		WHERE sync_state = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueuedItem
	for rows.Next() {
		var (
			item      models.QueuedItem
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.Kind, &item.Payload, &createdAt,
			&item.RetryCount, &item.SyncState, &item.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.CreatedAt = time.Unix(0, createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkInFlight flags an item as being processed by the current drain pass.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	return s.setState(ctx, id, models.StateInFlight)
}

// MarkPending reverts an item to pending, keeping its retry count. Used
// when a drain pass is torn down mid-item (graceful shutdown).
func (s *Store) MarkPending(ctx context.Context, id string) error {
	return s.setState(ctx, id, models.StatePending)
}

func (s *Store) setState(ctx context.Context, id string, state models.SyncState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET sync_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to set queue state: %w", err)
	}
	return affectedOrNotFound(res)
}

// MarkSynced removes the item: synced work is not retained locally, the
// backend ledger is authoritative once acknowledged.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark item synced: %w", err)
	}
	return affectedOrNotFound(res)
}

// MarkDeadLettered quarantines an item with its final error. Dead letters
// are retained until an operator requeues or clears them.
func (s *Store) MarkDeadLettered(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET sync_state = ?, last_error = ?
		WHERE id = ?`,
		string(models.StateDeadLettered), reason, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter item: %w", err)
	}
	return affectedOrNotFound(res)
}

// IncrementRetry bumps the persisted retry counter so attempt counts
// survive a restart mid-drain.
func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return affectedOrNotFound(res)
}

// Count returns how many items sit in the given state.
func (s *Store) Count(ctx context.Context, state models.SyncState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE sync_state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

// RequeueDeadLetter returns a quarantined item to pending with a fresh
// retry budget. Operator action via the status API only.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET sync_state = ?, retry_count = 0, last_error = ''
		WHERE id = ? AND sync_state = ?`,
		string(models.StatePending), id, string(models.StateDeadLettered))
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}
	return affectedOrNotFound(res)
}

// ClearDeadLettered deletes all quarantined items and reports how many.
func (s *Store) ClearDeadLettered(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE sync_state = ?`, string(models.StateDeadLettered))
	if err != nil {
		return 0, fmt.Errorf("failed to clear dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetInFlight rescues items a crashed or killed process left in flight.
// Called once on startup before the worker runs.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET sync_state = ? WHERE sync_state = ?`,
		string(models.StatePending), string(models.StateInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("Rescued items left in flight by a previous run", "count", n)
	}
	return int(n), nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
