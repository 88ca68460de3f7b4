// Package intake is the synchronous enqueue path called on user actions:
// debounce, soft-validate, persist durably, then nudge the worker. The
// caller never blocks on network I/O; everything network-facing happens
// inside the sync worker's drain loop.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/picktrack/fieldsync/internal/dedupe"
	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/internal/roster"
	"github.com/picktrack/fieldsync/pkg/metrics"
)

// ErrDuplicate is returned when the debounce filter suppresses an action.
var ErrDuplicate = errors.New("duplicate action suppressed")

// ErrInvalid is returned for requests the device cannot meaningfully queue.
var ErrInvalid = errors.New("invalid request")

// QueueStore is the durable queue surface the intake needs. Injected so
// tests can run against a throwaway store.
type QueueStore interface {
	Enqueue(ctx context.Context, item models.QueuedItem) error
	Count(ctx context.Context, state models.SyncState) (int, error)
}

// Nudger wakes the sync worker after a successful enqueue.
type Nudger interface {
	Nudge()
}

// EventLog is the telemetry sink contract.
type EventLog interface {
	Log(level slog.Level, component, message string, metadata map[string]any)
}

type Service struct {
	store  QueueStore
	filter *dedupe.Filter
	gate   *roster.Gatekeeper
	worker Nudger
	events EventLog
	logger *slog.Logger
}

func New(store QueueStore, filter *dedupe.Filter, gate *roster.Gatekeeper, worker Nudger, events EventLog, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		filter: filter,
		gate:   gate,
		worker: worker,
		events: events,
		logger: logger,
	}
}

// RecordScan queues one bucket scan. Returns the stable item id.
func (s *Service) RecordScan(ctx context.Context, code, grade string, lat, lon *float64) (string, error) {
	pickerID := roster.Normalize(code)
	if pickerID == "" {
		return "", fmt.Errorf("%w: empty scan code", ErrInvalid)
	}

	if !s.filter.ShouldAccept("scan:" + pickerID) {
		metrics.DuplicatesSuppressed.Inc()
		s.logger.Debug("Scan suppressed by debounce window", "picker_id", pickerID)
		return "", ErrDuplicate
	}

	verdict := s.gate.Validate(pickerID)
	payload := models.ScanPayload{
		PickerID:            pickerID,
		Grade:               grade,
		Latitude:            lat,
		Longitude:           lon,
		NeedsReconciliation: verdict.NeedsReconciliation,
	}
	return s.enqueue(ctx, models.KindScan, payload)
}

// RecordMessage queues one crew chat message. Messages bypass the
// debounce filter: identical bodies in quick succession are legitimate.
func (s *Service) RecordMessage(ctx context.Context, channel, body string) (string, error) {
	if channel == "" || body == "" {
		return "", fmt.Errorf("%w: channel and body are required", ErrInvalid)
	}
	payload := models.MessagePayload{Channel: channel, Body: body}
	return s.enqueue(ctx, models.KindMessage, payload)
}

// RecordAttendance queues a check-in or check-out. Uses the strict
// one-shot debounce variant: a badge checks in once per session.
func (s *Service) RecordAttendance(ctx context.Context, badge string, kind models.AttendanceType, lat, lon *float64) (string, error) {
	pickerID := roster.Normalize(badge)
	if pickerID == "" {
		return "", fmt.Errorf("%w: empty badge code", ErrInvalid)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown attendance type %q", ErrInvalid, kind)
	}

	onceKey := fmt.Sprintf("attendance:%s:%s", pickerID, kind)
	if !s.filter.ShouldAcceptOnce(onceKey) {
		metrics.DuplicatesSuppressed.Inc()
		s.logger.Debug("Attendance suppressed, already recorded this session", "picker_id", pickerID, "type", kind)
		return "", ErrDuplicate
	}

	verdict := s.gate.Validate(pickerID)
	payload := models.AttendancePayload{
		PickerID:            pickerID,
		Type:                kind,
		Latitude:            lat,
		Longitude:           lon,
		NeedsReconciliation: verdict.NeedsReconciliation,
	}

	id, err := s.enqueue(ctx, models.KindAttendance, payload)
	if err != nil {
		// Enqueue failed, so the session guard must not eat the retry.
		s.filter.Forget(onceKey)
		return "", err
	}
	return id, nil
}

// enqueue persists the item before returning. The id is minted here, once,
// and is what every future retry of this action will be keyed on.
func (s *Service) enqueue(ctx context.Context, kind models.ItemKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	item := models.QueuedItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now(),
		SyncState: models.StatePending,
	}

	if err := s.store.Enqueue(ctx, item); err != nil {
		return "", fmt.Errorf("failed to persist %s: %w", kind, err)
	}

	if s.events != nil {
		s.events.Log(slog.LevelInfo, "intake", "item queued", map[string]any{
			"item_id": item.ID,
			"kind":    string(kind),
		})
	}

	s.worker.Nudge()
	return item.ID, nil
}

// PendingCount backs the badge counter in the UI.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx, models.StatePending)
}

// DeadLetterCount backs the attention counter in the UI.
func (s *Service) DeadLetterCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx, models.StateDeadLettered)
}
