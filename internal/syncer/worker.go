// Package syncer drains the durable local queue against the backend
// ledger. All three drain triggers (enqueue nudge, offline-to-online
// transition, periodic ticker) feed one buffered channel consumed by a
// single goroutine, so at most one drain pass can ever run: the
// reentrancy invariant is structural, not flag-checked.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/picktrack/fieldsync/internal/ledger"
	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/pkg/metrics"
)

// DefaultSchedule is the fixed per-item backoff. Short on purpose: the
// worker is re-triggered on every connectivity change and periodically,
// so a struggling item gets fresh attempts soon anyway.
var DefaultSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const DefaultMaxAttempts = 3

// Queue is the durable store contract the worker drains. Injected so
// tests can substitute an in-memory fake.
type Queue interface {
	ListPending(ctx context.Context) ([]models.QueuedItem, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) error
	MarkDeadLettered(ctx context.Context, id, reason string) error
	IncrementRetry(ctx context.Context, id string) error
	Count(ctx context.Context, state models.SyncState) (int, error)
}

// Recorder writes one event to the authoritative ledger.
type Recorder interface {
	Record(ctx context.Context, event models.LedgerEvent) error
}

// Publisher is the optional best-effort live fan-out for acked events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event models.LedgerEvent) error
	IsHealthy() bool
}

// EventLog is the telemetry sink contract.
type EventLog interface {
	Log(level slog.Level, component, message string, metadata map[string]any)
}

// Config wires a Worker. Queue, Recorder, Logger and DeviceID are
// required; Fanout and Events may be nil.
type Config struct {
	Queue         Queue
	Recorder      Recorder
	Fanout        Publisher
	Events        EventLog
	Logger        *slog.Logger
	DeviceID      string
	SiteID        string
	DrainInterval time.Duration
	Schedule      []time.Duration
	MaxAttempts   int
}

type Worker struct {
	queue       Queue
	recorder    Recorder
	fanout      Publisher
	events      EventLog
	logger      *slog.Logger
	deviceID    string
	siteID      string
	interval    time.Duration
	schedule    []time.Duration
	maxAttempts int

	trigger  chan struct{}
	online   atomic.Bool
	draining atomic.Bool
}

func New(cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	return &Worker{
		queue:       cfg.Queue,
		recorder:    cfg.Recorder,
		fanout:      cfg.Fanout,
		events:      cfg.Events,
		logger:      cfg.Logger,
		deviceID:    cfg.DeviceID,
		siteID:      cfg.SiteID,
		interval:    cfg.DrainInterval,
		schedule:    cfg.Schedule,
		maxAttempts: cfg.MaxAttempts,
		trigger:     make(chan struct{}, 1),
	}
}

// Nudge requests a drain pass. Non-blocking: if a pass is already queued
// or running, the request collapses into it.
func (w *Worker) Nudge() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records backend reachability. The offline-to-online
// transition is a drain trigger.
func (w *Worker) SetOnline(online bool) {
	was := w.online.Swap(online)
	if online {
		metrics.BackendHealthy.Set(1)
	} else {
		metrics.BackendHealthy.Set(0)
	}
	if online && !was {
		w.logger.Info("Backend link restored, nudging drain")
		w.Nudge()
	}
}

// Online reports the last probed backend reachability.
func (w *Worker) Online() bool { return w.online.Load() }

// Draining reports whether a pass is currently executing.
func (w *Worker) Draining() bool { return w.draining.Load() }

// Run is the single consumer loop. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Sync worker started", "drain_interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopping")
			return
		case <-ticker.C:
		case <-w.trigger:
		}

		if !w.online.Load() {
			continue
		}
		w.drain(ctx)
	}
}

// drain processes the pending snapshot in creation order. Items enqueued
// while draining are deferred to the next pass.
func (w *Worker) drain(ctx context.Context) {
	w.draining.Store(true)
	defer w.draining.Store(false)

	start := time.Now()

	items, err := w.queue.ListPending(ctx)
	if err != nil {
		w.logger.Error("Failed to list pending items", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	metrics.DrainBatchSize.Observe(float64(len(items)))
	defer func() {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
		w.refreshGauges(ctx)
		w.logger.Info("Drain pass finished",
			"count", len(items),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	for _, item := range items {
		select {
		case <-ctx.Done():
			w.logger.Warn("Shutdown during drain, remaining items stay pending")
			return
		default:
		}

		if !w.online.Load() {
			w.logger.Warn("Backend went offline mid-drain, deferring remaining items")
			return
		}

		w.processItem(ctx, item)
	}
}

// processItem runs the bounded retry loop for one item. Every attempt
// sends the same derived event id, so the backend either inserts the
// event or reports a conflict we treat as success.
func (w *Worker) processItem(ctx context.Context, item models.QueuedItem) {
	l := w.logger.With("item_id", item.ID, "kind", string(item.Kind))

	event, err := w.eventFromItem(item)
	if err != nil {
		// Malformed payload can never succeed; quarantine immediately.
		l.Error("Unprocessable payload, dead-lettering", "error", err)
		w.deadLetter(ctx, item, fmt.Sprintf("unprocessable payload: %v", err))
		return
	}

	if err := w.queue.MarkInFlight(ctx, item.ID); err != nil {
		l.Error("Failed to mark item in flight, deferring to next pass", "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.recorder.Record(ctx, event)

		if err == nil {
			metrics.SyncAttempts.WithLabelValues("ok").Inc()
			w.finishSynced(ctx, item, event, false)
			return
		}
		if errors.Is(err, ledger.ErrAlreadyRecorded) {
			// A prior attempt (possibly before a crash) already landed it.
			metrics.SyncAttempts.WithLabelValues("conflict").Inc()
			l.Info("Event already recorded by earlier attempt, treating as success")
			w.finishSynced(ctx, item, event, true)
			return
		}

		lastErr = err
		metrics.SyncAttempts.WithLabelValues("error").Inc()
		if incErr := w.queue.IncrementRetry(ctx, item.ID); incErr != nil {
			l.Error("Failed to persist retry count", "error", incErr)
		}
		l.Warn("Record attempt failed",
			"attempt", attempt,
			"max_attempts", w.maxAttempts,
			"transient", ledger.IsTransient(err),
			"error", err,
		)

		if attempt < w.maxAttempts {
			if err := w.wait(ctx, w.schedule[attempt-1]); err != nil {
				// Torn down mid-backoff: revert so the item is not stuck
				// in flight. State writes are single atomic updates.
				w.revertToPending(item.ID)
				return
			}
		}
	}

	w.deadLetter(ctx, item, lastErr.Error())
}

func (w *Worker) finishSynced(ctx context.Context, item models.QueuedItem, event models.LedgerEvent, conflict bool) {
	if err := w.queue.MarkSynced(ctx, item.ID); err != nil {
		// The event is on the backend; a resend after restart will hit
		// the conflict path and resolve cleanly.
		w.logger.Error("Event acked but local state update failed", "item_id", item.ID, "error", err)
		return
	}

	status := "synced"
	if conflict {
		status = "conflict"
	}
	metrics.EventsProcessed.WithLabelValues(status, string(item.Kind)).Inc()
	if w.events != nil {
		w.events.Log(slog.LevelInfo, "syncer", "item synced", map[string]any{
			"item_id":  item.ID,
			"event_id": event.ID,
			"kind":     string(item.Kind),
			"conflict": conflict,
		})
	}

	w.publishFanout(ctx, event)
}

func (w *Worker) deadLetter(ctx context.Context, item models.QueuedItem, reason string) {
	if err := w.queue.MarkDeadLettered(ctx, item.ID, reason); err != nil {
		w.logger.Error("Failed to dead-letter item", "item_id", item.ID, "error", err)
		return
	}
	metrics.EventsProcessed.WithLabelValues("dead_lettered", string(item.Kind)).Inc()
	if w.events != nil {
		w.events.Log(slog.LevelError, "syncer", "item dead-lettered", map[string]any{
			"item_id":    item.ID,
			"kind":       string(item.Kind),
			"last_error": reason,
		})
	}
}

func (w *Worker) revertToPending(id string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.MarkPending(cleanupCtx, id); err != nil {
		w.logger.Error("CRITICAL: Failed to revert item during shutdown", "item_id", id, "error", err)
	}
}

// publishFanout mirrors an acked event to the live dashboard exchange.
// Strictly best-effort: failure never affects the item's outcome.
func (w *Worker) publishFanout(ctx context.Context, event models.LedgerEvent) {
	if w.fanout == nil || !w.fanout.IsHealthy() {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	routingKey := fmt.Sprintf("harvest.site.%s.%s", w.siteID, string(event.Kind))
	if err := w.fanout.Publish(pubCtx, routingKey, event); err != nil {
		metrics.BroadcastPublished.WithLabelValues("error").Inc()
		w.logger.Warn("Live fan-out publish failed", "event_id", event.ID, "error", err)
		return
	}
	metrics.BroadcastPublished.WithLabelValues("ok").Inc()
}

// eventFromItem derives the kind-specific ledger event. The event id is a
// pure function of the item id, which is what makes retries idempotent.
func (w *Worker) eventFromItem(item models.QueuedItem) (models.LedgerEvent, error) {
	subjectID, err := subjectFor(item)
	if err != nil {
		return models.LedgerEvent{}, err
	}
	return models.LedgerEvent{
		ID:             ledger.EventIDFor(item.ID),
		Kind:           item.Kind,
		SubjectID:      subjectID,
		RecordedAt:     item.CreatedAt,
		OriginDeviceID: w.deviceID,
		Attributes:     item.Payload,
	}, nil
}

func subjectFor(item models.QueuedItem) (string, error) {
	switch item.Kind {
	case models.KindScan:
		var p models.ScanPayload
		if err := unmarshalPayload(item, &p); err != nil {
			return "", err
		}
		return p.PickerID, nil
	case models.KindAttendance:
		var p models.AttendancePayload
		if err := unmarshalPayload(item, &p); err != nil {
			return "", err
		}
		return p.PickerID, nil
	case models.KindMessage:
		var p models.MessagePayload
		if err := unmarshalPayload(item, &p); err != nil {
			return "", err
		}
		return p.Channel, nil
	default:
		return "", fmt.Errorf("unknown item kind %q", item.Kind)
	}
}

func unmarshalPayload(item models.QueuedItem, v any) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", item.Kind, err)
	}
	return nil
}

func (w *Worker) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) refreshGauges(ctx context.Context) {
	if pending, err := w.queue.Count(ctx, models.StatePending); err == nil {
		metrics.QueueBacklog.Set(float64(pending))
	}
	if dead, err := w.queue.Count(ctx, models.StateDeadLettered); err == nil {
		metrics.DeadLetters.Set(float64(dead))
	}
}
