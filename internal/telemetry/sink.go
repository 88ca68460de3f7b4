// Package telemetry is the structured observability sink. Every record is
// mirrored to slog, counted in prometheus and journaled durably in the
// local store; a journal write failure never fails or blocks the
// operation being described.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/pkg/metrics"
)

// Journal is the durable backing for telemetry records.
type Journal interface {
	AppendJournal(ctx context.Context, entry models.JournalEntry) error
}

type Sink struct {
	journal Journal
	logger  *slog.Logger
}

func NewSink(journal Journal, logger *slog.Logger) *Sink {
	return &Sink{journal: journal, logger: logger}
}

// Log records one telemetry event. Best-effort by contract: errors from
// the journal are swallowed after a debug line.
func (s *Sink) Log(level slog.Level, component, message string, metadata map[string]any) {
	attrs := make([]any, 0, 2+2*len(metadata))
	attrs = append(attrs, "component", component)
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(context.Background(), level, message, attrs...)

	metrics.TelemetryEvents.WithLabelValues(level.String()).Inc()

	if s.journal == nil {
		return
	}

	var raw json.RawMessage
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			raw = data
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry := models.JournalEntry{
		At:        time.Now(),
		Level:     level.String(),
		Component: component,
		Message:   message,
		Metadata:  raw,
	}
	if err := s.journal.AppendJournal(ctx, entry); err != nil {
		s.logger.Debug("Telemetry journal write failed", "error", err)
	}
}
