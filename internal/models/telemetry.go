package models

import (
	"encoding/json"
	"time"
)

// JournalEntry is one durably stored telemetry record. The journal exists
// so dead-letter and conflict events stay observable across restarts
// without polling the queue directly.
type JournalEntry struct {
	ID        int64           `db:"id" json:"id"`
	At        time.Time       `db:"at" json:"at"`
	Level     string          `db:"level" json:"level"`
	Component string          `db:"component" json:"component"`
	Message   string          `db:"message" json:"message"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}
