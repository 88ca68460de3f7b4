package models

import (
	"encoding/json"
	"time"
)

// LedgerEvent is an immutable fact describing one countable occurrence,
// e.g. a single bucket picked. Events are only ever inserted; a subject's
// total is COUNT(*) over its events, never a stored running counter.
type LedgerEvent struct {
	ID             string          `json:"event_id"`
	Kind           ItemKind        `json:"kind"`
	SubjectID      string          `json:"subject_id"`
	RecordedAt     time.Time       `json:"recorded_at"`
	OriginDeviceID string          `json:"origin_device_id"`
	Attributes     json.RawMessage `json:"attributes"`
}
