package models

import (
	"encoding/json"
	"time"
)

// ItemKind identifies the kind of outbound work carried by a queue item.
type ItemKind string

const (
	KindScan       ItemKind = "scan"
	KindMessage    ItemKind = "message"
	KindAttendance ItemKind = "attendance"
)

// SyncState tracks where a queue item sits in its delivery lifecycle.
type SyncState string

const (
	StatePending      SyncState = "pending"
	StateInFlight     SyncState = "in_flight"
	StateSynced       SyncState = "synced"
	StateDeadLettered SyncState = "dead_lettered"
)

// QueuedItem is one unit of outbound work. The ID is assigned exactly once
// at creation and never regenerated on retry; the ledger event id is
// derived from it, which is what makes resends idempotent at the backend.
type QueuedItem struct {
	ID         string          `db:"id" json:"id"`
	Kind       ItemKind        `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	SyncState  SyncState       `db:"sync_state" json:"sync_state"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// ScanPayload is the kind-specific payload for a bucket scan.
type ScanPayload struct {
	PickerID            string   `json:"picker_id"`
	Grade               string   `json:"grade,omitempty"`
	Latitude            *float64 `json:"latitude,omitempty"`
	Longitude           *float64 `json:"longitude,omitempty"`
	NeedsReconciliation bool     `json:"needs_reconciliation,omitempty"`
}

// MessagePayload is the kind-specific payload for a crew chat message.
type MessagePayload struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

// AttendanceType distinguishes check-in from check-out records.
type AttendanceType string

const (
	AttendanceCheckIn  AttendanceType = "check_in"
	AttendanceCheckOut AttendanceType = "check_out"
)

// AttendancePayload is the kind-specific payload for an attendance record.
type AttendancePayload struct {
	PickerID            string         `json:"picker_id"`
	Type                AttendanceType `json:"type"`
	Latitude            *float64       `json:"latitude,omitempty"`
	Longitude           *float64       `json:"longitude,omitempty"`
	NeedsReconciliation bool           `json:"needs_reconciliation,omitempty"`
}

func (t AttendanceType) Valid() bool {
	return t == AttendanceCheckIn || t == AttendanceCheckOut
}
