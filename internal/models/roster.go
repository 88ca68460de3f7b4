package models

import "time"

// RosterEntry is one valid subject identifier from the authoritative
// roster, cached locally for the soft validation gate.
type RosterEntry struct {
	SubjectID   string `db:"subject_id"`
	DisplayName string `db:"display_name"`
}

// RosterSnapshot is the locally cached roster plus its fetch metadata.
type RosterSnapshot struct {
	Scope     string
	FetchedAt time.Time
	Entries   []RosterEntry
}
