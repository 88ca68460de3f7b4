package models

import "time"

// DeviceIdentity is the persistent per-device identifier, created once on
// first run and reused for the device's lifetime. Attribution only, never
// authorization.
type DeviceIdentity struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}
