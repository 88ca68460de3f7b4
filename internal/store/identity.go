package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/picktrack/fieldsync/internal/models"
)

// EnsureDeviceIdentity returns the persistent device identity, minting it
// on first run. The id is attribution-only and never changes afterwards.
func (s *Store) EnsureDeviceIdentity(ctx context.Context) (models.DeviceIdentity, error) {
	var (
		identity  models.DeviceIdentity
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM device_identity LIMIT 1`).Scan(&identity.ID, &createdAt)
	if err == nil {
		identity.CreatedAt = time.Unix(0, createdAt)
		return identity, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.DeviceIdentity{}, fmt.Errorf("failed to read device identity: %w", err)
	}

	identity = models.DeviceIdentity{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_identity (id, created_at) VALUES (?, ?)`,
		identity.ID, identity.CreatedAt.UnixNano())
	if err != nil {
		return models.DeviceIdentity{}, fmt.Errorf("failed to create device identity: %w", err)
	}

	s.logger.Info("Minted new device identity", "device_id", identity.ID)
	return identity, nil
}
