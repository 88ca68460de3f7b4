// Package ledger is the append-only backend client. Events are written
// INSERT-only with client-generated ids; totals are always derived by
// aggregation, never stored as a mutable counter, which sidesteps
// lost-update races between devices counting the same picker.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/picktrack/fieldsync/internal/models"
)

// eventNamespace seeds deterministic event id derivation. Changing it
// would break idempotency for items already queued on devices.
var eventNamespace = uuid.MustParse("7b0ce0a8-52e1-44a4-9df1-43f13e3c6f35")

// EventIDFor derives the ledger event id from the queue item id. The item
// id is minted once at creation, so every retry of the same item sends
// the exact same event id.
func EventIDFor(itemID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(itemID)).String()
}

// Client talks to the authoritative harvest ledger in Postgres.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient builds the pool without dialing: the device usually boots
// offline and connections are established lazily once the probe sees the
// backend. Only the connection string itself can fail here.
func NewClient(ctx context.Context, connString string, logger *slog.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger pool: %w", err)
	}

	return &Client{pool: pool, logger: logger}, nil
}

// Record inserts one immutable event. A unique violation on the id means
// a prior attempt already landed it and surfaces as ErrAlreadyRecorded.
func (c *Client) Record(ctx context.Context, event models.LedgerEvent) error {
	query := `
		INSERT INTO harvest_ledger (id, kind, subject_id, recorded_at, origin_device_id, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := c.pool.Exec(ctx, query,
		event.ID, string(event.Kind), event.SubjectID,
		event.RecordedAt, event.OriginDeviceID, event.Attributes,
	)
	if err != nil {
		return Classify(err)
	}
	return nil
}

// CountForSubject is the read-only derived aggregate: a picker's total is
// always COUNT(*) over their events in range.
func (c *Client) CountForSubject(ctx context.Context, subjectID string, from, to time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM harvest_ledger
		WHERE subject_id = $1 AND recorded_at >= $2 AND recorded_at < $3
	`
	var n int64
	if err := c.pool.QueryRow(ctx, query, subjectID, from, to).Scan(&n); err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// FetchRoster pulls the authoritative roster snapshot for a site, used to
// refresh the local gatekeeper cache opportunistically while online.
func (c *Client) FetchRoster(ctx context.Context, siteID string) (models.RosterSnapshot, error) {
	snap := models.RosterSnapshot{Scope: siteID, FetchedAt: time.Now()}

	query := `
		SELECT subject_id, display_name
		FROM site_roster
		WHERE site_id = $1 AND active
		ORDER BY subject_id
	`
	rows, err := c.pool.Query(ctx, query, siteID)
	if err != nil {
		return snap, Classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.RosterEntry
		if err := rows.Scan(&entry.SubjectID, &entry.DisplayName); err != nil {
			return snap, fmt.Errorf("failed to scan roster row: %w", err)
		}
		snap.Entries = append(snap.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return snap, Classify(err)
	}
	return snap, nil
}

// Ping is the connectivity probe used to flip the worker online/offline.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}
