// Package roster implements the soft validation gate over the locally
// cached picker roster. The gate always fails open: refusing to record
// real-world work because of a cold or stale cache is worse than a
// downstream reconciliation.
package roster

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/picktrack/fieldsync/internal/models"
)

// Verdict is the gatekeeper's answer for one identifier.
type Verdict struct {
	Accept bool `json:"accept"`
	Known  bool `json:"known"`
	// NeedsReconciliation marks an identifier that was accepted despite
	// being absent from a populated roster, so the backend can reconcile
	// it later instead of it being silently absorbed.
	NeedsReconciliation bool   `json:"needs_reconciliation"`
	Reason              string `json:"reason,omitempty"`
}

// Gatekeeper holds the in-memory view of the cached roster. Update is
// called at boot from the persisted snapshot and whenever a refresh
// succeeds while online.
type Gatekeeper struct {
	mu        sync.RWMutex
	members   map[string]string
	fetchedAt time.Time
	logger    *slog.Logger
}

func NewGatekeeper(logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		members: make(map[string]string),
		logger:  logger,
	}
}

// Update replaces the in-memory roster with a fresh snapshot.
func (g *Gatekeeper) Update(snap models.RosterSnapshot) {
	members := make(map[string]string, len(snap.Entries))
	for _, entry := range snap.Entries {
		members[Normalize(entry.SubjectID)] = entry.DisplayName
	}

	g.mu.Lock()
	g.members = members
	g.fetchedAt = snap.FetchedAt
	g.mu.Unlock()

	g.logger.Info("Roster cache updated", "members", len(members), "fetched_at", snap.FetchedAt)
}

// Validate checks an identifier against the cached roster.
// Empty cache: accept with a warning. Populated cache, unknown id: still
// accept, but flag the event for reconciliation.
func (g *Gatekeeper) Validate(identifier string) Verdict {
	key := Normalize(identifier)

	g.mu.RLock()
	size := len(g.members)
	_, known := g.members[key]
	g.mu.RUnlock()

	if size == 0 {
		g.logger.Warn("Roster cache is empty, accepting identifier unchecked", "identifier", key)
		return Verdict{Accept: true, Reason: "roster cache empty"}
	}

	if !known {
		g.logger.Warn("Identifier not in roster, accepting with reconciliation flag", "identifier", key)
		return Verdict{Accept: true, NeedsReconciliation: true, Reason: "identifier not in cached roster"}
	}

	return Verdict{Accept: true, Known: true}
}

// Size reports how many members the cached roster holds.
func (g *Gatekeeper) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Normalize canonicalizes a scanned identifier: trimmed, NFC-normalized
// and upper-cased. Badge printers and scanner firmware disagree on
// composed vs decomposed accents, so raw byte comparison is not safe.
func Normalize(identifier string) string {
	return strings.ToUpper(norm.NFC.String(strings.TrimSpace(identifier)))
}
