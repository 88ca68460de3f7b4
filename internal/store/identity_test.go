package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
)

func TestDeviceIdentityStableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.db")

	st := openTestStore(t, path)
	first, err := st.EnsureDeviceIdentity(ctx)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("Expected a minted device id")
	}

	// Second call in the same run returns the same identity.
	again, err := st.EnsureDeviceIdentity(ctx)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Identity changed within a run: %s vs %s", again.ID, first.ID)
	}
	st.Close()

	// And it survives a restart.
	st = openTestStore(t, path)
	defer st.Close()
	reopened, err := st.EnsureDeviceIdentity(ctx)
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity after reopen failed: %v", err)
	}
	if reopened.ID != first.ID {
		t.Errorf("Identity changed across restart: %s vs %s", reopened.ID, first.ID)
	}
}

func TestRosterRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "roster.db"))
	defer st.Close()

	empty, err := st.LoadRoster(ctx, "north-field")
	if err != nil {
		t.Fatalf("LoadRoster on cold cache failed: %v", err)
	}
	if len(empty.Entries) != 0 {
		t.Errorf("Expected empty cold cache, got %d entries", len(empty.Entries))
	}

	snap := models.RosterSnapshot{
		Scope:     "north-field",
		FetchedAt: time.Now(),
		Entries: []models.RosterEntry{
			{SubjectID: "P-100", DisplayName: "Ana"},
			{SubjectID: "P-200", DisplayName: "Miro"},
		},
	}
	if err := st.SaveRoster(ctx, snap); err != nil {
		t.Fatalf("SaveRoster failed: %v", err)
	}

	loaded, err := st.LoadRoster(ctx, "north-field")
	if err != nil {
		t.Fatalf("LoadRoster failed: %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(loaded.Entries))
	}
	if loaded.Entries[0].SubjectID != "P-100" {
		t.Errorf("Expected P-100 first, got %s", loaded.Entries[0].SubjectID)
	}

	// A refresh replaces, never merges.
	snap.Entries = snap.Entries[:1]
	if err := st.SaveRoster(ctx, snap); err != nil {
		t.Fatalf("SaveRoster replace failed: %v", err)
	}
	loaded, _ = st.LoadRoster(ctx, "north-field")
	if len(loaded.Entries) != 1 {
		t.Errorf("Expected replaced snapshot with 1 entry, got %d", len(loaded.Entries))
	}
}
