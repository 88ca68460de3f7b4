package roster

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
)

func testGatekeeper() *Gatekeeper {
	return NewGatekeeper(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateFailsOpenOnEmptyRoster(t *testing.T) {
	g := testGatekeeper()

	v := g.Validate("P-999")
	if !v.Accept {
		t.Error("Expected fail-open accept with empty roster")
	}
	if v.Known {
		t.Error("Expected unknown identifier with empty roster")
	}
	if v.NeedsReconciliation {
		t.Error("Cold cache must not flag reconciliation, there is nothing to check against")
	}
}

func TestValidateWithPopulatedRoster(t *testing.T) {
	g := testGatekeeper()
	g.Update(models.RosterSnapshot{
		FetchedAt: time.Now(),
		Entries: []models.RosterEntry{
			{SubjectID: "P-100", DisplayName: "Ana"},
		},
	})

	t.Run("known identifier", func(t *testing.T) {
		v := g.Validate("P-100")
		if !v.Accept || !v.Known {
			t.Errorf("Expected known accept, got %+v", v)
		}
		if v.NeedsReconciliation {
			t.Error("Known identifier must not be flagged")
		}
	})

	t.Run("unknown identifier still accepted but flagged", func(t *testing.T) {
		v := g.Validate("P-404")
		if !v.Accept {
			t.Error("Gatekeeper must fail open even for unknown identifiers")
		}
		if !v.NeedsReconciliation {
			t.Error("Unknown identifier against a populated roster must carry the reconciliation flag")
		}
	})

	t.Run("lookup is normalization-insensitive", func(t *testing.T) {
		v := g.Validate("  p-100 ")
		if !v.Known {
			t.Error("Expected trimmed, case-folded identifier to match")
		}
	})
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  p-123 ", "P-123"},
		{"P-123", "P-123"},
		// Decomposed e + combining acute vs precomposed é.
		{"José", "JOSÉ"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
