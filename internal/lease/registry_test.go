package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/state"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite")
	db, err := state.Open(context.Background(), config.DatabaseConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("state.Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.CloseForTests() })
	return New(db)
}

func TestRecordKeyFirstWriterWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	claimed, err := r.RecordKey(ctx, "pr-create:acme/widgets#4", "pr_create", map[string]string{"branch": "ralph-bot/issue-4"})
	if err != nil {
		t.Fatalf("first RecordKey returned error: %v", err)
	}
	if !claimed {
		t.Fatalf("first RecordKey should claim the key")
	}

	claimed, err = r.RecordKey(ctx, "pr-create:acme/widgets#4", "pr_create", nil)
	if err != nil {
		t.Fatalf("second RecordKey returned error: %v", err)
	}
	if claimed {
		t.Fatalf("second RecordKey on the same key should not claim")
	}
}

func TestGetPayloadRoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	type payload struct {
		Branch string `json:"branch"`
	}
	want := payload{Branch: "ralph-bot/issue-9"}
	if _, err := r.RecordKey(ctx, "pr-create:acme/widgets#9", "pr_create", want); err != nil {
		t.Fatalf("RecordKey returned error: %v", err)
	}

	var got payload
	found, err := r.GetPayload(ctx, "pr-create:acme/widgets#9", &got)
	if err != nil {
		t.Fatalf("GetPayload returned error: %v", err)
	}
	if !found {
		t.Fatalf("expected key to be found")
	}
	if got.Branch != want.Branch {
		t.Fatalf("GetPayload = %+v, want %+v", got, want)
	}
}

func TestHasKeyReportsAbsence(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	found, err := r.HasKey(ctx, "never-claimed")
	if err != nil {
		t.Fatalf("HasKey returned error: %v", err)
	}
	if found {
		t.Fatalf("HasKey should report false for a key never claimed")
	}
}

func TestTrySelfHealRefusesBeforeMinAge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.RecordKey(ctx, "watchdog:acme/widgets#3", "watchdog_comment", nil); err != nil {
		t.Fatalf("RecordKey returned error: %v", err)
	}

	claimed, err := r.TrySelfHeal(ctx, "watchdog:acme/widgets#3", "watchdog_comment", nil, time.Hour)
	if err != nil {
		t.Fatalf("TrySelfHeal returned error: %v", err)
	}
	if claimed {
		t.Fatalf("TrySelfHeal should refuse to reclaim a key younger than minAge")
	}
}

func TestTrySelfHealClaimsOnceWhenMissing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	claimed, err := r.TrySelfHeal(ctx, "watchdog:acme/widgets#5", "watchdog_comment", nil, time.Hour)
	if err != nil {
		t.Fatalf("TrySelfHeal returned error: %v", err)
	}
	if !claimed {
		t.Fatalf("TrySelfHeal on an unclaimed key should behave like RecordKey and succeed")
	}

	found, err := r.HasKey(ctx, "watchdog:acme/widgets#5")
	if err != nil {
		t.Fatalf("HasKey returned error: %v", err)
	}
	if !found {
		t.Fatalf("key should now be recorded")
	}
}

func TestDeleteKeyRemovesClaim(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.RecordKey(ctx, "pr-create:acme/widgets#12", "pr_create", nil); err != nil {
		t.Fatalf("RecordKey returned error: %v", err)
	}
	if err := r.DeleteKey(ctx, "pr-create:acme/widgets#12"); err != nil {
		t.Fatalf("DeleteKey returned error: %v", err)
	}

	found, err := r.HasKey(ctx, "pr-create:acme/widgets#12")
	if err != nil {
		t.Fatalf("HasKey returned error: %v", err)
	}
	if found {
		t.Fatalf("key should no longer be found after DeleteKey")
	}
}
