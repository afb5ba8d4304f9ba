package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/state"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	store, err := state.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("opening state store: %v", err)
	}
	t.Cleanup(func() { store.CloseForTests() })
	return store
}

func testConfig() config.ThrottleConfig {
	return config.ThrottleConfig{
		ProviderID:      "anthropic",
		Rolling5hTokens: 1000,
		WeeklyTokens:    10000,
		SoftPct:         0.7,
		HardPct:         0.9,
		GracePeriodMs:   int64((30 * time.Minute).Milliseconds()),
		WeeklyReset: config.WeeklyResetConfig{
			DayOfWeek: 0, Hour: 0, Minute: 0, TimeZone: "UTC",
		},
	}
}

func TestEngineStartsOK(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	eng, err := New(ctx, store, testConfig(), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "ok" {
		t.Fatalf("State = %q, want ok", status.State)
	}
}

func TestEngineTripsSoftThenHard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	eng, err := New(ctx, store, testConfig(), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.RecordUsage(ctx, 750); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "soft" {
		t.Fatalf("State = %q, want soft after 75%% usage", status.State)
	}

	if err := eng.RecordUsage(ctx, 200); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	status, err = eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "hard" {
		t.Fatalf("State = %q, want hard after 95%% usage", status.State)
	}
}

func TestEngineEscalatesToPauseAfterGrace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	cfg := testConfig()
	cfg.GracePeriodMs = int64((10 * time.Minute).Milliseconds())
	eng, err := New(ctx, store, cfg, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := eng.RecordUsage(ctx, 950); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "hard" {
		t.Fatalf("State = %q, want hard immediately after crossing hardPct", status.State)
	}

	clock.advance(11 * time.Minute)
	status, err = eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "pause" {
		t.Fatalf("State = %q, want pause once hard persists past the grace period", status.State)
	}
}

func TestEnginePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	cfg := testConfig()

	eng1, err := New(ctx, store, cfg, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng1.RecordUsage(ctx, 400); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	eng2, err := New(ctx, store, cfg, clock)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	status, err := eng2.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	var weekly WindowStatus
	for _, w := range status.Windows {
		if w.Kind == "weekly" {
			weekly = w
		}
	}
	if weekly.Observed != 400 {
		t.Fatalf("weekly observed after restart = %d, want 400", weekly.Observed)
	}
}

func TestNextWeeklyBoundaryIsDSTSafe(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-08 02:00 America/New_York is inside the spring-forward gap;
	// from just before the US DST transition (2026-03-08), the next Sunday
	// 00:00 boundary should still land exactly on Sunday midnight local
	// time, not be skewed by the missing hour.
	from := time.Date(2026, 3, 5, 12, 0, 0, 0, loc)
	cfg := config.WeeklyResetConfig{DayOfWeek: 0, Hour: 0, Minute: 0, TimeZone: "America/New_York"}

	boundary := nextWeeklyBoundary(from, cfg, loc)
	if boundary.Weekday() != time.Sunday {
		t.Fatalf("boundary weekday = %v, want Sunday", boundary.Weekday())
	}
	if boundary.Hour() != 0 || boundary.Minute() != 0 {
		t.Fatalf("boundary = %v, want midnight local time", boundary)
	}
}
