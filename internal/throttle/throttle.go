// Package throttle implements the token-budget tracker (C10): a rolling
// 5-hour window and a fixed weekly window, each with its own budget, whose
// combined state gates the scheduler between ok/soft/hard/pause.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
)

// Clock abstracts wall-clock time, matching the DI-clock idiom repeated
// across internal/sync, internal/scheduler, internal/worker, and
// internal/watchdog.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// WindowStatus is one window's current accounting, as spec.md §4.10's
// output shape names it.
type WindowStatus struct {
	Kind     models.WindowKind `json:"kind"`
	Observed int64             `json:"observed"`
	Budget   int64             `json:"budget"`
	Pct      float64           `json:"pct"`
}

// Status is the full throttle-engine output.
type Status struct {
	State    models.ThrottleState `json:"state"`
	ResumeAt *time.Time           `json:"resume_at_ts,omitempty"`
	Windows  []WindowStatus       `json:"windows"`
}

// Engine tracks usage against the rolling-5h and weekly budgets for one
// provider. The rolling window is a continuously-refilling token bucket
// (golang.org/x/time/rate); the weekly window is a fixed-boundary reset
// computed in the configured time zone so DST transitions never skew it.
type Engine struct {
	store      state.Store
	providerID string
	cfg        config.ThrottleConfig
	clock      Clock
	loc        *time.Location

	mu                sync.Mutex
	rolling           *rate.Limiter
	weeklyObserved    int64
	weeklyWindowStart time.Time
	weeklyNextReset   time.Time

	hardSince *time.Time // nil unless the engine is currently past HardPct
}

// New constructs an Engine and loads any persisted weekly window so a
// restart doesn't reset the week's observed usage to zero.
func New(ctx context.Context, store state.Store, cfg config.ThrottleConfig, clock Clock) (*Engine, error) {
	if clock == nil {
		clock = RealClock{}
	}
	loc, err := time.LoadLocation(cfg.WeeklyReset.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading throttle weekly time zone %q: %w", cfg.WeeklyReset.TimeZone, err)
	}

	now := clock.Now()
	rollingRate := rate.Limit(0)
	if cfg.Rolling5hTokens > 0 {
		rollingRate = rate.Limit(float64(cfg.Rolling5hTokens) / (5 * time.Hour).Seconds())
	}
	e := &Engine{
		store:      store,
		providerID: cfg.ProviderID,
		cfg:        cfg,
		clock:      clock,
		loc:        loc,
		rolling:    rate.NewLimiter(rollingRate, int(cfg.Rolling5hTokens)),
	}

	weekly, err := state.GetThrottleWindow(ctx, store, cfg.ProviderID, models.WindowWeekly)
	if err != nil {
		return nil, fmt.Errorf("loading weekly throttle window: %w", err)
	}
	if weekly != nil && !weekly.WindowStart.IsZero() {
		e.weeklyObserved = weekly.Observed
		e.weeklyWindowStart = weekly.WindowStart
		e.weeklyNextReset = nextWeeklyBoundary(weekly.WindowStart.Add(time.Minute), cfg.WeeklyReset, loc)
	} else {
		e.weeklyWindowStart = now
		e.weeklyNextReset = nextWeeklyBoundary(now, cfg.WeeklyReset, loc)
	}

	rolling, err := state.GetThrottleWindow(ctx, store, cfg.ProviderID, models.WindowRolling5h)
	if err != nil {
		return nil, fmt.Errorf("loading rolling throttle window: %w", err)
	}
	if rolling != nil {
		// Re-seed the bucket's consumed tokens so a restart mid-window
		// doesn't hand back a full budget it hasn't earned.
		e.rolling.AllowN(now, int(rolling.Observed))
	}

	return e, nil
}

// RecordUsage accounts tokens against both windows and persists the
// updated rows. A weekly boundary crossed since the last call resets the
// weekly window before accounting.
func (e *Engine) RecordUsage(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	e.mu.Lock()
	now := e.clock.Now()
	e.rollLocked(now)
	e.rolling.AllowN(now, int(tokens))
	e.weeklyObserved += tokens
	rollingObserved := e.rollingObservedLocked(now)
	weeklyObserved := e.weeklyObserved
	weeklyStart := e.weeklyWindowStart
	e.mu.Unlock()

	if err := state.UpsertThrottleWindow(ctx, e.store, models.ThrottleWindow{
		ProviderID: e.providerID, WindowKind: models.WindowRolling5h,
		BudgetTokens: e.cfg.Rolling5hTokens, Observed: rollingObserved, WindowStart: now,
	}); err != nil {
		return fmt.Errorf("persisting rolling throttle window: %w", err)
	}
	if err := state.UpsertThrottleWindow(ctx, e.store, models.ThrottleWindow{
		ProviderID: e.providerID, WindowKind: models.WindowWeekly,
		BudgetTokens: e.cfg.WeeklyTokens, Observed: weeklyObserved, WindowStart: weeklyStart,
	}); err != nil {
		return fmt.Errorf("persisting weekly throttle window: %w", err)
	}
	return nil
}

// rollLocked resets the weekly window if its next boundary has passed.
// Caller must hold e.mu.
func (e *Engine) rollLocked(now time.Time) {
	if !e.weeklyNextReset.IsZero() && !now.Before(e.weeklyNextReset) {
		e.weeklyObserved = 0
		e.weeklyWindowStart = e.weeklyNextReset
		e.weeklyNextReset = nextWeeklyBoundary(e.weeklyNextReset.Add(time.Minute), e.cfg.WeeklyReset, e.loc)
	}
}

// rollingObservedLocked derives the rolling window's observed count from
// the token bucket's current fill level. Caller must hold e.mu.
func (e *Engine) rollingObservedLocked(now time.Time) int64 {
	remaining := e.rolling.TokensAt(now)
	observed := float64(e.cfg.Rolling5hTokens) - remaining
	if observed < 0 {
		observed = 0
	}
	return int64(observed)
}

// Status computes the combined throttle state across both windows.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	now := e.clock.Now()
	e.rollLocked(now)
	rollingObserved := e.rollingObservedLocked(now)
	weeklyObserved := e.weeklyObserved
	rollingRate := float64(e.rolling.Limit())
	e.mu.Unlock()

	rollingPct := pctOf(rollingObserved, e.cfg.Rolling5hTokens)
	weeklyPct := pctOf(weeklyObserved, e.cfg.WeeklyTokens)
	windows := []WindowStatus{
		{Kind: models.WindowRolling5h, Observed: rollingObserved, Budget: e.cfg.Rolling5hTokens, Pct: rollingPct},
		{Kind: models.WindowWeekly, Observed: weeklyObserved, Budget: e.cfg.WeeklyTokens, Pct: weeklyPct},
	}

	worstPct := rollingPct
	worstObserved, worstBudget, worstRate := rollingObserved, e.cfg.Rolling5hTokens, rollingRate
	if weeklyPct > worstPct {
		worstPct = weeklyPct
		worstObserved, worstBudget = weeklyObserved, e.cfg.WeeklyTokens
		worstRate = 0 // weekly has no continuous-refill ETA; reported via resumeAt only for rolling
	}

	classified := classify(worstPct, e.cfg.SoftPct, e.cfg.HardPct)

	e.mu.Lock()
	defer e.mu.Unlock()
	var resumeAt *time.Time
	switch {
	case classified != models.ThrottleHard:
		e.hardSince = nil
	case e.hardSince == nil:
		e.hardSince = &now
	}

	st := classified
	if classified == models.ThrottleHard && e.hardSince != nil {
		if now.Sub(*e.hardSince) >= time.Duration(e.cfg.GracePeriodMs)*time.Millisecond {
			st = models.ThrottlePause
		}
	}
	if st == models.ThrottleHard || st == models.ThrottlePause {
		if eta := etaBelowHard(worstObserved, worstBudget, e.cfg.HardPct, worstRate); eta != nil {
			t := now.Add(*eta)
			resumeAt = &t
		}
	}

	return Status{State: st, ResumeAt: resumeAt, Windows: windows}, nil
}

// State implements scheduler.ThrottleGate.
func (e *Engine) State(ctx context.Context) (models.ThrottleState, error) {
	status, err := e.Status(ctx)
	if err != nil {
		return "", err
	}
	return status.State, nil
}

func pctOf(observed, budget int64) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(observed) / float64(budget)
}

func classify(pct, softPct, hardPct float64) models.ThrottleState {
	switch {
	case pct >= hardPct:
		return models.ThrottleHard
	case pct >= softPct:
		return models.ThrottleSoft
	default:
		return models.ThrottleOK
	}
}

// etaBelowHard estimates the wall-clock duration until observed usage
// decays back under hardPct of budget, given a continuous refill rate in
// tokens/second. Returns nil when the rate can't support an estimate (a
// fixed-reset window, or a zero rate).
func etaBelowHard(observed, budget int64, hardPct, ratePerSecond float64) *time.Duration {
	if ratePerSecond <= 0 {
		return nil
	}
	threshold := hardPct * float64(budget)
	deficit := float64(observed) - threshold
	if deficit <= 0 {
		return nil
	}
	d := time.Duration(deficit/ratePerSecond) * time.Second
	return &d
}

// nextWeeklyBoundary returns the first instant at or after from matching
// cfg's weekday/hour/minute in loc. Computed by constructing civil dates
// directly (never by adding 7×24h), so DST transitions never skew the
// boundary.
func nextWeeklyBoundary(from time.Time, cfg config.WeeklyResetConfig, loc *time.Location) time.Time {
	from = from.In(loc)
	for dayOffset := 0; dayOffset <= 7; dayOffset++ {
		candidate := time.Date(from.Year(), from.Month(), from.Day()+dayOffset, cfg.Hour, cfg.Minute, 0, 0, loc)
		if int(candidate.Weekday()) != cfg.DayOfWeek {
			continue
		}
		if !candidate.Before(from) {
			return candidate
		}
	}
	// Unreachable given the 0..7 sweep covers a full week, but keep a safe
	// fallback rather than returning the zero time.
	return from.AddDate(0, 0, 7)
}
