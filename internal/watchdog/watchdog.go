// Package watchdog implements C9: three cooperating detectors over an agent
// subprocess's event stream — per-tool soft/hard timeouts, output-silence
// (stall) detection, and tool-call repetition (loop) detection — plus the
// trip-time subprocess cancellation and idempotent issue-comment writeback.
package watchdog

import (
	"fmt"
	"sync"
	"time"
)

// Config carries the tunables from spec.md §4.9.
type Config struct {
	SoftTimeout   time.Duration
	HardTimeout   time.Duration
	Idle          time.Duration
	LoopWindow    int
	LoopThreshold int
	// Grace is how long a tripped subprocess is given to exit after SIGTERM
	// before the caller escalates to SIGKILL.
	Grace time.Duration
}

// Clock abstracts wall-clock time, matching the DI-clock idiom used by
// internal/sync, internal/scheduler, and internal/worker.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Event is one observed line from the agent's event stream, in the subset
// of fields the three detectors care about.
type Event struct {
	Type     string // "tool_start", "tool_end", anything else counts only as output
	ToolName string
	CallID   string
	Args     string // raw argument text, compared verbatim for loop detection
}

// TripKind names which of the three detectors fired.
type TripKind string

const (
	TripWatchdogTimeout TripKind = "watchdog_timeout"
	TripStallTimeout    TripKind = "stall_timeout"
	TripLoop            TripKind = "loop_trip"
)

// WatchdogTimeoutDetail is recorded when a single tool call runs past its
// hard timeout with no progress.
type WatchdogTimeoutDetail struct {
	ToolName          string   `json:"tool_name"`
	CallID            string   `json:"call_id"`
	ElapsedMs         int64    `json:"elapsed_ms"`
	SoftMs            int64    `json:"soft_ms"`
	HardMs            int64    `json:"hard_ms"`
	LastProgressMsAgo int64    `json:"last_progress_ms_ago"`
	RecentEvents      []string `json:"recent_events"`
}

// StallTimeoutDetail is recorded when no output line has been observed for
// the configured idle window.
type StallTimeoutDetail struct {
	IdleMs       int64    `json:"idle_ms"`
	RecentEvents []string `json:"recent_events"`
}

// LoopTripDetail is recorded when the same tool-call arguments repeat above
// threshold within the trailing window.
type LoopTripDetail struct {
	ToolName    string `json:"tool_name"`
	WindowCount int    `json:"window_count"`
	Sample      string `json:"sample"`
}

// Trip is the structured result surfaced to the worker once any detector
// fires. Exactly one of the three detail pointers is non-nil.
type Trip struct {
	Kind      TripKind
	TrippedAt time.Time
	Timeout   *WatchdogTimeoutDetail
	Stall     *StallTimeoutDetail
	Loop      *LoopTripDetail
}

// Reason renders a one-line human-readable summary, used both for logging
// and as the body of the writeback comment.
func (t Trip) Reason() string {
	switch t.Kind {
	case TripWatchdogTimeout:
		d := t.Timeout
		return fmt.Sprintf("tool %q (call %s) exceeded its %dms hard timeout with no progress for %dms",
			d.ToolName, d.CallID, d.HardMs, d.LastProgressMsAgo)
	case TripStallTimeout:
		return fmt.Sprintf("no output observed for %dms", t.Stall.IdleMs)
	case TripLoop:
		d := t.Loop
		return fmt.Sprintf("tool %q repeated identical arguments %d times within the detection window", d.ToolName, d.WindowCount)
	default:
		return "watchdog trip"
	}
}

type toolCall struct {
	name      string
	callID    string
	args      string
	startedAt time.Time
}

// Monitor tracks one agent subprocess's event stream and decides when to
// trip. Not safe for use by more than one subprocess at a time; callers
// create one Monitor per AgentRunner.Run invocation.
type Monitor struct {
	cfg   Config
	clock Clock

	mu           sync.Mutex
	active       *toolCall
	lastProgress time.Time
	lastOutput   time.Time
	recent       []toolCall // trailing LoopWindow tool_start calls, oldest first
}

// NewMonitor starts tracking from now; callers should construct one
// immediately before launching the subprocess.
func NewMonitor(cfg Config, clock Clock) *Monitor {
	if clock == nil {
		clock = RealClock{}
	}
	now := clock.Now()
	return &Monitor{cfg: cfg, clock: clock, lastProgress: now, lastOutput: now}
}

// Observe feeds one event line into the monitor. It never trips by itself —
// trips are decided by Check, called on a timer — but a loop trip can be
// detected the moment a repeating tool_start arrives, so Observe returns a
// non-nil Trip in that one case.
func (m *Monitor) Observe(ev Event) *Trip {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.lastOutput = now
	m.lastProgress = now

	switch ev.Type {
	case "tool_start":
		call := toolCall{name: ev.ToolName, callID: ev.CallID, args: ev.Args, startedAt: now}
		m.active = &call
		if trip := m.checkLoopLocked(call, now); trip != nil {
			return trip
		}
		m.recent = append(m.recent, call)
		if m.cfg.LoopWindow > 0 && len(m.recent) > m.cfg.LoopWindow {
			m.recent = m.recent[len(m.recent)-m.cfg.LoopWindow:]
		}
	case "tool_end":
		m.active = nil
	}
	return nil
}

func (m *Monitor) checkLoopLocked(call toolCall, now time.Time) *Trip {
	if m.cfg.LoopThreshold <= 0 || call.args == "" {
		return nil
	}
	count := 1
	for _, c := range m.recent {
		if c.name == call.name && c.args == call.args {
			count++
		}
	}
	if count < m.cfg.LoopThreshold {
		return nil
	}
	return &Trip{
		Kind:      TripLoop,
		TrippedAt: now,
		Loop: &LoopTripDetail{
			ToolName:    call.name,
			WindowCount: count,
			Sample:      call.args,
		},
	}
}

// Check evaluates the soft/hard-timeout and stall detectors against the
// current time. Callers drive this from a ticker; a soft trip is reported
// via onWarn (non-terminal — the caller keeps ticking) while a hard trip or
// a stall returns a terminal Trip.
func (m *Monitor) Check(onWarn func(WatchdogTimeoutDetail)) *Trip {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if m.cfg.Idle > 0 {
		if idle := now.Sub(m.lastOutput); idle >= m.cfg.Idle {
			return &Trip{
				Kind:      TripStallTimeout,
				TrippedAt: now,
				Stall: &StallTimeoutDetail{
					IdleMs:       idle.Milliseconds(),
					RecentEvents: m.recentNamesLocked(),
				},
			}
		}
	}

	if m.active == nil {
		return nil
	}
	elapsed := now.Sub(m.active.startedAt)
	lastProgressAgo := now.Sub(m.lastProgress)

	if m.cfg.HardTimeout > 0 && elapsed >= m.cfg.HardTimeout {
		return &Trip{
			Kind:      TripWatchdogTimeout,
			TrippedAt: now,
			Timeout: &WatchdogTimeoutDetail{
				ToolName:          m.active.name,
				CallID:            m.active.callID,
				ElapsedMs:         elapsed.Milliseconds(),
				SoftMs:            m.cfg.SoftTimeout.Milliseconds(),
				HardMs:            m.cfg.HardTimeout.Milliseconds(),
				LastProgressMsAgo: lastProgressAgo.Milliseconds(),
				RecentEvents:      m.recentNamesLocked(),
			},
		}
	}
	if m.cfg.SoftTimeout > 0 && elapsed >= m.cfg.SoftTimeout && onWarn != nil {
		onWarn(WatchdogTimeoutDetail{
			ToolName:          m.active.name,
			CallID:            m.active.callID,
			ElapsedMs:         elapsed.Milliseconds(),
			SoftMs:            m.cfg.SoftTimeout.Milliseconds(),
			HardMs:            m.cfg.HardTimeout.Milliseconds(),
			LastProgressMsAgo: lastProgressAgo.Milliseconds(),
			RecentEvents:      m.recentNamesLocked(),
		})
	}
	return nil
}

func (m *Monitor) recentNamesLocked() []string {
	names := make([]string, 0, len(m.recent))
	for _, c := range m.recent {
		names = append(names, c.name)
	}
	return names
}
