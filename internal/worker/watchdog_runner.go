package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/3mdistal/ralph/internal/watchdog"
)

// ErrWatchdogTrip wraps the watchdog.Trip that caused a WatchdogRunner to
// cancel its inner AgentRunner, so callers can distinguish a trip from an
// ordinary agent failure and decide whether to retry.
type ErrWatchdogTrip struct {
	Trip watchdog.Trip
}

func (e *ErrWatchdogTrip) Error() string {
	return "watchdog: " + e.Trip.Reason()
}

// WatchdogRunner decorates an inner AgentRunner with the three C9 detectors.
// It feeds every observed AgentEvent into a watchdog.Monitor, drives a
// ticker that calls Monitor.Check, and on any trip cancels the inner run's
// context so the subprocess is asked to exit (and force-killed if it
// ignores the request, per SubprocessRunner's Grace handling).
type WatchdogRunner struct {
	Inner AgentRunner
	Cfg   watchdog.Config
	Clock watchdog.Clock
	// Tick is how often Monitor.Check is polled. Defaults to 1s if zero.
	Tick time.Duration
	Log  *slog.Logger
}

func (r *WatchdogRunner) Run(ctx context.Context, inv AgentInvocation, onEvent func(AgentEvent), onHeartbeat func()) (AgentResult, error) {
	monitor := watchdog.NewMonitor(r.Cfg, r.Clock)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var trip *watchdog.Trip
	tick := r.Tick
	if tick <= 0 {
		tick = time.Second
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t := monitor.Check(func(d watchdog.WatchdogTimeoutDetail) {
					if r.Log != nil {
						r.Log.Warn("watchdog soft timeout", "tool", d.ToolName, "elapsed_ms", d.ElapsedMs, "soft_ms", d.SoftMs)
					}
				})
				if t != nil {
					trip = t
					cancel()
					return
				}
			}
		}
	}()

	wrappedOnEvent := func(ev AgentEvent) {
		if t := monitor.Observe(watchdog.Event{
			Type:     ev.Type,
			ToolName: ev.ToolName,
			CallID:   ev.CallID,
			Args:     ev.Args,
		}); t != nil {
			trip = t
			cancel()
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}

	result, err := r.Inner.Run(runCtx, inv, wrappedOnEvent, onHeartbeat)
	close(done)

	if trip != nil {
		return AgentResult{}, &ErrWatchdogTrip{Trip: *trip}
	}
	if err != nil && errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
		// Canceled by us but no trip recorded (race on shutdown); surface the
		// underlying error rather than claiming a trip that never happened.
		return AgentResult{}, err
	}
	return result, err
}
