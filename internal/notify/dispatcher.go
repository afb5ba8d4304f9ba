package notify

import (
	"context"
	"log/slog"

	"github.com/3mdistal/ralph/internal/config"
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	minSev   string // minimum severity to notify on; empty means send everything
}

// NewDispatcher creates a Dispatcher from the given config.
// Only channels with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	d := &Dispatcher{minSev: cfg.MinSeverity}
	channels := []Channel{
		NewSlack(cfg.Slack),
		NewWebhook(cfg.Webhook),
	}
	for _, ch := range channels {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return len(d.channels) > 0
}

// Notify sends evt to all configured channels. Errors are logged but never
// returned — a notification failure must never fail the task transition
// that triggered it.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if d.minSev != "" && evt.Severity != "" && !severityAtLeast(evt.Severity, d.minSev) {
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("notify: channel send failed", "channel", ch.Name(), "event", evt.Type, "error", err)
		}
	}
}

// severityAtLeast returns true if got >= min in severity ordering. Events
// with no severity (e.g. a plain escalation) are never filtered by this
// check — only findings-style events carry a severity at all.
func severityAtLeast(got, min string) bool {
	order := map[string]int{"critical": 4, "high": 3, "medium": 2, "low": 1}
	return order[got] >= order[min]
}
