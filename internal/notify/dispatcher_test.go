package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3mdistal/ralph/internal/config"
)

func TestNewDispatcherOnlyActivatesConfiguredChannels(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{})
	if d.IsAnyConfigured() {
		t.Fatalf("dispatcher with no channel config should have no active channels")
	}

	d = NewDispatcher(config.NotifyConfig{
		Slack: config.SlackNotifyConfig{WebhookURL: "https://hooks.slack.test/abc"},
	})
	if !d.IsAnyConfigured() {
		t.Fatalf("dispatcher with a configured Slack webhook should be active")
	}
}

func TestNotifySendsToConfiguredWebhook(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Ralph-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookNotifyConfig{URL: srv.URL, Secret: "s3cr3t"},
	})

	d.Notify(context.Background(), Event{Type: "task_escalated", Title: "issue #4 escalated"})
	if signature == "" {
		t.Fatalf("expected webhook request to carry an HMAC signature")
	}
}

func TestNotifyDropsBelowMinSeverity(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(config.NotifyConfig{
		Webhook:     config.WebhookNotifyConfig{URL: srv.URL},
		MinSeverity: "high",
	})

	d.Notify(context.Background(), Event{Type: "throttle_hard", Severity: "low"})
	if hits != 0 {
		t.Fatalf("low severity event should have been dropped below min severity")
	}

	d.Notify(context.Background(), Event{Type: "throttle_hard", Severity: "critical"})
	if hits != 1 {
		t.Fatalf("critical severity event should have been sent")
	}
}

func TestNotifyNeverDropsZeroSeverityEscalation(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(config.NotifyConfig{
		Webhook:     config.WebhookNotifyConfig{URL: srv.URL},
		MinSeverity: "critical",
	})

	d.Notify(context.Background(), Event{Type: "task_escalated", Title: "no severity set"})
	if hits != 1 {
		t.Fatalf("a plain escalation with no severity must never be filtered out")
	}
}
