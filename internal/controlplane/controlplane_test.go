package controlplane

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3mdistal/ralph/models"
)

func TestReadModeDefaultsToRunningWhenMissing(t *testing.T) {
	root := t.TempDir()
	mode, err := ReadMode(root)
	if err != nil {
		t.Fatalf("ReadMode: %v", err)
	}
	if mode != models.ControlRunning {
		t.Fatalf("mode = %q, want running", mode)
	}
}

func TestWriteModeThenReadModeRoundTrips(t *testing.T) {
	root := t.TempDir()
	if err := WriteMode(root, models.ControlDraining); err != nil {
		t.Fatalf("WriteMode: %v", err)
	}
	mode, err := ReadMode(root)
	if err != nil {
		t.Fatalf("ReadMode: %v", err)
	}
	if mode != models.ControlDraining {
		t.Fatalf("mode = %q, want draining", mode)
	}

	// No leftover temp file from the atomic rename.
	if _, err := os.Stat(filepath.Join(root, controlFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover tmp file, stat err = %v", err)
	}
}

func TestReaderSatisfiesControlReader(t *testing.T) {
	root := t.TempDir()
	if err := WriteMode(root, models.ControlPaused); err != nil {
		t.Fatalf("WriteMode: %v", err)
	}
	r := NewReader(root)
	mode, err := r.Mode(context.Background())
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode != models.ControlPaused {
		t.Fatalf("mode = %q, want paused", mode)
	}
}

func TestWatcherFallsBackToPollingWakesOnChange(t *testing.T) {
	root := t.TempDir()
	w := NewWatcher(root, 20*time.Millisecond, nil)
	defer w.Stop()

	if err := WriteMode(root, models.ControlDraining); err != nil {
		t.Fatalf("WriteMode: %v", err)
	}

	select {
	case <-w.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a watch notification")
	}
}

func TestDashboardRejectsMissingToken(t *testing.T) {
	d := NewDashboard("secret", nil)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDashboardHistoryReturnsPublishedEvents(t *testing.T) {
	d := NewDashboard("", nil)
	d.Publish(Event{Kind: EventCheckpoint, Message: "plan complete"})
	d.Publish(Event{Kind: EventThrottle, Message: "entered soft state"})

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDashboardRedactsSecretsBeforePublishing(t *testing.T) {
	d := NewDashboard("", nil)
	d.Publish(Event{Kind: EventWatchdog, Message: "tool args contained ghp_abcdefghijklmnopqrstuvwx1234"})

	snap := d.ring.snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(snapshot) = %d, want 1", len(snap))
	}
	if got := snap[0].Message; got == "tool args contained ghp_abcdefghijklmnopqrstuvwx1234" {
		t.Fatalf("message was not redacted: %q", got)
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(Event{Message: string(rune('a' + i))})
	}
	snap := r.snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(snapshot) = %d, want 3", len(snap))
	}
	if snap[0].Message != "c" || snap[2].Message != "e" {
		t.Fatalf("snapshot = %+v, want oldest-first [c,d,e]", snap)
	}
}
