package controlplane

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes a caller early when control.json changes, as an
// optimization on top of the scheduler's own once-per-tick poll: a missed
// fsnotify event (an NFS mount, a watch overflow) self-heals on the very
// next regular tick, so Watcher is never load-bearing for correctness.
type Watcher struct {
	root string
	poll time.Duration
	log  *slog.Logger

	notify chan struct{}
	done   chan struct{}
}

// NewWatcher starts watching root for control.json changes. poll is the
// fallback cadence used when fsnotify itself can't be started (e.g. the
// platform lacks inotify, or the watch limit is exhausted); zero defaults
// to 2s.
func NewWatcher(root string, poll time.Duration, log *slog.Logger) *Watcher {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{root: root, poll: poll, log: log, notify: make(chan struct{}, 1), done: make(chan struct{})}
	go w.run()
	return w
}

// Notify returns a channel that receives a value shortly after
// control.json changes. Sends are non-blocking (capacity 1, duplicate
// wakeups collapse into one) since the receiver re-reads the file itself
// rather than trusting the notification's payload.
func (w *Watcher) Notify() <-chan struct{} { return w.notify }

// Stop ends the watch goroutine.
func (w *Watcher) Stop() { close(w.done) }

func (w *Watcher) run() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("controlplane: fsnotify unavailable, falling back to polling", "err", err)
		w.pollLoop()
		return
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		w.log.Warn("controlplane: watching control root failed, falling back to polling", "root", w.root, "err", err)
		w.pollLoop()
		return
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Name == "" {
				continue
			}
			w.wake()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("controlplane: fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.wake()
		}
	}
}

func (w *Watcher) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
