// Package scheduler implements the per-repo slot scheduler (C7): a
// cron-driven tick that sweeps stale in-progress tasks back to queued and
// then claims queued tasks into running slots, respecting the control
// plane's mode and the throttle engine's gate, following the teacher's
// cron-driven gateway.Scheduler, which fires the same sweep-then-claim
// sequence on its own tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/3mdistal/ralph/internal/locks"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// QueueSource is the subset of the queue driver the scheduler reads from.
type QueueSource interface {
	GetQueuedTasks(ctx context.Context, repo string) ([]models.Task, error)
}

// Sweeper reclaims orphaned in-progress tasks back to queued, per spec.md
// §4.4's stale-sweep rule. The scheduler fires it once per repo per tick,
// ahead of claiming, so a crashed worker's task is never stuck past one
// tick interval.
type Sweeper interface {
	SweepStale(ctx context.Context, repo string) error
}

// StatusUpdater is the subset of the queue driver the scheduler writes
// through when it claims a task.
type StatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, task models.Task, newStatus models.TaskStatus) (applied bool, err error)
}

// ThrottleGate reports the current throttle state; see internal/throttle.
type ThrottleGate interface {
	State(ctx context.Context) (models.ThrottleState, error)
}

// ControlReader reports the control plane's current mode; see
// internal/controlplane.
type ControlReader interface {
	Mode(ctx context.Context) (models.ControlMode, error)
}

// Config parameterizes a Scheduler.
type Config struct {
	MaxWorkers   int
	TickInterval time.Duration // used to build the "@every" cron expression
}

// Scheduler claims queued tasks into per-repo concurrency slots, round-
// robining across repos by schedulerPriority.
type Scheduler struct {
	store    state.Store
	queue    QueueSource
	updater  StatusUpdater
	throttle ThrottleGate
	control  ControlReader
	sweeper  Sweeper
	locks    *locks.Manager
	daemonID string
	cfg      Config
	log      *slog.Logger

	cron *cron.Cron

	mu    sync.Mutex
	slots map[string][]bool // repo full name -> in-use bitmap
}

func New(store state.Store, queue QueueSource, updater StatusUpdater, throttle ThrottleGate, control ControlReader, sweeper Sweeper, lockMgr *locks.Manager, daemonID string, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Scheduler{
		store: store, queue: queue, updater: updater, throttle: throttle, control: control,
		sweeper: sweeper, locks: lockMgr, daemonID: daemonID, cfg: cfg, log: log,
		cron:  cron.New(),
		slots: make(map[string][]bool),
	}
}

// Start registers the scheduling tick with cron and begins running it.
// repos is re-read from disk by the caller on config reset, so Start takes
// it by value each time rather than caching a pointer.
func (s *Scheduler) Start(ctx context.Context, repos []models.Repo) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.Tick(ctx, repos); err != nil {
			s.log.Warn("scheduler: tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("registering scheduler tick: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", "repos", len(repos), "max_workers", s.cfg.MaxWorkers, "tick_interval", interval)
	return nil
}

// Stop halts the cron runner.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Tick performs one scheduling pass: one read of the control mode and
// throttle state, followed by claim attempts across repos ordered by
// schedulerPriority (ties broken lexicographically by full name), until
// global worker capacity or claimable tasks are exhausted.
func (s *Scheduler) Tick(ctx context.Context, repos []models.Repo) error {
	mode, err := s.control.Mode(ctx)
	if err != nil {
		return fmt.Errorf("reading control mode: %w", err)
	}
	if mode != models.ControlRunning {
		s.log.Info("scheduler: skipping claims, control plane not running", "mode", mode)
		return nil
	}

	throttle, err := s.throttle.State(ctx)
	if err != nil {
		return fmt.Errorf("reading throttle state: %w", err)
	}
	switch throttle {
	case models.ThrottleHard, models.ThrottlePause:
		s.log.Info("scheduler: skipping claims, throttle gate closed", "throttle", throttle)
		return nil
	case models.ThrottleSoft:
		s.log.Warn("scheduler: claiming under soft throttle")
	}

	ordered := append([]models.Repo(nil), repos...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SchedulerPriority != ordered[j].SchedulerPriority {
			return ordered[i].SchedulerPriority > ordered[j].SchedulerPriority
		}
		return ordered[i].FullName() < ordered[j].FullName()
	})

	s.sweepStale(ctx, ordered)

	claimed := 0
	for claimed < s.cfg.MaxWorkers {
		progressedThisRound := false
		for _, repo := range ordered {
			if claimed >= s.cfg.MaxWorkers {
				break
			}
			ok, err := s.tryClaimOne(ctx, repo)
			if err != nil {
				s.log.Warn("scheduler: claim attempt failed", "repo", repo.FullName(), "error", err)
				continue
			}
			if ok {
				claimed++
				progressedThisRound = true
			}
		}
		if !progressedThisRound {
			break
		}
	}
	return nil
}

// sweepStale runs the stale-sweep pass across every repo ahead of claiming,
// mirroring the teacher's cron-driven gateway.Scheduler sweep pass this tick
// loop is grounded on. A sweep failure for one repo is logged and never
// blocks claiming in the others.
func (s *Scheduler) sweepStale(ctx context.Context, repos []models.Repo) {
	if s.sweeper == nil {
		return
	}
	for _, repo := range repos {
		if err := s.sweeper.SweepStale(ctx, repo.FullName()); err != nil {
			s.log.Warn("scheduler: stale-sweep failed", "repo", repo.FullName(), "error", err)
		}
	}
}

// tryClaimOne attempts to claim the first claimable queued task in repo
// into a free slot. Returns ok=false if no slot or no claimable task was
// available this round.
func (s *Scheduler) tryClaimOne(ctx context.Context, repo models.Repo) (bool, error) {
	tasks, err := s.queue.GetQueuedTasks(ctx, repo.FullName())
	if err != nil {
		return false, fmt.Errorf("listing queued tasks for %s: %w", repo.FullName(), err)
	}

	for _, task := range tasks {
		slot, ok := s.allocateSlot(repo, task.RepoSlot)
		if !ok {
			return false, nil // repo saturated; move on to the next repo
		}

		claimedHere, err := s.claimTask(ctx, task, slot)
		if err != nil {
			s.releaseSlot(repo, slot)
			return false, err
		}
		if claimedHere {
			return true, nil
		}
		// Another daemon beat us to this task's lease; give the slot back
		// and try the next candidate.
		s.releaseSlot(repo, slot)
	}
	return false, nil
}

// claimTask is claimable when status is queued, no open PR is associated,
// and no live lease exists (checked inside the per-task lock). On success
// it inserts the op-state lease and moves the task to starting.
func (s *Scheduler) claimTask(ctx context.Context, task models.Task, slot int) (bool, error) {
	taskPath := task.Path()
	claimed := false
	err := locks.WithLock(s.locks, taskPath, func() error {
		existing, err := state.GetLiveOpState(ctx, s.store, taskPath)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil // already leased; not claimable
		}

		workerID := uuid.NewString()
		now := time.Now().UTC()
		op := models.OpState{
			TaskPath:    taskPath,
			OwnerDaemon: s.daemonID,
			OwnerWorker: workerID,
			RepoSlot:    slot,
			CreatedAt:   now,
			HeartbeatAt: now,
		}
		if _, err := state.ClaimOpState(ctx, s.store, op); err != nil {
			return fmt.Errorf("claiming op-state: %w", err)
		}

		task.WorkerID = workerID
		task.DaemonID = s.daemonID
		task.RepoSlot = slot
		if _, err := s.updater.UpdateTaskStatus(ctx, task, models.TaskStarting); err != nil {
			return fmt.Errorf("moving task to starting: %w", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// allocateSlot returns the lowest free slot index for repo, preferring
// preferred if it is in range and free (a task resuming with a previously
// persisted repoSlot keeps it rather than migrating to a new index).
func (s *Scheduler) allocateSlot(repo models.Repo, preferred int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bitmap := s.slots[repo.FullName()]
	if bitmap == nil {
		bitmap = make([]bool, repo.ConcurrencySlots)
		s.slots[repo.FullName()] = bitmap
	}
	if preferred >= 0 && preferred < len(bitmap) && !bitmap[preferred] {
		bitmap[preferred] = true
		return preferred, true
	}
	for i, used := range bitmap {
		if !used {
			bitmap[i] = true
			return i, true
		}
	}
	return 0, false
}

func (s *Scheduler) releaseSlot(repo models.Repo, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bitmap := s.slots[repo.FullName()]; slot >= 0 && slot < len(bitmap) {
		bitmap[slot] = false
	}
}

// ReleaseSlot frees repo's slot once the worker pool driving a claimed
// task's Machine.Run has returned, making the slot claimable again on the
// next Tick. The scheduler only tracks slot occupancy in memory — it never
// learns a task finished on its own, so the caller that actually ran the
// task must report back.
func (s *Scheduler) ReleaseSlot(repo models.Repo, slot int) {
	s.releaseSlot(repo, slot)
}
