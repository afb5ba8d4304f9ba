package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/controlplane"
	"github.com/3mdistal/ralph/internal/daemonlock"
	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/internal/lease"
	"github.com/3mdistal/ralph/internal/locks"
	"github.com/3mdistal/ralph/internal/notify"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/scheduler"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/internal/sync"
	"github.com/3mdistal/ralph/internal/throttle"
	"github.com/3mdistal/ralph/internal/watchdog"
	"github.com/3mdistal/ralph/internal/worker"
	"github.com/3mdistal/ralph/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const cmdlinePrefix = "ralphctl daemon"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator",
	Long: `Starts the ralph daemon: acquires the startup lock, opens the state
store, and runs one sync poller plus one worker pool per configured repo
alongside the global scheduler, until a drain completes or a signal asks it
to stop.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Repos) == 0 {
		return fmt.Errorf("no repos configured; run 'ralphctl init' first")
	}
	if err := config.EnsureDir(); err != nil {
		return fmt.Errorf("preparing config directories: %w", err)
	}

	log := newDaemonLogger()
	daemonID := uuid.NewString()

	lockPath := filepath.Join(cfg.ControlPlane.ControlRoot, "daemon.lock")
	dlock, err := daemonlock.Acquire(lockPath, daemonID, cmdlinePrefix)
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer dlock.Release() //nolint:errcheck

	if err := daemonlock.WriteRegistry(os.Getenv("HOME"), dlock.Owner); err != nil {
		log.Warn("daemon: writing daemon registry failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := state.Open(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	fg, err := forge.New(cfg.Forge, log)
	if err != nil {
		return fmt.Errorf("constructing forge client: %w", err)
	}

	lockMgr := locks.NewManager()
	leases := lease.New(db)

	throttleEngine, err := throttle.New(ctx, db, cfg.Throttle, throttle.RealClock{})
	if err != nil {
		return fmt.Errorf("constructing throttle engine: %w", err)
	}

	controlRoot := cfg.ControlPlane.ControlRoot
	controlReader := controlplane.NewReader(controlRoot)

	var dashboard *controlplane.Dashboard
	if cfg.ControlPlane.DashboardPort != 0 {
		dashboard = controlplane.NewDashboard(cfg.ControlPlane.DashboardToken, log)
		addr := fmt.Sprintf(":%d", cfg.ControlPlane.DashboardPort)
		go func() {
			log.Info("daemon: dashboard listening", "addr", addr)
			if err := serveDashboard(ctx, addr, dashboard); err != nil {
				log.Warn("daemon: dashboard server stopped", "error", err)
			}
		}()
	}

	pollInterval := time.Duration(cfg.ControlPlane.PollIntervalMs) * time.Millisecond
	watcher := controlplane.NewWatcher(controlRoot, pollInterval, log)
	defer watcher.Stop()

	worktrees := &worker.WorktreeManager{Root: cfg.Scheduler.WorktreeRoot}

	queueDriver := queue.New(db, fg, worktrees, fg, lockMgr, daemonID, queue.Config{
		OwnershipTTL: time.Duration(cfg.Scheduler.OwnershipTTLMs) * time.Millisecond,
	}, log)

	sched := scheduler.New(db, queueDriver, queueDriver, throttleEngine, controlReader, queueDriver, lockMgr, daemonID, scheduler.Config{
		MaxWorkers:   cfg.Scheduler.MaxWorkers,
		TickInterval: time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
	}, log)

	agentRunner := &worker.WatchdogRunner{
		Inner: worker.NewSubprocessRunner(cfg.Agent.BinPath, time.Duration(cfg.Scheduler.HeartbeatIntervalMs)*time.Millisecond),
		Cfg: watchdog.Config{
			SoftTimeout:   time.Duration(cfg.Watchdog.SoftTimeoutMs) * time.Millisecond,
			HardTimeout:   time.Duration(cfg.Watchdog.HardTimeoutMs) * time.Millisecond,
			Idle:          time.Duration(cfg.Watchdog.IdleMs) * time.Millisecond,
			LoopWindow:    cfg.Watchdog.LoopWindow,
			LoopThreshold: cfg.Watchdog.LoopThreshold,
			Grace:         time.Duration(cfg.Watchdog.GraceMs) * time.Millisecond,
		},
		Clock: watchdog.RealClock{},
		Log:   log,
	}

	notifier := notify.NewDispatcher(cfg.Notify)

	machine := worker.New(db, fg, queueDriver, leases, agentRunner, worktrees, worker.RealClock{}, worker.Config{
		HeartbeatInterval: time.Duration(cfg.Scheduler.HeartbeatIntervalMs) * time.Millisecond,
		RunPlanGate:       cfg.Agent.RunPlanGate,
		RunSurvey:         cfg.Agent.RunSurvey,
		WatchdogRetries:   cfg.Watchdog.WatchdogRetries,
	}, log, throttleEngine, notifier)

	if err := sched.Start(ctx, cfg.Repos); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	for _, repo := range cfg.Repos {
		repo := repo
		go runRepoSyncLoop(ctx, repo, fg, db, cfg, log)
		go runRepoWorkerPool(ctx, repo, queueDriver, sched, machine, log, dashboard)
	}

	log.Info("daemon started", "daemon_id", daemonID, "repos", len(cfg.Repos))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := controlplane.WriteMode(controlRoot, models.ControlDraining); err != nil {
				log.Warn("daemon: writing drain mode failed", "error", err)
			}
			log.Info("daemon: SIGHUP received, draining")
		default:
			log.Info("daemon: shutting down", "signal", sig.String())
			cancel()
			time.Sleep(2 * time.Second) // bounded grace for in-flight goroutines to observe ctx.Done
			return nil
		}
	}
}

// runRepoSyncLoop runs one repo's sync.Poller until ctx is cancelled,
// restarting it after a brief pause if it ever returns early.
func runRepoSyncLoop(ctx context.Context, repo models.Repo, fg *forge.Client, db *state.DB, cfg *config.Config, log *slog.Logger) {
	poller := sync.New(repo, fg, db, nil, sync.Config{
		BaseInterval: time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
		MaxInterval:  5 * time.Minute,
	}, log)
	for {
		poller.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// runRepoWorkerPool polls the queue driver for tasks the scheduler just
// claimed into "starting" and drives each through worker.Machine.Run,
// releasing the scheduler's slot once the run completes so the next Tick
// can reuse it.
func runRepoWorkerPool(ctx context.Context, repo models.Repo, queueDriver *queue.Driver, sched *scheduler.Scheduler, machine *worker.Machine, log *slog.Logger, dashboard *controlplane.Dashboard) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, err := queueDriver.GetTasksByStatus(ctx, repo.FullName(), models.TaskStarting)
			if err != nil {
				log.Warn("worker pool: listing starting tasks failed", "repo", repo.FullName(), "error", err)
				continue
			}
			for _, task := range tasks {
				task := task
				go func() {
					if dashboard != nil {
						dashboard.Publish(controlplane.Event{
							Kind: controlplane.EventWorkerCreated, At: time.Now().UTC(),
							RepoOwner: repo.Owner, RepoName: repo.Name, Issue: int(task.Issue),
							Message: fmt.Sprintf("worker %s claimed issue #%d", task.WorkerID, task.Issue),
						})
					}
					if err := machine.Run(ctx, task, repo); err != nil {
						log.Warn("worker pool: task run failed", "repo", repo.FullName(), "issue", task.Issue, "error", err)
					}
					sched.ReleaseSlot(repo, task.RepoSlot)
				}()
			}
		}
	}
}

// serveDashboard runs the dashboard's HTTP surface until ctx is cancelled.
func serveDashboard(ctx context.Context, addr string, dashboard *controlplane.Dashboard) error {
	srv := &http.Server{Addr: addr, Handler: dashboard.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newDaemonLogger() *slog.Logger {
	home, _ := os.UserHomeDir()
	logDir := filepath.Join(home, ".ralph", "logs")
	_ = os.MkdirAll(logDir, 0o755)

	logPath := filepath.Join(logDir, fmt.Sprintf("daemon-%s.log", time.Now().UTC().Format("20060102-150405")))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.Default()
	}
	latest := filepath.Join(logDir, "latest.log")
	_ = os.Remove(latest)
	_ = os.Symlink(logPath, latest)

	return slog.New(slog.NewJSONHandler(f, nil))
}
