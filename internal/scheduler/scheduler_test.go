package scheduler

import (
	"context"
	"testing"

	"github.com/3mdistal/ralph/models"
)

type fakeQueue struct {
	tasksByRepo map[string][]models.Task
}

func (f *fakeQueue) GetQueuedTasks(ctx context.Context, repo string) ([]models.Task, error) {
	return f.tasksByRepo[repo], nil
}

type fakeUpdater struct {
	updates []models.Task
}

func (f *fakeUpdater) UpdateTaskStatus(ctx context.Context, task models.Task, newStatus models.TaskStatus) (bool, error) {
	task.Status = newStatus
	f.updates = append(f.updates, task)
	return true, nil
}

type fakeThrottle struct{ state models.ThrottleState }

func (f fakeThrottle) State(ctx context.Context) (models.ThrottleState, error) { return f.state, nil }

type fakeControl struct{ mode models.ControlMode }

func (f fakeControl) Mode(ctx context.Context) (models.ControlMode, error) { return f.mode, nil }

func TestAllocateSlotPrefersPersisted(t *testing.T) {
	s := &Scheduler{slots: make(map[string][]bool)}
	repo := models.Repo{Owner: "acme", Name: "widgets", ConcurrencySlots: 3}

	slot, ok := s.allocateSlot(repo, 2)
	if !ok || slot != 2 {
		t.Fatalf("allocateSlot(preferred=2) = (%d, %v), want (2, true)", slot, ok)
	}

	slot2, ok := s.allocateSlot(repo, 2)
	if !ok || slot2 == 2 {
		t.Fatalf("second allocateSlot should not reuse slot 2, got %d", slot2)
	}
}

func TestAllocateSlotSaturates(t *testing.T) {
	s := &Scheduler{slots: make(map[string][]bool)}
	repo := models.Repo{Owner: "acme", Name: "widgets", ConcurrencySlots: 1}

	if _, ok := s.allocateSlot(repo, -1); !ok {
		t.Fatalf("first allocation should succeed")
	}
	if _, ok := s.allocateSlot(repo, -1); ok {
		t.Fatalf("second allocation should fail: repo has only one slot")
	}
}

func TestTickSkipsWhenNotRunning(t *testing.T) {
	updater := &fakeUpdater{}
	s := New(nil, &fakeQueue{}, updater, fakeThrottle{state: models.ThrottleOK}, fakeControl{mode: models.ControlDraining}, nil, nil, "daemon-1", Config{MaxWorkers: 2}, nil)

	if err := s.Tick(context.Background(), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(updater.updates) != 0 {
		t.Errorf("expected no claims while draining, got %d", len(updater.updates))
	}
}

func TestTickSkipsUnderHardThrottle(t *testing.T) {
	updater := &fakeUpdater{}
	queue := &fakeQueue{tasksByRepo: map[string][]models.Task{
		"acme/widgets": {{Repo: "acme/widgets", Issue: 1, Status: models.TaskQueued}},
	}}
	s := New(nil, queue, updater, fakeThrottle{state: models.ThrottleHard}, fakeControl{mode: models.ControlRunning}, nil, nil, "daemon-1", Config{MaxWorkers: 2}, nil)

	if err := s.Tick(context.Background(), []models.Repo{{Owner: "acme", Name: "widgets", ConcurrencySlots: 1}}); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(updater.updates) != 0 {
		t.Errorf("expected no claims under hard throttle, got %d", len(updater.updates))
	}
}
