package daemonlock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "daemon.lock")

	lock, err := Acquire(dir, "daemon-1", "ralph")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.Owner.PID != os.Getpid() {
		t.Errorf("Owner.PID = %d, want %d", lock.Owner.PID, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("lock directory still exists after Release")
	}
}

func TestAcquireRefusesLiveDaemon(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "daemon.lock")

	first, err := Acquire(dir, "daemon-1", "")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir, "daemon-2", "")
	if err != ErrLockHeld {
		t.Fatalf("second Acquire error = %v, want ErrLockHeld", err)
	}
}

func TestAcquireRecoversStaleLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "daemon.lock")

	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := OwnerRecord{PID: 999999999, DaemonID: "dead-daemon", StartIdentity: "123"}
	if err := writeOwnerFile(dir, stale); err != nil {
		t.Fatalf("writeOwnerFile: %v", err)
	}

	lock, err := Acquire(dir, "daemon-2", "")
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer lock.Release()
	if lock.Owner.DaemonID != "daemon-2" {
		t.Errorf("Owner.DaemonID = %q, want daemon-2", lock.Owner.DaemonID)
	}
}

func TestClassifyMissingPID(t *testing.T) {
	if got := classify(OwnerRecord{}, ""); got != Missing {
		t.Errorf("classify(zero record) = %s, want missing", got)
	}
}

func TestClassifyStaleOnIdentityMismatch(t *testing.T) {
	rec := OwnerRecord{PID: os.Getpid(), StartIdentity: "not-the-real-identity"}
	if got := classify(rec, ""); got != Stale {
		t.Errorf("classify(identity mismatch) = %s, want stale", got)
	}
}

func TestClassifyConflictOnCmdlineMismatch(t *testing.T) {
	rec := OwnerRecord{PID: os.Getpid(), StartIdentity: startIdentity(os.Getpid()), Cmdline: "some-unrelated-process"}
	if got := classify(rec, "definitely-not-present"); got != Conflict {
		t.Errorf("classify(cmdline mismatch) = %s, want conflict", got)
	}
}

func TestStartIdentityStable(t *testing.T) {
	a := startIdentity(os.Getpid())
	b := startIdentity(os.Getpid())
	if a == "" {
		t.Skip("no /proc/<pid>/stat on this platform")
	}
	if a != b {
		t.Errorf("startIdentity not stable across calls: %q != %q", a, b)
	}
}
