// Package daemonlock implements the single-daemon startup lock and
// discovery protocol (C6): mkdir-exclusive locking with pid-liveness and
// start-identity checks, so a crashed daemon's stale lock self-heals
// without risking two live daemons racing the same control directory.
package daemonlock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// OwnerRecord is the JSON payload written into the lock directory's owner
// file at acquisition time.
type OwnerRecord struct {
	PID          int       `json:"pid"`
	DaemonID     string    `json:"daemon_id"`
	StartedAt    time.Time `json:"started_at"`
	StartIdentity string   `json:"start_identity"`
	Cmdline      string    `json:"cmdline"`
}

// Classification is the discovery result for one candidate record.
type Classification string

const (
	Live     Classification = "live"
	Missing  Classification = "missing"
	Stale    Classification = "stale"
	Conflict Classification = "conflict"
)

// ErrLockHeld is returned by Acquire when a live daemon already owns the lock.
var ErrLockHeld = fmt.Errorf("daemon lock is held by a live daemon")

// ErrAmbiguous is returned by Acquire when liveness could not be determined
// confidently; the lock is preserved rather than risking a double-start.
var ErrAmbiguous = fmt.Errorf("daemon lock liveness is ambiguous; refusing to start")

const ownerFileName = "owner.json"

// Lock holds an acquired daemon lock directory; Release must be called on
// clean shutdown.
type Lock struct {
	dir      string
	fileLock *flock.Flock
	Owner    OwnerRecord
}

// Acquire implements spec.md §4.6's startup lock protocol at dir (typically
// `~/.ralph/control/daemon.lock`). cmdlinePrefix is matched against the
// existing owner's cmdline to decide whether EEXIST holds a genuine ralph
// daemon.
func Acquire(dir string, daemonID string, cmdlinePrefix string) (*Lock, error) {
	err := os.Mkdir(dir, 0o700)
	switch {
	case err == nil:
		return writeOwnerAndLock(dir, daemonID)
	case os.IsExist(err):
		return recoverOrRefuse(dir, daemonID, cmdlinePrefix)
	default:
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}
}

func writeOwnerAndLock(dir, daemonID string) (*Lock, error) {
	fl := flock.New(filepath.Join(dir, ".owner.flock"))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("locking owner file: %w", err)
	}

	owner := OwnerRecord{
		PID:           os.Getpid(),
		DaemonID:      daemonID,
		StartedAt:     time.Now().UTC(),
		StartIdentity: startIdentity(os.Getpid()),
		Cmdline:       cmdline(),
	}
	if err := writeOwnerFile(dir, owner); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return &Lock{dir: dir, fileLock: fl, Owner: owner}, nil
}

func recoverOrRefuse(dir, daemonID, cmdlinePrefix string) (*Lock, error) {
	existing, err := readOwnerFile(dir)
	if err != nil {
		// Can't read the owner file at all: liveness is ambiguous.
		return nil, ErrAmbiguous
	}

	class := classify(existing, cmdlinePrefix)
	switch class {
	case Live:
		return nil, ErrLockHeld
	case Conflict:
		return nil, ErrAmbiguous
	case Missing, Stale:
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing stale lock directory: %w", err)
		}
		if err := os.Mkdir(dir, 0o700); err != nil {
			return nil, fmt.Errorf("recreating lock directory: %w", err)
		}
		return writeOwnerAndLock(dir, daemonID)
	default:
		return nil, ErrAmbiguous
	}
}

// classify implements the discovery classification rules of spec.md §4.6.
func classify(rec OwnerRecord, cmdlinePrefix string) Classification {
	if rec.PID == 0 {
		return Missing
	}
	alive := pidAlive(rec.PID)
	if !alive {
		return Stale
	}
	gotIdentity := startIdentity(rec.PID)
	if gotIdentity == "" {
		// Process exists but /proc/<pid>/stat vanished mid-read, or the
		// platform doesn't expose it: ambiguous, not a confident match.
		return Conflict
	}
	if gotIdentity != rec.StartIdentity {
		// Same pid reused by an unrelated process since the lock was written.
		return Stale
	}
	if cmdlinePrefix != "" && !strings.Contains(rec.Cmdline, cmdlinePrefix) {
		return Conflict
	}
	return Live
}

// Release removes the lock directory and releases the underlying file
// lock. Only the process holding the Lock value should call this.
func (l *Lock) Release() error {
	defer l.fileLock.Unlock() //nolint:errcheck
	return os.RemoveAll(l.dir)
}

// Heartbeat rewrites the owner file's StartedAt-adjacent heartbeat by
// touching the file's mtime; callers track actual heartbeat timestamps in
// the state store's daemon_records table, this is a filesystem-level
// liveness signal only.
func (l *Lock) Heartbeat() error {
	now := time.Now()
	return os.Chtimes(filepath.Join(l.dir, ownerFileName), now, now)
}

func writeOwnerFile(dir string, owner OwnerRecord) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding owner record: %w", err)
	}
	tmp := filepath.Join(dir, ownerFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing owner file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ownerFileName)); err != nil {
		return fmt.Errorf("renaming owner file into place: %w", err)
	}
	return nil
}

func readOwnerFile(dir string) (OwnerRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, ownerFileName))
	if err != nil {
		return OwnerRecord{}, err
	}
	var rec OwnerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OwnerRecord{}, err
	}
	return rec, nil
}

// pidAlive sends signal 0 to pid, the standard liveness probe: it performs
// permission/existence checks without actually signaling the process.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// startIdentity reads field 22 of /proc/<pid>/stat (process start time in
// clock ticks since boot), which changes whenever a pid is recycled by a
// different process — a cheap, Linux-only proxy for "is this really the
// same process that wrote the lock".
func startIdentity(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	// Field 2 (comm) is parenthesized and may itself contain spaces, so
	// split on the closing paren before splitting the remaining fields.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return ""
	}
	fields := strings.Fields(string(data[closeParen+1:]))
	const startTimeFieldIndex = 19 // field 22 overall, 0-indexed after comm
	if len(fields) <= startTimeFieldIndex {
		return ""
	}
	if _, err := strconv.ParseInt(fields[startTimeFieldIndex], 10, 64); err != nil {
		return ""
	}
	return fields[startTimeFieldIndex]
}

// cmdline returns this process's own command line, space-joined, for
// embedding in the owner record.
func cmdline() string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", os.Getpid()))
	if err != nil {
		return strings.Join(os.Args, " ")
	}
	return strings.ReplaceAll(string(data), "\x00", " ")
}
