// Package controlplane implements the file-backed control channel (C11):
// a small control.json the operator (or a companion CLI) edits to move the
// daemon between running/draining/paused, plus an optional read-only event
// dashboard.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3mdistal/ralph/models"
)

const controlFileName = "control.json"

// controlFile is the on-disk shape of control.json.
type controlFile struct {
	Mode models.ControlMode `json:"mode"`
}

// ReadMode reads the mode from root/control.json. A missing file (the
// common case — operators only create it to change mode) reads as
// ControlRunning rather than an error.
func ReadMode(root string) (models.ControlMode, error) {
	data, err := os.ReadFile(filepath.Join(root, controlFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return models.ControlRunning, nil
		}
		return "", fmt.Errorf("reading control file: %w", err)
	}
	var cf controlFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("decoding control file: %w", err)
	}
	if cf.Mode == "" {
		return models.ControlRunning, nil
	}
	return cf.Mode, nil
}

// WriteMode writes root/control.json atomically (write-temp, rename), the
// same pattern internal/daemonlock uses for its owner file, so a reader
// never observes a half-written control file.
func WriteMode(root string, mode models.ControlMode) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating control root: %w", err)
	}
	data, err := json.MarshalIndent(controlFile{Mode: mode}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding control file: %w", err)
	}
	path := filepath.Join(root, controlFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming control file into place: %w", err)
	}
	return nil
}

// Reader satisfies internal/scheduler's ControlReader by re-reading
// control.json on every call. Reads are cheap (one stat + small read), so
// no caching layer sits in front of this — the scheduler already calls it
// at most once per tick.
type Reader struct {
	Root string
}

func NewReader(root string) *Reader {
	return &Reader{Root: root}
}

func (r *Reader) Mode(ctx context.Context) (models.ControlMode, error) {
	return ReadMode(r.Root)
}
