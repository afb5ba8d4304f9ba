package daemonlock

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Candidate is one discoverable daemon-record location, canonical or legacy.
type Candidate struct {
	Path   string
	Legacy bool
}

// DefaultCandidates returns the canonical registry path plus the legacy
// path read for backward compatibility (spec.md's filesystem layout).
func DefaultCandidates(home string) []Candidate {
	return []Candidate{
		{Path: filepath.Join(home, ".ralph", "control", "daemon-registry.json")},
		{Path: filepath.Join(home, ".local", "state", "ralph", "daemon.json"), Legacy: true},
	}
}

// Discovery is one candidate record's classification result.
type Discovery struct {
	Candidate Candidate
	Record    OwnerRecord
	Class     Classification
}

// Discover reads every candidate, classifies it, and returns all results.
// Candidates whose file is absent are reported Missing rather than omitted,
// so callers can distinguish "never ran" from "record present but stale".
func Discover(candidates []Candidate, cmdlinePrefix string) []Discovery {
	out := make([]Discovery, 0, len(candidates))
	for _, c := range candidates {
		rec, err := readRegistryFile(c.Path)
		if err != nil {
			out = append(out, Discovery{Candidate: c, Class: Missing})
			continue
		}
		out = append(out, Discovery{Candidate: c, Record: rec, Class: classify(rec, cmdlinePrefix)})
	}
	return out
}

// LiveDaemon returns the first candidate classified Live, or false if none.
func LiveDaemon(results []Discovery) (Discovery, bool) {
	for _, d := range results {
		if d.Class == Live {
			return d, true
		}
	}
	return Discovery{}, false
}

// Heal removes every candidate classified Stale, returning the paths it
// removed. Conflict and Live candidates are left untouched: a conflict
// might be a genuine concurrent daemon under investigation, and removing a
// live record would orphan a running process's discoverability.
func Heal(results []Discovery) []string {
	var removed []string
	for _, d := range results {
		if d.Class != Stale {
			continue
		}
		if err := os.Remove(d.Candidate.Path); err == nil {
			removed = append(removed, d.Candidate.Path)
		}
	}
	return removed
}

func readRegistryFile(path string) (OwnerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OwnerRecord{}, err
	}
	var rec OwnerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OwnerRecord{}, err
	}
	return rec, nil
}

// WriteRegistry writes rec to the canonical daemon-registry.json path
// atomically (create-then-rename), for the daemon to publish its own
// record alongside the startup lock's owner file.
func WriteRegistry(home string, rec OwnerRecord) error {
	dir := filepath.Join(home, ".ralph", "control")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, "daemon-registry.json")
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
