// Package lease implements the idempotency & lease registry (C2): claim/
// release keyed tokens stored in the state store, used for cross-restart
// dedupe of PR creation, watchdog comments, and verification writes.
package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
)

// Registry is the idempotency key primitive described in spec.md §4.2.
type Registry struct {
	store state.Store

	mu         sync.Mutex
	selfHealed map[string]bool // one-shot self-heal budget, reset on process restart
}

func New(store state.Store) *Registry {
	return &Registry{store: store, selfHealed: make(map[string]bool)}
}

// RecordKey inserts the key if absent. Returns claimed=false if another
// writer already holds it — first writer wins.
func (r *Registry) RecordKey(ctx context.Context, key, scope string, payload any) (bool, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	row := models.IdempotencyKey{
		Key:       key,
		Scope:     scope,
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.store.Insert(ctx, "idempotency_keys", row)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("recording idempotency key %q: %w", key, err)
}

// UpsertKey updates the payload for an already-claimed key.
func (r *Registry) UpsertKey(ctx context.Context, key string, payload any) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	_, err = r.store.Exec(ctx, `UPDATE idempotency_keys SET payload = ? WHERE key = ?`, encoded, key)
	if err != nil {
		return fmt.Errorf("upserting idempotency key %q: %w", key, err)
	}
	return nil
}

// HasKey reports whether key has been claimed.
func (r *Registry) HasKey(ctx context.Context, key string) (bool, error) {
	var row models.IdempotencyKey
	err := r.store.Get(ctx, &row, `SELECT key, scope, payload, created_at FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetPayload decodes the stored payload for key into out. Returns
// found=false if the key does not exist.
func (r *Registry) GetPayload(ctx context.Context, key string, out any) (bool, error) {
	var row models.IdempotencyKey
	err := r.store.Get(ctx, &row, `SELECT key, scope, payload, created_at FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if row.Payload == "" {
		return true, nil
	}
	if err := json.Unmarshal([]byte(row.Payload), out); err != nil {
		return true, fmt.Errorf("decoding payload for key %q: %w", key, err)
	}
	return true, nil
}

// DeleteKey removes key from the registry.
func (r *Registry) DeleteKey(ctx context.Context, key string) error {
	_, err := r.store.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

// getCreatedAt returns the CreatedAt of a claimed key, for self-heal age checks.
func (r *Registry) getCreatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var row models.IdempotencyKey
	err := r.store.Get(ctx, &row, `SELECT key, scope, payload, created_at FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return row.CreatedAt, true, nil
}

// TrySelfHeal implements the one-shot escape hatch from spec.md §4.2: a
// caller waiting on a contested lease may delete and re-claim only if the
// lease is at least minAge old AND this Registry has not already attempted
// self-heal on this key in the current process lifecycle.
func (r *Registry) TrySelfHeal(ctx context.Context, key, scope string, payload any, minAge time.Duration) (claimed bool, err error) {
	r.mu.Lock()
	if r.selfHealed[key] {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	createdAt, found, err := r.getCreatedAt(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		// Nothing to heal; a normal RecordKey will succeed or race normally.
		return r.RecordKey(ctx, key, scope, payload)
	}
	if time.Since(createdAt) < minAge {
		return false, nil
	}

	r.mu.Lock()
	if r.selfHealed[key] {
		r.mu.Unlock()
		return false, nil
	}
	r.selfHealed[key] = true
	r.mu.Unlock()

	if err := r.DeleteKey(ctx, key); err != nil {
		return false, fmt.Errorf("self-heal: deleting stale key %q: %w", key, err)
	}
	return r.RecordKey(ctx, key, scope, payload)
}

func encodePayload(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 surfaces constraint violations with this substring;
	// checked without importing the driver's error type to keep Registry
	// storage-agnostic.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
