package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/3mdistal/ralph/internal/config"
)

// openTestDB opens a throwaway SQLite-backed store under t.TempDir, migrated
// and ready for use. Callers are responsible for CloseForTests via t.Cleanup.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite")
	db, err := Open(context.Background(), config.DatabaseConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.CloseForTests() })
	return db
}

func TestOpenMigratesSchema(t *testing.T) {
	db := openTestDB(t)

	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if db.Path() == "" {
		t.Fatalf("Path() should return the opened file path")
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	type row struct {
		Key       string `db:"key"`
		Scope     string `db:"scope"`
		Payload   string `db:"payload"`
		CreatedAt string `db:"created_at"`
	}
	in := row{Key: "k1", Scope: "lease", Payload: "{}", CreatedAt: "2026-01-01T00:00:00Z"}
	if _, err := db.Insert(ctx, "idempotency_keys", in); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	var out row
	if err := db.Get(ctx, &out, `SELECT key, scope, payload, created_at FROM idempotency_keys WHERE key = ?`, "k1"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if out.Scope != "lease" {
		t.Fatalf("Scope = %q, want lease", out.Scope)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	type row struct {
		Key       string `db:"key"`
		Scope     string `db:"scope"`
		Payload   string `db:"payload"`
		CreatedAt string `db:"created_at"`
	}
	in := row{Key: "dup", Scope: "lease", Payload: "{}", CreatedAt: "2026-01-01T00:00:00Z"}
	if _, err := db.Insert(ctx, "idempotency_keys", in); err != nil {
		t.Fatalf("first Insert returned error: %v", err)
	}
	if _, err := db.Insert(ctx, "idempotency_keys", in); err == nil {
		t.Fatalf("second Insert with the same key should have violated the unique constraint")
	}
}
