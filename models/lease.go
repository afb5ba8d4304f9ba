package models

import "time"

// IdempotencyKey is a process-wide append-claim record. First writer wins;
// the payload may be upserted after the initial claim by the same writer.
type IdempotencyKey struct {
	Key       string    `json:"key"        db:"key"`
	Scope     string    `json:"scope"      db:"scope"`
	Payload   string    `json:"payload"    db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
