// Package vector defines the long-term store contract the lifecycle engine
// mutates, plus a SQLite reference backend. Any backend satisfying Store is
// substitutable; all dedup/merge invariants are enforced by the callers
// through these narrow operations, never by editing backend rows directly.
package vector

import (
	"context"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// Match is one similarity-ranked query result.
type Match struct {
	Record types.MemoryRecord
	Score  float64
}

// Store is the vector-indexed long-term memory backend.
type Store interface {
	// Upsert writes one record atomically, keyed by record id. Re-upserting
	// the same id overwrites rather than duplicating.
	Upsert(ctx context.Context, rec types.MemoryRecord) error

	// Query returns up to topK records matching filter, ranked by cosine
	// similarity to vec (highest first). Returned records have their
	// last_accessed timestamp touched.
	Query(ctx context.Context, vec []float32, filter Filter, topK int) ([]Match, error)

	// Delete removes records by id. Missing ids are not an error.
	Delete(ctx context.Context, ids ...string) error

	// Scan returns all records matching filter, ordered by id ascending.
	// Used by the lifecycle manager; does not touch last_accessed.
	Scan(ctx context.Context, filter Filter) ([]types.MemoryRecord, error)

	// Count returns the number of records matching filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	Close() error
}

// Scope is one (namespace, user_id) partition holding promoted records.
type Scope struct {
	Namespace string
	UserID    string
}

// ScopeLister is implemented by backends that can enumerate active scopes,
// letting the lifecycle scheduler fan out per-scope tasks.
type ScopeLister interface {
	Scopes(ctx context.Context) ([]Scope, error)
}
