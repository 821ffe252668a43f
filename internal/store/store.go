// Package store is the persistence layer for generated scenes. Two backends
// implement the same contract: an in-memory map and a Postgres JSONB table.
package store

import (
	"context"

	"github.com/holorelay/holorelay/internal/scene"
)

// Store is the scene persistence contract.
//
// Semantics:
//   - Get/Has return (nil, nil) / (false, nil) on miss; a miss is not an error.
//   - Put is idempotent on SceneID: a second put with the same key is a
//     no-op and returns success. Records are never mutated in place.
//   - All returns records in a stable but unspecified order.
//   - Connectivity failures carry the Transient kind; callers retry with
//     WithRetry.
type Store interface {
	Get(ctx context.Context, sceneID string) (*scene.Record, error)
	Put(ctx context.Context, rec *scene.Record) error
	Delete(ctx context.Context, sceneID string) error
	Has(ctx context.Context, sceneID string) (bool, error)
	// All streams every record to fn; a non-nil return from fn stops the
	// iteration and is returned as-is.
	All(ctx context.Context, fn func(rec *scene.Record) error) error
	Close() error
}
