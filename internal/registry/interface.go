// Package registry is the durable source of truth for upload sessions.
//
// Both implementations honor the same contract: writes are crash-consistent
// (a reader never observes a half-written record), SetExpectedChunks is
// first-writer-wins, and MarkAssembled is only ever called by a caller
// holding the per-upload assembly lock.
package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/vanstone-io/coalesce/pkg/types"
)

// Store persists UploadSession records across process restarts
type Store interface {
	// Create allocates a fresh session. expectedChunks may be nil when the
	// total is not yet known. Fails with types.ErrValidation on an empty
	// target filename.
	Create(ctx context.Context, owner uuid.UUID, targetFilename string, expectedChunks *int) (*types.UploadSession, error)

	// Get returns the session or types.ErrNotFound
	Get(ctx context.Context, id string) (*types.UploadSession, error)

	// SetExpectedChunks records the chunk count if previously unknown.
	// A count that is already set wins over any later value.
	SetExpectedChunks(ctx context.Context, id string, n int) error

	// MarkAssembled flips the session to assembled and records the final
	// filename. The caller must hold the per-upload lock; this store does
	// not re-check the transition.
	MarkAssembled(ctx context.Context, id string, finalFilename string) error

	// Sessions returns every session belonging to owner
	Sessions(ctx context.Context, owner uuid.UUID) ([]*types.UploadSession, error)
}
