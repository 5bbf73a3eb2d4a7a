package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. Handlers translate these into HTTP
// status codes; everything else is treated as an internal server fault.
var (
	// ErrValidation indicates bad or missing client input
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown upload id or artifact
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates an identity/ownership mismatch
	ErrForbidden = errors.New("forbidden")

	// ErrChunkTooLarge indicates a chunk payload over the configured maximum
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")

	// ErrInternalConsistency indicates the chunk store and the completion
	// check disagreed, e.g. a chunk vanished between the count and the
	// concatenation. This is a server fault, never a client error.
	ErrInternalConsistency = errors.New("internal consistency failure")
)

// MissingChunkError reports a chunk slot that was absent at concatenation
// time even though completion had been verified.
type MissingChunkError struct {
	UploadID string
	Index    int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload %s: missing chunk %d during assembly", e.UploadID, e.Index)
}

// Unwrap makes MissingChunkError match ErrInternalConsistency via errors.Is
func (e *MissingChunkError) Unwrap() error {
	return ErrInternalConsistency
}
