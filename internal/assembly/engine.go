// Package assembly decides, on every chunk arrival, whether an upload is
// complete, and performs the one-time concatenation of its chunks into the
// final artifact.
//
// The completion check runs lock-free on the common path; only when a request
// observes "all chunks present" does it enter the per-upload critical section
// and re-verify before assembling. That double check is what guarantees
// at-most-once assembly under concurrent last-chunk arrivals.
package assembly

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/internal/chunkstore"
	"github.com/vanstone-io/coalesce/internal/registry"
	"github.com/vanstone-io/coalesce/pkg/types"
	"github.com/vanstone-io/coalesce/pkg/utils"
)

// Engine coordinates the registry, the chunk store and the per-upload locks
type Engine struct {
	registry    registry.Store
	chunks      *chunkstore.Store
	locks       *LockTable
	completeDir string
	chunkSize   int64
}

// New creates an assembly engine. chunkSize is the unit used to derive an
// expected chunk count from a declared total size; it matches the chunk
// store's maximum chunk size.
func New(reg registry.Store, chunks *chunkstore.Store, completeDir string, chunkSize int64) (*Engine, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", types.ErrValidation)
	}
	if err := os.MkdirAll(completeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &Engine{
		registry:    reg,
		chunks:      chunks,
		locks:       NewLockTable(),
		completeDir: completeDir,
		chunkSize:   chunkSize,
	}, nil
}

// InitUpload creates a new upload session for owner. When totalSize is
// positive the expected chunk count is derived as ceil(totalSize/chunkSize);
// otherwise it stays unknown until a chunk submission supplies it.
func (e *Engine) InitUpload(ctx context.Context, owner uuid.UUID, filename string, totalSize int64) (*types.UploadSession, error) {
	sanitized := utils.SanitizeFilename(filename)
	if sanitized == "" {
		return nil, fmt.Errorf("%w: filename is required", types.ErrValidation)
	}

	var expected *int
	if totalSize > 0 {
		n := int((totalSize + e.chunkSize - 1) / e.chunkSize)
		expected = &n
	}

	session, err := e.registry.Create(ctx, owner, sanitized, expected)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("upload_id", session.ID).
		Str("owner", owner.String()).
		Str("filename", sanitized).
		Interface("expected_chunks", expected).
		Msg("upload session created")
	return session, nil
}

// SubmitChunk accepts one chunk for an upload owned by owner, then checks
// whether the upload just became complete and, if so, assembles it.
// totalChunks is an optional client hint; the first recorded value for a
// session wins over later conflicting hints, but the hint supplied with this
// request is preferred for this request's own completion check.
func (e *Engine) SubmitChunk(ctx context.Context, owner uuid.UUID, uploadID string, index int, totalChunks *int, content io.Reader) (*types.ChunkResult, error) {
	session, err := e.sessionForOwner(ctx, owner, uploadID)
	if err != nil {
		return nil, err
	}

	written, err := e.chunks.WriteChunk(uploadID, index, content)
	if err != nil {
		return nil, err
	}

	result := &types.ChunkResult{
		UploadID:     uploadID,
		ChunkIndex:   index,
		BytesWritten: written,
	}

	// Resolve the expectation: the request hint if present, else whatever the
	// session already recorded. Record the hint for future arrivals.
	expected := session.ExpectedChunks
	if totalChunks != nil && *totalChunks > 0 {
		expected = totalChunks
		if err := e.registry.SetExpectedChunks(ctx, uploadID, *totalChunks); err != nil {
			return nil, err
		}
	}
	if expected == nil {
		// Completion cannot be evaluated yet; not an error
		return result, nil
	}

	// Fast check, lock-free: skip the critical section entirely unless this
	// chunk plausibly completed the upload.
	indices, err := e.chunks.ListChunkIndices(uploadID)
	if err != nil {
		return nil, err
	}
	if len(indices) != *expected {
		return result, nil
	}

	assembled, finalName, err := e.tryAssemble(ctx, uploadID, *expected)
	if err != nil {
		return nil, err
	}

	result.Assembled = assembled
	if assembled {
		result.FinalFilename = finalName
	}
	return result, nil
}

// tryAssemble serializes the completion re-check and the assembly itself on
// the per-upload lock. It returns assembled=false without error when another
// request won the race or the re-count disagreed with the fast check.
func (e *Engine) tryAssemble(ctx context.Context, uploadID string, expected int) (bool, string, error) {
	lock := e.locks.Acquire(uploadID)
	defer lock.Unlock()

	// Re-verify under the lock: both the slot count and the assembled flag
	// may have changed while we waited.
	session, err := e.registry.Get(ctx, uploadID)
	if err != nil {
		return false, "", err
	}
	if session.Assembled {
		return false, "", nil
	}

	indices, err := e.chunks.ListChunkIndices(uploadID)
	if err != nil {
		return false, "", err
	}
	if len(indices) != expected {
		return false, "", nil
	}

	finalName := session.TargetFilename
	if finalName == "" {
		finalName = uploadID + ".bin"
	}

	size, err := e.writeArtifact(uploadID, expected, finalName)
	if err != nil {
		// The session stays unassembled so a later chunk arrival can retry
		log.Error().Err(err).Str("upload_id", uploadID).Msg("assembly failed")
		return false, "", err
	}

	e.chunks.Purge(uploadID)

	if err := e.registry.MarkAssembled(ctx, uploadID, finalName); err != nil {
		log.Error().Err(err).Str("upload_id", uploadID).Msg("failed to mark session assembled")
		return false, "", err
	}

	log.Info().
		Str("upload_id", uploadID).
		Str("filename", finalName).
		Int("chunks", expected).
		Int64("size", size).
		Msg("upload assembled")
	return true, finalName, nil
}

// writeArtifact concatenates all chunks into the artifact through a temporary
// file, so a failed concatenation never leaves a partial artifact visible.
func (e *Engine) writeArtifact(uploadID string, count int, finalName string) (int64, error) {
	finalPath := filepath.Join(e.completeDir, finalName)
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())

	dst, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact file: %w", err)
	}

	defer func() {
		dst.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	size, err := e.chunks.ConcatenateInOrder(uploadID, count, dst)
	if err != nil {
		return 0, err
	}

	if err := dst.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	dst.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		return 0, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return size, nil
}

// ListArtifacts returns owner's assembled artifacts whose backing file still
// exists, with sizes taken from disk.
func (e *Engine) ListArtifacts(ctx context.Context, owner uuid.UUID) ([]types.Artifact, error) {
	sessions, err := e.registry.Sessions(ctx, owner)
	if err != nil {
		return nil, err
	}

	artifacts := make([]types.Artifact, 0)
	for _, session := range sessions {
		if !session.Assembled || session.FinalFilename == "" {
			continue
		}

		info, err := os.Stat(filepath.Join(e.completeDir, session.FinalFilename))
		if err != nil {
			continue
		}

		artifacts = append(artifacts, types.Artifact{
			UploadID: session.ID,
			Filename: session.FinalFilename,
			Size:     info.Size(),
		})
	}
	return artifacts, nil
}

// OpenArtifact opens an assembled artifact by final filename for owner.
// Artifacts belonging to other identities are indistinguishable from unknown
// ones: both return types.ErrNotFound.
func (e *Engine) OpenArtifact(ctx context.Context, owner uuid.UUID, filename string) (io.ReadCloser, int64, error) {
	sanitized := utils.SanitizeFilename(filename)
	if sanitized == "" {
		return nil, 0, fmt.Errorf("%w: filename is required", types.ErrValidation)
	}

	sessions, err := e.registry.Sessions(ctx, owner)
	if err != nil {
		return nil, 0, err
	}

	var owned bool
	for _, session := range sessions {
		if session.Assembled && session.FinalFilename == sanitized {
			owned = true
			break
		}
	}
	if !owned {
		return nil, 0, fmt.Errorf("%w: artifact %s", types.ErrNotFound, sanitized)
	}

	path := filepath.Join(e.completeDir, sanitized)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: artifact %s", types.ErrNotFound, sanitized)
		}
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}

	return file, info.Size(), nil
}

// sessionForOwner loads the session and enforces ownership
func (e *Engine) sessionForOwner(ctx context.Context, owner uuid.UUID, uploadID string) (*types.UploadSession, error) {
	session, err := e.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Owner != owner {
		return nil, fmt.Errorf("%w: upload %s belongs to another user", types.ErrForbidden, uploadID)
	}
	return session, nil
}
