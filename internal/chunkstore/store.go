// Package chunkstore holds raw chunk bytes on disk until assembly.
//
// Each upload owns a directory under the store root; chunk index i lives in
// "<i>.chunk". Re-writing an index overwrites the slot, which is what makes
// client retries idempotent.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/pkg/types"
)

const chunkSuffix = ".chunk"

// copyBlockSize is the buffer used when streaming chunks into the final
// artifact, so assembly never holds a whole chunk in memory.
const copyBlockSize = 4 * 1024 * 1024

// Store is a per-upload directory tree of raw chunk files
type Store struct {
	root         string
	maxChunkSize int64
}

// New creates a chunk store rooted at root
func New(root string, maxChunkSize int64) (*Store, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: max chunk size must be positive", types.ErrValidation)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk store directory: %w", err)
	}

	log.Info().Str("path", root).Int64("max_chunk_size", maxChunkSize).Msg("chunk store initialized")
	return &Store{root: root, maxChunkSize: maxChunkSize}, nil
}

// WriteChunk writes the chunk at index for uploadID, overwriting any prior
// content at that slot. A payload over the size limit fails with
// types.ErrChunkTooLarge and removes the partial slot before returning.
func (s *Store) WriteChunk(uploadID string, index int, content io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: chunk index must be non-negative", types.ErrValidation)
	}

	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, chunkName(index))
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}

	// Read at most one byte past the limit so oversize payloads are detected
	// without buffering them whole.
	written, err := io.Copy(file, io.LimitReader(content, s.maxChunkSize+1))
	if err != nil {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}

	if written > s.maxChunkSize {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("%w: %d bytes, max allowed is %d",
			types.ErrChunkTooLarge, written, s.maxChunkSize)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("failed to sync chunk: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to close chunk: %w", err)
	}

	log.Debug().Str("upload_id", uploadID).Int("index", index).Int64("bytes", written).Msg("chunk written")
	return written, nil
}

// ListChunkIndices enumerates the chunk slots currently present for uploadID.
// The result reflects the directory at the instant of the call only; callers
// deciding on completion must re-check inside their critical section.
func (s *Store) ListChunkIndices(uploadID string) ([]int, error) {
	entries, err := os.ReadDir(s.uploadDir(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), chunkSuffix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(entry.Name(), chunkSuffix))
		if err != nil || index < 0 {
			continue
		}
		indices = append(indices, index)
	}

	sort.Ints(indices)
	return indices, nil
}

// ConcatenateInOrder streams chunks 0..count-1 for uploadID into dst in
// strict index order. A missing slot fails with a MissingChunkError: the
// caller verified completion already, so absence here means the store and the
// completion check disagree.
func (s *Store) ConcatenateInOrder(uploadID string, count int, dst io.Writer) (int64, error) {
	dir := s.uploadDir(uploadID)
	buf := make([]byte, copyBlockSize)

	var total int64
	for i := 0; i < count; i++ {
		file, err := os.Open(filepath.Join(dir, chunkName(i)))
		if err != nil {
			if os.IsNotExist(err) {
				return total, &types.MissingChunkError{UploadID: uploadID, Index: i}
			}
			return total, fmt.Errorf("failed to open chunk %d: %w", i, err)
		}

		written, err := io.CopyBuffer(dst, file, buf)
		file.Close()
		if err != nil {
			return total, fmt.Errorf("failed to copy chunk %d: %w", i, err)
		}
		total += written
	}

	return total, nil
}

// Purge removes every chunk file and the chunk directory for uploadID.
// Best-effort: individual removal failures are logged and skipped so the
// surrounding assembly is never aborted by cleanup.
func (s *Store) Purge(uploadID string) {
	dir := s.uploadDir(uploadID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to read chunk directory during purge")
		}
		return
	}

	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Str("file", entry.Name()).Msg("failed to remove chunk file")
		}
	}

	if err := os.Remove(dir); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to remove chunk directory")
	}
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func chunkName(index int) string {
	return strconv.Itoa(index) + chunkSuffix
}
