package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vanstone-io/coalesce/pkg/types"
)

// SnapshotStore keeps all sessions in memory and persists every write as a
// complete JSON snapshot, written to a temporary file and atomically renamed
// into place. The store is small enough that whole-snapshot rewrite is
// acceptable; a torn record on disk is not.
type SnapshotStore struct {
	path     string
	mutex    sync.RWMutex
	sessions map[string]*types.UploadSession
}

var _ Store = (*SnapshotStore)(nil)

// NewSnapshotStore loads the snapshot at path, creating an empty store when
// the file does not exist yet.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	store := &SnapshotStore{
		path:     path,
		sessions: make(map[string]*types.UploadSession),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("session registry initialized empty")
			return store, nil
		}
		return nil, fmt.Errorf("failed to read session registry: %w", err)
	}

	if err := json.Unmarshal(data, &store.sessions); err != nil {
		return nil, fmt.Errorf("failed to parse session registry: %w", err)
	}

	log.Info().Str("path", path).Int("sessions", len(store.sessions)).Msg("session registry loaded")
	return store, nil
}

// Create allocates a fresh session and persists it
func (s *SnapshotStore) Create(ctx context.Context, owner uuid.UUID, targetFilename string, expectedChunks *int) (*types.UploadSession, error) {
	if targetFilename == "" {
		return nil, fmt.Errorf("%w: target filename is required", types.ErrValidation)
	}

	now := time.Now().UTC()
	session := &types.UploadSession{
		ID:             uuid.NewString(),
		Owner:          owner,
		TargetFilename: targetFilename,
		ExpectedChunks: expectedChunks,
		Assembled:      false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.putLocked(session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}

// Get returns the session or types.ErrNotFound
func (s *SnapshotStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: upload %s", types.ErrNotFound, id)
	}
	return copySession(session), nil
}

// SetExpectedChunks records the chunk count if previously unknown
func (s *SnapshotStore) SetExpectedChunks(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: expected chunk count must be positive", types.ErrValidation)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: upload %s", types.ErrNotFound, id)
	}

	// First recorded value wins; later hints are ignored
	if session.ExpectedChunks != nil {
		if *session.ExpectedChunks != n {
			log.Debug().
				Str("upload_id", id).
				Int("recorded", *session.ExpectedChunks).
				Int("ignored", n).
				Msg("conflicting expected chunk count ignored")
		}
		return nil
	}

	updated := copySession(session)
	updated.ExpectedChunks = &n
	updated.UpdatedAt = time.Now().UTC()
	return s.putLocked(updated)
}

// MarkAssembled flips the session to assembled and records the final filename
func (s *SnapshotStore) MarkAssembled(ctx context.Context, id string, finalFilename string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: upload %s", types.ErrNotFound, id)
	}

	updated := copySession(session)
	updated.Assembled = true
	updated.FinalFilename = finalFilename
	updated.UpdatedAt = time.Now().UTC()
	return s.putLocked(updated)
}

// Sessions returns every session belonging to owner
func (s *SnapshotStore) Sessions(ctx context.Context, owner uuid.UUID) ([]*types.UploadSession, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*types.UploadSession
	for _, session := range s.sessions {
		if session.Owner == owner {
			out = append(out, copySession(session))
		}
	}
	return out, nil
}

// putLocked installs the record and rewrites the snapshot. The in-memory map
// is only updated once the snapshot rename has succeeded, so memory and disk
// never disagree after an I/O failure. Caller must hold the write lock.
func (s *SnapshotStore) putLocked(session *types.UploadSession) error {
	next := make(map[string]*types.UploadSession, len(s.sessions)+1)
	for id, existing := range s.sessions {
		next[id] = existing
	}
	next[session.ID] = session

	if err := s.persist(next); err != nil {
		return err
	}
	s.sessions = next
	return nil
}

// persist writes the full snapshot through a temp file and atomic rename
func (s *SnapshotStore) persist(sessions map[string]*types.UploadSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal session registry: %w", err)
	}

	tempPath := s.path + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

func copySession(session *types.UploadSession) *types.UploadSession {
	out := *session
	if session.ExpectedChunks != nil {
		n := *session.ExpectedChunks
		out.ExpectedChunks = &n
	}
	return &out
}
