package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vanstone-io/coalesce/internal/common"
	"github.com/vanstone-io/coalesce/pkg/types"
	"gorm.io/gorm"
)

// DatabaseStore persists sessions in the service database. It satisfies the
// same contract as SnapshotStore; the database transaction takes the place of
// the snapshot rename for crash consistency.
type DatabaseStore struct {
	db *common.Database
}

// NewDatabaseStore creates a session store backed by the service database
func NewDatabaseStore(db *common.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

var _ Store = (*DatabaseStore)(nil)

// Create allocates a fresh session
func (s *DatabaseStore) Create(ctx context.Context, owner uuid.UUID, targetFilename string, expectedChunks *int) (*types.UploadSession, error) {
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

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}
	return session, nil
}

// Get returns the session or types.ErrNotFound
func (s *DatabaseStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	var session types.UploadSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: upload %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	return &session, nil
}

// SetExpectedChunks records the chunk count if previously unknown. The guard
// is part of the UPDATE so concurrent first writers still race safely.
func (s *DatabaseStore) SetExpectedChunks(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: expected chunk count must be positive", types.ErrValidation)
	}

	result := s.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("id = ? AND expected_chunks IS NULL", id).
		Updates(map[string]interface{}{
			"expected_chunks": n,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set expected chunks: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Either already set (first writer won) or the session is unknown
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkAssembled flips the session to assembled and records the final filename
func (s *DatabaseStore) MarkAssembled(ctx context.Context, id string, finalFilename string) error {
	result := s.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"assembled":      true,
			"final_filename": finalFilename,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark session assembled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: upload %s", types.ErrNotFound, id)
	}
	return nil
}

// Sessions returns every session belonging to owner
func (s *DatabaseStore) Sessions(ctx context.Context, owner uuid.UUID) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list upload sessions: %w", err)
	}
	return sessions, nil
}
