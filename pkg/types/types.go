package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents an account that can own uploads
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// UploadSession tracks one chunked upload from initiation through assembly.
//
// ExpectedChunks is nil until the total becomes known, either at initiation
// (derived from a total size) or from a later chunk submission; once set it
// is authoritative and never changes. Assembled transitions false to true at
// most once, and FinalFilename is set exactly when that happens.
type UploadSession struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Owner          uuid.UUID `json:"owner" gorm:"index;not null"`
	TargetFilename string    `json:"target_filename"`
	ExpectedChunks *int      `json:"expected_chunks,omitempty"`
	Assembled      bool      `json:"assembled" gorm:"default:false"`
	FinalFilename  string    `json:"final_filename,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Artifact describes a fully assembled file visible for listing and download
type Artifact struct {
	UploadID string `json:"upload_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ChunkResult reports the outcome of a single chunk submission
type ChunkResult struct {
	UploadID      string `json:"upload_id"`
	ChunkIndex    int    `json:"chunk_index"`
	BytesWritten  int64  `json:"bytes_written"`
	Assembled     bool   `json:"assembled"`
	FinalFilename string `json:"filename,omitempty"`
}

// AuthToken represents an issued authentication token
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// InitUploadRequest starts a new upload session
type InitUploadRequest struct {
	Filename  string `json:"filename" binding:"required"`
	TotalSize int64  `json:"total_size,omitempty"`
}

// InitUploadResponse carries the allocated session back to the client
type InitUploadResponse struct {
	UploadID       string `json:"upload_id"`
	Filename       string `json:"filename"`
	ExpectedChunks *int   `json:"expected_chunks,omitempty"`
}
