package database

import "time"

// SessionBundle is the header row of one user's stored credential bundle.
// Digest covers every blob of the bundle; a bundle whose blobs do not
// reproduce the digest is treated as corrupt.
type SessionBundle struct {
	UserID    string    `gorm:"primaryKey;size:128" json:"user_id"`
	Digest    []byte    `gorm:"not null" json:"-"`
	BlobCount int       `gorm:"not null;default:0" json:"blob_count"`
	TotalSize int64     `gorm:"not null;default:0" json:"total_size"`
	SavedAt   time.Time `gorm:"not null" json:"saved_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Blobs []SessionBlob `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// SessionBlob is one named file of a bundle. Content is compressed and
// encrypted; Size is the plaintext length.
type SessionBlob struct {
	UserID  string `gorm:"primaryKey;size:128"`
	Name    string `gorm:"primaryKey;size:512"`
	Content []byte `gorm:"not null"`
	Size    int64  `gorm:"not null"`
}

// UserSessionRecord is the last recorded state-machine snapshot of a user,
// reloaded when the control plane restarts.
type UserSessionRecord struct {
	UserID           string    `gorm:"primaryKey;size:128" json:"user_id"`
	Status           string    `gorm:"not null;default:unauthenticated" json:"status"`
	ErrorDetail      string    `json:"error_detail"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
