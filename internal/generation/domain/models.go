package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// JobStatus mirrors the generation subsystem's lifecycle. The billing core
// writes only the queued placeholder and reads status during reconciliation.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusError:
		return true
	default:
		return false
	}
}

// TerminalFailure reports whether the job ended without producing output.
func (s JobStatus) TerminalFailure() bool {
	switch s {
	case JobStatusFailed, JobStatusCancelled, JobStatusError:
		return true
	default:
		return false
	}
}

// Job is the placeholder row the reservation manager inserts so the
// reservation can reference it. The generation subsystem owns the rest of
// the lifecycle.
type Job struct {
	ID            string            `gorm:"primaryKey;type:text"`
	IdentityID    string            `gorm:"type:text;not null;index"`
	Status        JobStatus         `gorm:"type:text;not null;index"`
	ReservationID *snowflake.ID     `gorm:"index"`
	AssetID       *string           `gorm:"type:text"`
	Meta          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// Asset is a produced artifact. Read-only here.
type Asset struct {
	ID         string    `gorm:"primaryKey;type:text"`
	JobID      string    `gorm:"type:text;not null;index"`
	IdentityID string    `gorm:"type:text;not null;index"`
	Kind       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Asset) TableName() string { return "assets" }

// HistoryItem is the user-visible history row for a finished job. The
// reconciliation loop backfills missing ones.
type HistoryItem struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	IdentityID string       `gorm:"type:text;not null;index"`
	JobID      string       `gorm:"type:text;not null;uniqueIndex:ux_history_items_job"`
	AssetID    string       `gorm:"type:text;not null"`
	Kind       string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (HistoryItem) TableName() string { return "history_items" }
