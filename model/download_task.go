package model

import "time"

// Download task statuses. Completed and cancelled are terminal.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

type DownloadTask struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	URL      string `gorm:"column:url;type:text;not null" json:"url"`
	Source   string `gorm:"column:source;type:varchar(32);not null" json:"source"` // huggingface / civitai / direct
	RepoID   string `gorm:"column:repo_id;type:varchar(255)" json:"repo_id,omitempty"`
	RepoPath string `gorm:"column:repo_path;type:varchar(255)" json:"repo_path,omitempty"`

	// Destination relative to the managed models root.
	Directory string `gorm:"column:directory;type:varchar(255);not null" json:"directory"`
	FileName  string `gorm:"column:file_name;type:varchar(255);not null" json:"file_name"`

	Status   string `gorm:"column:status;type:varchar(32);index;not null" json:"status"`
	Priority int    `gorm:"column:priority;default:0;index" json:"priority"`

	BytesTotal       int64 `gorm:"column:bytes_total;default:0" json:"bytes_total"`
	BytesTransferred int64 `gorm:"column:bytes_transferred;default:0" json:"bytes_transferred"`
	// ResumeOffset is the last durably checkpointed byte count; never ahead
	// of what has been fsynced to the partial file.
	ResumeOffset int64 `gorm:"column:resume_offset;default:0" json:"resume_offset"`

	ExpectedHash string `gorm:"column:expected_hash;type:varchar(128)" json:"expected_hash,omitempty"`
	HashAlgo     string `gorm:"column:hash_algo;type:varchar(16);default:sha256" json:"hash_algo,omitempty"`

	AttemptCount int        `gorm:"column:attempt_count;default:0" json:"attempt_count"`
	NextRetryAt  *time.Time `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	ErrorMsg     string     `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`

	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (DownloadTask) TableName() string {
	return "download_task"
}

// Terminal reports whether the task has left the active set for good.
func (t *DownloadTask) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// NonTerminalStatuses lists every status that still owns its destination.
func NonTerminalStatuses() []string {
	return []string{StatusQueued, StatusActive, StatusPaused, StatusError}
}
