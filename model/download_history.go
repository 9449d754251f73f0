package model

import "time"

// DownloadHistory is written once per completed download and never updated.
// The dedup checker queries it by hash and by destination.
type DownloadHistory struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	TaskID    string `gorm:"column:task_id;type:varchar(36);index" json:"task_id"`
	FileName  string `gorm:"column:file_name;type:varchar(255);index:idx_history_dest;not null" json:"file_name"`
	Directory string `gorm:"column:directory;type:varchar(255);index:idx_history_dest;not null" json:"directory"`

	URL    string `gorm:"column:url;type:text" json:"url"`
	Source string `gorm:"column:source;type:varchar(32)" json:"source"`

	Hash      string `gorm:"column:hash;type:varchar(128);index" json:"hash"`
	HashAlgo  string `gorm:"column:hash_algo;type:varchar(16)" json:"hash_algo"`
	SizeBytes int64  `gorm:"column:size_bytes" json:"size_bytes"`

	CompletedAt time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName returns the database table name.
func (DownloadHistory) TableName() string {
	return "download_history"
}
