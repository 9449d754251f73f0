package store

import (
	"ModelVault/model"
	"errors"

	"gorm.io/gorm"
)

// History records completed downloads for dedup lookups. Entries are
// immutable; only explicit pruning removes them.
type History struct {
	db *gorm.DB
}

func NewHistory(db *gorm.DB) *History {
	return &History{db: db}
}

func (h *History) Add(entry *model.DownloadHistory) error {
	return h.db.Create(entry).Error
}

// FindByHash returns the most recent entry with the given content hash.
func (h *History) FindByHash(hash string) (*model.DownloadHistory, error) {
	var entry model.DownloadHistory
	err := h.db.Where("hash = ?", hash).
		Order("completed_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByDestination returns the most recent entry for a destination.
func (h *History) FindByDestination(directory, fileName string) (*model.DownloadHistory, error) {
	var entry model.DownloadHistory
	err := h.db.Where("directory = ? AND file_name = ?", directory, fileName).
		Order("completed_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns up to limit entries, newest first.
func (h *History) List(limit int) ([]model.DownloadHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []model.DownloadHistory
	err := h.db.Order("completed_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// Clear removes all history entries.
func (h *History) Clear() (int64, error) {
	res := h.db.Where("1 = 1").Delete(&model.DownloadHistory{})
	return res.RowsAffected, res.Error
}
