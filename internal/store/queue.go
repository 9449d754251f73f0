package store

import (
	"ModelVault/model"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("task not found")

// Queue is the durable registry of download tasks. Every status transition
// goes through a compare-and-swap update so that no two workers can mutate
// the same task concurrently.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Create inserts a new task record.
func (q *Queue) Create(task *model.DownloadTask) error {
	return q.db.Create(task).Error
}

// Get returns a task by id.
func (q *Queue) Get(id string) (*model.DownloadTask, error) {
	var task model.DownloadTask
	err := q.db.Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns all tasks, newest first.
func (q *Queue) List() ([]model.DownloadTask, error) {
	var tasks []model.DownloadTask
	err := q.db.Order("created_at DESC").Find(&tasks).Error
	return tasks, err
}

// NextQueued returns queued tasks that are eligible to run now, highest
// priority first, FIFO within a priority.
func (q *Queue) NextQueued(now time.Time, limit int) ([]model.DownloadTask, error) {
	var tasks []model.DownloadTask
	err := q.db.
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", model.StatusQueued, now).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// CASStatus transitions id from one of the given statuses, applying updates
// atomically. Returns false when the task was not in an expected status.
func (q *Queue) CASStatus(id string, from []string, updates map[string]interface{}) (bool, error) {
	res := q.db.Model(&model.DownloadTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Checkpoint records transfer progress for an active task. resume_offset
// never goes backwards, which keeps restarts monotonic even if a stale
// worker write races a recovery reset.
func (q *Queue) Checkpoint(id string, bytesTransferred, bytesTotal, resumeOffset int64) error {
	return q.db.Model(&model.DownloadTask{}).
		Where("id = ? AND status = ? AND resume_offset <= ?", id, model.StatusActive, resumeOffset).
		Updates(map[string]interface{}{
			"bytes_transferred": bytesTransferred,
			"bytes_total":       bytesTotal,
			"resume_offset":     resumeOffset,
		}).Error
}

// ResetProgress zeroes the checkpoint of an active task. Used when a restart
// truncates the partial file, so later lower-offset checkpoints are not
// discarded by the monotonic guard.
func (q *Queue) ResetProgress(id string) error {
	return q.db.Model(&model.DownloadTask{}).
		Where("id = ? AND status = ?", id, model.StatusActive).
		Updates(map[string]interface{}{
			"bytes_transferred": 0,
			"resume_offset":     0,
		}).Error
}

// DestinationTaken reports whether a non-terminal task other than excludeID
// already targets the same destination.
func (q *Queue) DestinationTaken(directory, fileName, excludeID string) (bool, error) {
	var count int64
	err := q.db.Model(&model.DownloadTask{}).
		Where("directory = ? AND file_name = ? AND status IN ? AND id <> ?",
			directory, fileName, model.NonTerminalStatuses(), excludeID).
		Count(&count).Error
	return count > 0, err
}

// RecoverInterrupted resets tasks left active by a previous process to
// queued. Partial files and resume offsets are preserved so the transfer
// engine resumes instead of restarting.
func (q *Queue) RecoverInterrupted() (int64, error) {
	res := q.db.Model(&model.DownloadTask{}).
		Where("status = ?", model.StatusActive).
		Updates(map[string]interface{}{
			"status":        model.StatusQueued,
			"next_retry_at": nil,
		})
	return res.RowsAffected, res.Error
}

// Delete removes a terminal task record.
func (q *Queue) Delete(id string) (bool, error) {
	res := q.db.
		Where("id = ? AND status IN ?", id, []string{model.StatusCompleted, model.StatusCancelled, model.StatusError}).
		Delete(&model.DownloadTask{})
	return res.RowsAffected > 0, res.Error
}

// PruneTerminal removes all completed, cancelled and errored task records.
func (q *Queue) PruneTerminal() (int64, error) {
	res := q.db.
		Where("status IN ?", []string{model.StatusCompleted, model.StatusCancelled, model.StatusError}).
		Delete(&model.DownloadTask{})
	return res.RowsAffected, res.Error
}
