package handler

import (
	"ModelVault/internal/diskspace"
	"ModelVault/internal/dto"
	"ModelVault/internal/progress"
	"ModelVault/internal/scheduler"
	"ModelVault/internal/store"
	"ModelVault/model"
	"ModelVault/utils"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// Handler exposes the download manager over HTTP.
type Handler struct {
	Sched      *scheduler.Scheduler
	Tracker    *progress.Tracker
	History    *store.History
	Guard      *diskspace.Guard
	ModelsRoot string
}

func NewHandler(sched *scheduler.Scheduler, tracker *progress.Tracker, history *store.History,
	guard *diskspace.Guard, modelsRoot string) *Handler {
	return &Handler{
		Sched:      sched,
		Tracker:    tracker,
		History:    history,
		Guard:      guard,
		ModelsRoot: modelsRoot,
	}
}

// Enqueue creates a download task.
func (h *Handler) Enqueue(c *gin.Context) {
	var req dto.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	task, err := h.Sched.Submit(c.Request.Context(), scheduler.SubmitRequest{
		URL:          req.URL,
		Source:       req.Source,
		RepoID:       req.RepoID,
		RepoPath:     req.RepoPath,
		Directory:    req.Directory,
		FileName:     req.FileName,
		Priority:     req.Priority,
		ExpectedHash: req.ExpectedHash,
		HashAlgo:     req.HashAlgo,
	})
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrDuplicateDestination):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrInvalidDestination):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	utils.Success(c, gin.H{"task_id": task.ID, "status": task.Status})
}

// Status returns one task with live progress.
func (h *Handler) Status(c *gin.Context) {
	task, err := h.Sched.Get(c.Param("id"))
	if err != nil {
		h.notFoundOrFail(c, err)
		return
	}
	utils.Success(c, h.taskStatus(task))
}

// StatusAll returns every task with live progress.
func (h *Handler) StatusAll(c *gin.Context) {
	tasks, err := h.Sched.List()
	if err != nil {
		utils.Fail(c, err)
		return
	}
	out := make([]dto.TaskStatus, 0, len(tasks))
	for i := range tasks {
		out = append(out, h.taskStatus(&tasks[i]))
	}
	utils.Success(c, out)
}

// Pause pauses a task; a no-op when not pausable. Returns current status.
func (h *Handler) Pause(c *gin.Context) {
	task, err := h.Sched.Pause(c.Param("id"))
	if err != nil {
		h.notFoundOrFail(c, err)
		return
	}
	utils.Success(c, gin.H{"id": task.ID, "status": task.Status})
}

// Resume requeues a paused or errored task. Returns current status.
func (h *Handler) Resume(c *gin.Context) {
	task, err := h.Sched.Resume(c.Param("id"))
	if err != nil {
		h.notFoundOrFail(c, err)
		return
	}
	utils.Success(c, gin.H{"id": task.ID, "status": task.Status})
}

// Cancel cancels a task; idempotent. Returns current status.
func (h *Handler) Cancel(c *gin.Context) {
	task, err := h.Sched.Cancel(c.Param("id"))
	if err != nil {
		h.notFoundOrFail(c, err)
		return
	}
	utils.Success(c, gin.H{"id": task.ID, "status": task.Status})
}

// Remove deletes a terminal task record.
func (h *Handler) Remove(c *gin.Context) {
	if err := h.Sched.Remove(c.Param("id")); err != nil {
		h.notFoundOrFail(c, err)
		return
	}
	utils.Success(c, nil)
}

// ClearFinished prunes terminal task records.
func (h *Handler) ClearFinished(c *gin.Context) {
	n, err := h.Sched.ClearFinished()
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, gin.H{"removed": n})
}

// SetConcurrency resizes the worker pool at runtime.
func (h *Handler) SetConcurrency(c *gin.Context) {
	var req dto.ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := h.Sched.SetLimit(req.Limit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	utils.Success(c, gin.H{"limit": h.Sched.Limit()})
}

// Events streams progress snapshots as server-sent events.
func (h *Handler) Events(c *gin.Context) {
	ch, cancel := h.Tracker.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", snap)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// HistoryList returns completed downloads, newest first.
func (h *Handler) HistoryList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.History.List(limit)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, entries)
}

// HistoryClear prunes the download history.
func (h *Handler) HistoryClear(c *gin.Context) {
	n, err := h.History.Clear()
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, gin.H{"removed": n})
}

// DiskSpace checks free space for a destination directory.
func (h *Handler) DiskSpace(c *gin.Context) {
	directory := c.Query("directory")
	required, _ := strconv.ParseInt(c.DefaultQuery("bytes", "0"), 10, 64)
	abs, err := utils.ValidateDownloadPath(h.ModelsRoot, directory, "probe")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid directory"})
		return
	}
	ok, free, err := h.Guard.HasSpaceFor(filepath.Dir(abs), required)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.SpaceStatus{
		Directory:  directory,
		FreeBytes:  free,
		Free:       humanize.Bytes(uint64(free)),
		Sufficient: ok,
	})
}

func (h *Handler) notFoundOrFail(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrUnknownTask) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	utils.Fail(c, err)
}

// taskStatus overlays live metrics from the broadcaster onto the durable
// record.
func (h *Handler) taskStatus(task *model.DownloadTask) dto.TaskStatus {
	out := dto.TaskStatus{
		ID:               task.ID,
		URL:              task.URL,
		Source:           task.Source,
		Directory:        task.Directory,
		FileName:         task.FileName,
		Status:           task.Status,
		Priority:         task.Priority,
		BytesTransferred: task.BytesTransferred,
		BytesTotal:       task.BytesTotal,
		AttemptCount:     task.AttemptCount,
		ErrorDetail:      task.ErrorMsg,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        task.UpdatedAt,
		FinishedAt:       task.FinishedAt,
	}
	if task.BytesTotal > 0 {
		out.Percent = float64(task.BytesTransferred) / float64(task.BytesTotal) * 100
	}
	out.Speed = humanize.Bytes(0) + "/s"
	if snap, ok := h.Tracker.Report(task.ID); ok {
		if snap.BytesTransferred > out.BytesTransferred {
			out.BytesTransferred = snap.BytesTransferred
		}
		if snap.BytesTotal > 0 {
			out.BytesTotal = snap.BytesTotal
		}
		if snap.Percent > out.Percent {
			out.Percent = snap.Percent
		}
		out.SpeedBps = snap.SpeedBps
		out.Speed = snap.Speed
		out.EtaSeconds = snap.EtaSeconds
		out.Warning = snap.Warning
	}
	return out
}
