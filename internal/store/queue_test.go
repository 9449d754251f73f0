package store

import (
	"ModelVault/internal/repo"
	"ModelVault/model"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*Queue, *History) {
	t.Helper()
	db, err := repo.OpenSqlite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return NewQueue(db), NewHistory(db)
}

func makeTask(id, status string) *model.DownloadTask {
	return &model.DownloadTask{
		ID:        id,
		URL:       "https://example.com/" + id + ".safetensors",
		Source:    "direct",
		Directory: "checkpoints",
		FileName:  id + ".safetensors",
		Status:    status,
	}
}

func TestCreateAndGet(t *testing.T) {
	q, _ := newTestQueue(t)
	task := makeTask("t1", model.StatusQueued)
	if err := q.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := q.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileName != "t1.safetensors" || got.Status != model.StatusQueued {
		t.Fatalf("unexpected task: %+v", got)
	}
	if _, err := q.Get("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCASStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Create(makeTask("t1", model.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := q.CASStatus("t1", []string{model.StatusQueued}, map[string]interface{}{
		"status": model.StatusActive,
	})
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed, ok=%v err=%v", ok, err)
	}

	// A second claim from queued must fail: the task is already active.
	ok, err = q.CASStatus("t1", []string{model.StatusQueued}, map[string]interface{}{
		"status": model.StatusActive,
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if ok {
		t.Fatal("second claim should not succeed")
	}
}

func TestCheckpointMonotonic(t *testing.T) {
	q, _ := newTestQueue(t)
	task := makeTask("t1", model.StatusActive)
	if err := q.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.Checkpoint("t1", 500, 1000, 500); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	// A stale write with a lower offset must be ignored.
	if err := q.Checkpoint("t1", 100, 1000, 100); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got, _ := q.Get("t1")
	if got.ResumeOffset != 500 {
		t.Fatalf("resume_offset went backwards: %d", got.ResumeOffset)
	}
}

func TestCheckpointRequiresActive(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Create(makeTask("t1", model.StatusCancelled)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.Checkpoint("t1", 500, 1000, 500); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got, _ := q.Get("t1")
	if got.ResumeOffset != 0 {
		t.Fatalf("checkpoint applied to non-active task: %+v", got)
	}
}

func TestResetProgress(t *testing.T) {
	q, _ := newTestQueue(t)
	task := makeTask("t1", model.StatusActive)
	task.BytesTransferred = 500
	task.ResumeOffset = 500
	if err := q.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := q.ResetProgress("t1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := q.Get("t1")
	if got.ResumeOffset != 0 || got.BytesTransferred != 0 {
		t.Fatalf("progress not reset: %+v", got)
	}

	// After a reset, lower-offset checkpoints apply again.
	if err := q.Checkpoint("t1", 100, 1000, 100); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got, _ = q.Get("t1")
	if got.ResumeOffset != 100 {
		t.Fatalf("checkpoint after reset ignored: %+v", got)
	}
}

func TestDestinationTaken(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Create(makeTask("t1", model.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	taken, err := q.DestinationTaken("checkpoints", "t1.safetensors", "")
	if err != nil {
		t.Fatalf("destination taken: %v", err)
	}
	if !taken {
		t.Fatal("expected destination to be taken by non-terminal task")
	}

	// Terminal tasks release the destination.
	if _, err := q.CASStatus("t1", []string{model.StatusQueued}, map[string]interface{}{
		"status": model.StatusCancelled,
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	taken, _ = q.DestinationTaken("checkpoints", "t1.safetensors", "")
	if taken {
		t.Fatal("terminal task should not hold the destination")
	}
}

func TestNextQueuedOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	low := makeTask("low", model.StatusQueued)
	low.Priority = 1
	low.FileName = "low.bin"
	high := makeTask("high", model.StatusQueued)
	high.Priority = 10
	high.FileName = "high.bin"
	if err := q.Create(low); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := q.Create(high); err != nil {
		t.Fatalf("create: %v", err)
	}

	tasks, err := q.NextQueued(time.Now(), 10)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "high" {
		t.Fatalf("expected high priority first, got %+v", tasks)
	}
}

func TestNextQueuedHonorsBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	task := makeTask("t1", model.StatusQueued)
	future := time.Now().Add(time.Hour)
	task.NextRetryAt = &future
	if err := q.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	tasks, err := q.NextQueued(time.Now(), 10)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("task with future retry deadline should not be eligible: %+v", tasks)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	q, _ := newTestQueue(t)
	task := makeTask("t1", model.StatusActive)
	task.ResumeOffset = 12345
	task.BytesTransferred = 12345
	if err := q.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := q.RecoverInterrupted()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered task, got %d", n)
	}
	got, _ := q.Get("t1")
	if got.Status != model.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.ResumeOffset != 12345 {
		t.Fatalf("recovery must preserve resume_offset, got %d", got.ResumeOffset)
	}
}

func TestDeleteOnlyTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Create(makeTask("t1", model.StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	removed, err := q.Delete("t1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed {
		t.Fatal("active task must not be deletable")
	}

	if _, err := q.CASStatus("t1", []string{model.StatusActive}, map[string]interface{}{
		"status": model.StatusCompleted,
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	removed, _ = q.Delete("t1")
	if !removed {
		t.Fatal("completed task should be deletable")
	}
}

func TestHistory(t *testing.T) {
	_, h := newTestQueue(t)
	entry := &model.DownloadHistory{
		TaskID:      "t1",
		FileName:    "model.safetensors",
		Directory:   "checkpoints",
		Hash:        "abc123",
		HashAlgo:    "sha256",
		SizeBytes:   42,
		CompletedAt: time.Now(),
	}
	if err := h.Add(entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	byHash, err := h.FindByHash("abc123")
	if err != nil || byHash == nil {
		t.Fatalf("find by hash: %v %v", byHash, err)
	}
	byDest, err := h.FindByDestination("checkpoints", "model.safetensors")
	if err != nil || byDest == nil {
		t.Fatalf("find by destination: %v %v", byDest, err)
	}
	if miss, _ := h.FindByHash("nope"); miss != nil {
		t.Fatalf("unexpected hit: %+v", miss)
	}

	entries, err := h.List(10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list: %v %v", entries, err)
	}

	n, err := h.Clear()
	if err != nil || n != 1 {
		t.Fatalf("clear: %d %v", n, err)
	}
	entries, _ = h.List(10)
	if len(entries) != 0 {
		t.Fatalf("history not cleared: %+v", entries)
	}
}
