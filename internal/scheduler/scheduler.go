package scheduler

import (
	"ModelVault/config"
	"ModelVault/internal/diskspace"
	"ModelVault/internal/integrity"
	"ModelVault/internal/progress"
	"ModelVault/internal/store"
	"ModelVault/internal/transfer"
	"ModelVault/model"
	"ModelVault/utils"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// submitProbeTimeout bounds the best-effort HEAD probe at submission so an
// unresponsive origin cannot stall the caller.
const submitProbeTimeout = 5 * time.Second

var (
	ErrDuplicateDestination = errors.New("duplicate destination")
	ErrInvalidDestination   = errors.New("invalid destination")
	ErrUnknownTask          = errors.New("unknown task")
	ErrInvalidLimit         = errors.New("concurrency limit must be at least 1")
)

// Runner performs one transfer attempt. Satisfied by *transfer.Engine;
// tests substitute stubs.
type Runner interface {
	Run(ctx context.Context, task *model.DownloadTask, paused func() bool) (*transfer.Result, error)
}

// SubmitRequest is a caller's fetch request.
type SubmitRequest struct {
	URL          string
	Source       string
	RepoID       string
	RepoPath     string
	Directory    string
	FileName     string
	Priority     int
	ExpectedHash string
	HashAlgo     string
}

// handle carries the cooperative signals for one running transfer.
type handle struct {
	cancel    context.CancelFunc
	pause     atomic.Bool
	cancelled atomic.Bool
}

// Scheduler admits queued tasks onto a bounded worker pool. It is the only
// component that transitions task statuses; every transition goes through
// the queue store's compare-and-swap, so a stale worker can never clobber a
// newer state.
type Scheduler struct {
	queue   *store.Queue
	history *store.History
	checker *integrity.Checker
	guard   *diskspace.Guard
	runner  Runner
	tracker *progress.Tracker

	modelsRoot  string
	retryMax    int
	retryDelays []time.Duration

	probe func(ctx context.Context, rawURL string) (*transfer.SourceInfo, error)

	submitMu sync.Mutex

	mu      sync.Mutex
	limit   int
	running map[string]*handle

	kick chan struct{}
	wg   sync.WaitGroup
}

func New(queue *store.Queue, history *store.History, checker *integrity.Checker,
	guard *diskspace.Guard, runner Runner, tracker *progress.Tracker,
	modelsRoot string, maxParallel int) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	client := transfer.NewHTTPClient()
	return &Scheduler{
		queue:       queue,
		history:     history,
		checker:     checker,
		guard:       guard,
		runner:      runner,
		tracker:     tracker,
		modelsRoot:  modelsRoot,
		retryMax:    config.AppConfig.DownloadRetryMax,
		retryDelays: config.AppConfig.DownloadRetryDelays,
		probe: func(ctx context.Context, rawURL string) (*transfer.SourceInfo, error) {
			return transfer.Probe(ctx, client, rawURL)
		},
		limit:   maxParallel,
		running: make(map[string]*handle),
		kick:    make(chan struct{}, 1),
	}
}

// Start recovers interrupted tasks and launches the dispatch loop. The loop
// stops when ctx is cancelled; running transfers are then requeued with
// their checkpoints intact.
func (s *Scheduler) Start(ctx context.Context) {
	n, err := s.queue.RecoverInterrupted()
	if err != nil {
		log.Printf("scheduler: recover interrupted tasks: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: requeued %d interrupted download(s)", n)
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Wait blocks until the dispatch loop and all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	// The ticker re-evaluates retry backoff deadlines and freed disk space.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		s.dispatch(ctx)
	}
}

func (s *Scheduler) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - len(s.running)
}

func (s *Scheduler) dispatch(ctx context.Context) {
	free := s.freeSlots()
	if free <= 0 {
		return
	}
	candidates, err := s.queue.NextQueued(time.Now(), free+8)
	if err != nil {
		log.Printf("scheduler: list queued: %v", err)
		return
	}
	for i := range candidates {
		if s.freeSlots() <= 0 {
			return
		}
		s.admit(ctx, &candidates[i])
	}
}

// admit runs the pre-flight checks and claims the task for a worker.
func (s *Scheduler) admit(ctx context.Context, task *model.DownloadTask) {
	s.mu.Lock()
	if _, already := s.running[task.ID]; already {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	finalPath, err := utils.ValidateDownloadPath(s.modelsRoot, task.Directory, task.FileName)
	if err != nil {
		now := time.Now()
		s.transition(task, []string{model.StatusQueued}, model.StatusError, map[string]interface{}{
			"error_msg":   "invalid destination: " + err.Error(),
			"finished_at": &now,
		})
		return
	}

	ok, freeBytes, err := s.guard.HasSpaceFor(filepath.Dir(finalPath), task.BytesTotal)
	if err != nil {
		log.Printf("scheduler: disk space check for %s: %v", task.FileName, err)
	}
	if !ok {
		// Space may free up; the task stays queued and is re-evaluated on
		// the next cycle.
		s.tracker.Warn(task.ID, fmt.Sprintf("insufficient disk space: need %s, %s free",
			humanize.Bytes(uint64(task.BytesTotal)), humanize.Bytes(uint64(freeBytes))))
		return
	}
	s.tracker.Warn(task.ID, "")

	now := time.Now()
	claimed, err := s.queue.CASStatus(task.ID, []string{model.StatusQueued}, map[string]interface{}{
		"status":        model.StatusActive,
		"started_at":    &now,
		"attempt_count": task.AttemptCount + 1,
		"next_retry_at": nil,
	})
	if err != nil || !claimed {
		return
	}
	task.AttemptCount++

	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}
	s.mu.Lock()
	s.running[task.ID] = h
	s.mu.Unlock()

	s.tracker.SetStatus(task.ID, task.FileName, model.StatusActive, task.ResumeOffset, task.BytesTotal, "")

	s.wg.Add(1)
	go s.runTask(taskCtx, task, h)
}

func (s *Scheduler) runTask(ctx context.Context, task *model.DownloadTask, h *handle) {
	defer s.wg.Done()
	res, err := s.runner.Run(ctx, task, h.pause.Load)

	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()

	now := time.Now()
	switch {
	case err == nil:
		s.transition(task, []string{model.StatusActive}, model.StatusCompleted, map[string]interface{}{
			"bytes_transferred": res.BytesTotal,
			"bytes_total":       res.BytesTotal,
			"resume_offset":     res.BytesTotal,
			"error_msg":         "",
			"finished_at":       &now,
		})
		if err := s.history.Add(&model.DownloadHistory{
			TaskID:      task.ID,
			FileName:    task.FileName,
			Directory:   task.Directory,
			URL:         task.URL,
			Source:      task.Source,
			Hash:        res.Hash,
			HashAlgo:    normalizeAlgo(task.HashAlgo),
			SizeBytes:   res.BytesTotal,
			CompletedAt: now,
		}); err != nil {
			log.Printf("scheduler: record history for %s: %v", task.ID, err)
		}
		s.tracker.SetStatus(task.ID, task.FileName, model.StatusCompleted, res.BytesTotal, res.BytesTotal, "")
		s.tracker.Forget(task.ID)

	case errors.Is(err, transfer.ErrPaused):
		s.transition(task, []string{model.StatusActive}, model.StatusPaused, nil)

	case ctx.Err() != nil && h.cancelled.Load():
		s.removePartial(task)
		s.transition(task, []string{model.StatusActive}, model.StatusCancelled, map[string]interface{}{
			"finished_at": &now,
		})
		s.tracker.Forget(task.ID)

	case ctx.Err() != nil:
		// Shutdown, not cancellation: keep the partial file and checkpoint
		// so the next process resumes instead of restarting.
		s.transition(task, []string{model.StatusActive}, model.StatusQueued, map[string]interface{}{
			"next_retry_at": nil,
		})

	default:
		s.handleFailure(task, err, now)
	}
	s.notify()
}

func (s *Scheduler) handleFailure(task *model.DownloadTask, runErr error, now time.Time) {
	rec, err := s.queue.Get(task.ID)
	if err != nil {
		log.Printf("scheduler: reload task %s: %v", task.ID, err)
		rec = task
	}
	if shouldRetry(runErr) && rec.AttemptCount < s.retryMax {
		delay := pickRetryDelay(rec.AttemptCount, s.retryDelays)
		next := now.Add(delay)
		s.transition(task, []string{model.StatusActive}, model.StatusQueued, map[string]interface{}{
			"error_msg":     runErr.Error(),
			"next_retry_at": &next,
		})
		s.tracker.Warn(task.ID, fmt.Sprintf("attempt %d failed, retrying in %s: %v",
			rec.AttemptCount, delay, runErr))
		return
	}
	s.transition(task, []string{model.StatusActive}, model.StatusError, map[string]interface{}{
		"error_msg":   runErr.Error(),
		"finished_at": &now,
	})
	log.Printf("download failed: %s - %v", task.FileName, runErr)
}

// transition performs a CAS status change and mirrors it to the broadcaster.
func (s *Scheduler) transition(task *model.DownloadTask, from []string, to string, extra map[string]interface{}) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	changed, err := s.queue.CASStatus(task.ID, from, updates)
	if err != nil {
		log.Printf("scheduler: transition %s -> %s: %v", task.ID, to, err)
		return
	}
	if !changed {
		return
	}
	errMsg := ""
	if v, ok := updates["error_msg"].(string); ok {
		errMsg = v
	}
	s.tracker.SetStatus(task.ID, task.FileName, to, -1, 0, errMsg)
}

// Submit validates, dedups and enqueues a request, returning the created
// task. Already-satisfied requests short-circuit to completed without a
// transfer.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*model.DownloadTask, error) {
	fileName := utils.SanitizeFilename(req.FileName)
	if fileName == "" {
		fileName = inferFileNameFromURL(req.URL)
	}
	if fileName == "" {
		return nil, fmt.Errorf("%w: empty filename", ErrInvalidDestination)
	}
	if _, err := utils.ValidateDownloadPath(s.modelsRoot, req.Directory, fileName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if _, err := transfer.ValidateSourceURL(req.URL); err != nil {
		return nil, err
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "direct"
	}
	task := &model.DownloadTask{
		ID:           utils.GetToken(),
		URL:          req.URL,
		Source:       source,
		RepoID:       req.RepoID,
		RepoPath:     req.RepoPath,
		Directory:    req.Directory,
		FileName:     fileName,
		Status:       model.StatusQueued,
		Priority:     req.Priority,
		ExpectedHash: strings.ToLower(strings.TrimSpace(req.ExpectedHash)),
		HashAlgo:     normalizeAlgo(req.HashAlgo),
	}

	// Best-effort size estimate so the disk guard and percent computation
	// have a total before the GET starts. Runs outside the submit lock so a
	// slow origin serializes only its own request.
	probeCtx, cancelProbe := context.WithTimeout(ctx, submitProbeTimeout)
	if info, probeErr := s.probe(probeCtx, task.URL); probeErr == nil && info.Size > 0 {
		task.BytesTotal = info.Size
	}
	cancelProbe()

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	taken, err := s.queue.DestinationTaken(task.Directory, task.FileName, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateDestination
	}

	// Dedup: an identical artifact already on disk satisfies the request
	// with no transfer.
	if existing, lookErr := s.checker.LookupExisting(ctx, task.ExpectedHash, task.HashAlgo, task.Directory, task.FileName); lookErr == nil && existing != nil {
		now := time.Now()
		task.Status = model.StatusCompleted
		task.BytesTotal = existing.Size
		task.BytesTransferred = existing.Size
		task.ResumeOffset = existing.Size
		task.FinishedAt = &now
		if err := s.queue.Create(task); err != nil {
			return nil, err
		}
		// Record the satisfied request so future hash lookups do not depend
		// on the file staying at this destination.
		if existing.Hash != "" {
			if err := s.history.Add(&model.DownloadHistory{
				TaskID:      task.ID,
				FileName:    task.FileName,
				Directory:   task.Directory,
				URL:         task.URL,
				Source:      task.Source,
				Hash:        existing.Hash,
				HashAlgo:    task.HashAlgo,
				SizeBytes:   existing.Size,
				CompletedAt: now,
			}); err != nil {
				log.Printf("scheduler: record history for %s: %v", task.ID, err)
			}
		}
		log.Printf("download satisfied by existing file: %s", existing.Path)
		return task, nil
	}

	if err := s.queue.Create(task); err != nil {
		return nil, err
	}
	s.tracker.SetStatus(task.ID, task.FileName, model.StatusQueued, 0, task.BytesTotal, "")
	s.notify()
	return task, nil
}

// Pause requests a pause. Active tasks are signalled and flip to paused at
// the next chunk boundary; queued tasks pause immediately. Anything else is
// a no-op.
func (s *Scheduler) Pause(id string) (*model.DownloadTask, error) {
	task, err := s.get(id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case model.StatusActive:
		s.mu.Lock()
		if h, ok := s.running[id]; ok {
			h.pause.Store(true)
		}
		s.mu.Unlock()
	case model.StatusQueued:
		s.transition(task, []string{model.StatusQueued}, model.StatusPaused, nil)
	}
	return s.get(id)
}

// Resume requeues a paused task. An errored task may also be resumed, which
// resets its attempt budget.
func (s *Scheduler) Resume(id string) (*model.DownloadTask, error) {
	task, err := s.get(id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case model.StatusPaused:
		s.transition(task, []string{model.StatusPaused}, model.StatusQueued, map[string]interface{}{
			"next_retry_at": nil,
		})
		s.notify()
	case model.StatusError:
		s.transition(task, []string{model.StatusError}, model.StatusQueued, map[string]interface{}{
			"next_retry_at": nil,
			"error_msg":     "",
			"attempt_count": 0,
			"finished_at":   nil,
		})
		s.notify()
	}
	return s.get(id)
}

// Cancel is idempotent: terminal tasks are left alone, queued or paused
// tasks transition directly, and active tasks are signalled so the worker
// can abort and clean up the partial file.
func (s *Scheduler) Cancel(id string) (*model.DownloadTask, error) {
	task, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if task.Terminal() {
		return task, nil
	}

	s.mu.Lock()
	h, running := s.running[id]
	s.mu.Unlock()
	if running {
		h.cancelled.Store(true)
		h.cancel()
		return s.get(id)
	}

	now := time.Now()
	s.transition(task, []string{model.StatusQueued, model.StatusPaused, model.StatusError}, model.StatusCancelled, map[string]interface{}{
		"finished_at": &now,
	})
	s.removePartial(task)
	s.tracker.Forget(id)
	return s.get(id)
}

// SetLimit resizes the worker pool. The new limit applies to future
// admissions; in-flight transfers are not interrupted.
func (s *Scheduler) SetLimit(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
	s.notify()
	return nil
}

// Limit returns the current concurrency limit.
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// List returns all task records.
func (s *Scheduler) List() ([]model.DownloadTask, error) {
	return s.queue.List()
}

// Get returns one task record.
func (s *Scheduler) Get(id string) (*model.DownloadTask, error) {
	return s.get(id)
}

// Remove deletes a terminal task record.
func (s *Scheduler) Remove(id string) error {
	removed, err := s.queue.Delete(id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrUnknownTask
	}
	s.tracker.Forget(id)
	return nil
}

// ClearFinished prunes all terminal task records.
func (s *Scheduler) ClearFinished() (int64, error) {
	return s.queue.PruneTerminal()
}

func (s *Scheduler) get(id string) (*model.DownloadTask, error) {
	task, err := s.queue.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownTask
	}
	return task, err
}

func (s *Scheduler) removePartial(task *model.DownloadTask) {
	finalPath, err := utils.ValidateDownloadPath(s.modelsRoot, task.Directory, task.FileName)
	if err != nil {
		return
	}
	if err := os.Remove(transfer.PartPath(finalPath)); err != nil && !os.IsNotExist(err) {
		log.Printf("scheduler: remove partial for %s: %v", task.ID, err)
	}
}

func shouldRetry(err error) bool {
	var mismatch *integrity.MismatchError
	if errors.As(err, &mismatch) {
		return false
	}
	var statusErr *transfer.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	var transportErr *transfer.TransportError
	return errors.As(err, &transportErr)
}

func pickRetryDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[index]
}

func normalizeAlgo(algo string) string {
	algo = strings.ToLower(strings.TrimSpace(algo))
	if algo == "" {
		return integrity.AlgoSHA256
	}
	return algo
}

func inferFileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	base := strings.TrimSpace(path.Base(parsed.Path))
	if base == "" || base == "." || base == "/" {
		return ""
	}
	return utils.SanitizeFilename(base)
}
