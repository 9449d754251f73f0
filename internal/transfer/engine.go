package transfer

import (
	"ModelVault/config"
	"ModelVault/internal/integrity"
	"ModelVault/internal/progress"
	"ModelVault/internal/store"
	"ModelVault/model"
	"ModelVault/utils"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// PartSuffix is appended to the final name while bytes are in flight, so a
// partially written file is never visible under its final name.
const PartSuffix = ".part"

// ErrPaused signals a cooperative pause; the partial file and checkpoint
// stay intact.
var ErrPaused = errors.New("transfer paused")

// TransportError wraps network-level failures that the scheduler may retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Result describes a finished, verified, published transfer.
type Result struct {
	BytesTotal int64
	Hash       string
	FinalPath  string
}

// Engine performs one transfer attempt per Run call.
type Engine struct {
	client     *http.Client
	queue      *store.Queue
	tracker    *progress.Tracker
	checker    *integrity.Checker
	modelsRoot string

	chunkSize          int
	checkpointInterval time.Duration
	stallTimeout       time.Duration
	maxBytes           int64
}

func NewEngine(queue *store.Queue, tracker *progress.Tracker, checker *integrity.Checker, modelsRoot string) *Engine {
	return &Engine{
		client:             NewHTTPClient(),
		queue:              queue,
		tracker:            tracker,
		checker:            checker,
		modelsRoot:         modelsRoot,
		chunkSize:          config.AppConfig.ChunkSize,
		checkpointInterval: config.AppConfig.CheckpointInterval,
		stallTimeout:       config.AppConfig.StallTimeout,
		maxBytes:           config.AppConfig.DownloadMaxBytes,
	}
}

// Run streams task.URL into <destination>.part, resuming from the durable
// partial file when the source supports ranges, then verifies and atomically
// publishes the file. The caller owns all status transitions; Run only
// checkpoints progress.
func (e *Engine) Run(ctx context.Context, task *model.DownloadTask, paused func() bool) (*Result, error) {
	finalPath, err := utils.ValidateDownloadPath(e.modelsRoot, task.Directory, task.FileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, err
	}
	partPath := finalPath + PartSuffix

	srcURL, err := ValidateSourceURL(task.URL)
	if err != nil {
		return nil, err
	}

	var offset int64
	if info, statErr := os.Stat(partPath); statErr == nil {
		offset = info.Size()
	}
	hadPartial := offset > 0
	if offset > 0 {
		// Resume only when the source supports ranges; otherwise restart
		// from zero. An unresumable source is a documented fallback, not an
		// error.
		info, probeErr := Probe(ctx, e.client, task.URL)
		if probeErr != nil || !info.AcceptsRanges {
			offset = 0
		} else {
			log.Printf("resuming %s from byte %d", task.FileName, offset)
		}
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, authURL(srcURL).String(), nil)
	if err != nil {
		return nil, err
	}
	setAuthHeaders(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	var total int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		// Server ignored the range request; start over.
		offset = 0
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if e.maxBytes > 0 && total > e.maxBytes {
		return nil, fmt.Errorf("content too large: %s exceeds limit %s",
			humanize.Bytes(uint64(total)), humanize.Bytes(uint64(e.maxBytes)))
	}

	// A restart invalidates previously checkpointed progress; without the
	// reset, the monotonic guard would drop every checkpoint until the new
	// transfer passed the old offset.
	if hadPartial && offset == 0 {
		if err := e.queue.ResetProgress(task.ID); err != nil {
			return nil, err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	done := offset
	e.tracker.Observe(task.ID, done, total)
	if err := e.checkpoint(f, task.ID, done, total); err != nil {
		return nil, err
	}

	// Checkpoints are coalesced: fsync plus a store write at most once per
	// interval, so progress durability does not amplify into a write per
	// chunk.
	limiter := rate.NewLimiter(rate.Every(e.checkpointInterval), 1)
	watchdog := time.AfterFunc(e.stallTimeout, cancelReq)
	defer watchdog.Stop()

	buf := make([]byte, e.chunkSize)
	for {
		if ctx.Err() != nil {
			_ = e.checkpoint(f, task.ID, done, total)
			return nil, ctx.Err()
		}
		if paused != nil && paused() {
			if err := e.checkpoint(f, task.ID, done, total); err != nil {
				return nil, err
			}
			return nil, ErrPaused
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(e.stallTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("write partial file: %w", werr)
			}
			done += int64(n)
			if e.maxBytes > 0 && done > e.maxBytes {
				return nil, fmt.Errorf("content too large: stream exceeded limit %s",
					humanize.Bytes(uint64(e.maxBytes)))
			}
			e.tracker.Observe(task.ID, done, total)
			if limiter.Allow() {
				if err := e.checkpoint(f, task.ID, done, total); err != nil {
					return nil, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = e.checkpoint(f, task.ID, done, total)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Covers both mid-stream failures and the stall watchdog firing;
			// the partial file and checkpoint survive for the next attempt.
			return nil, &TransportError{Err: rerr}
		}
	}

	if total > 0 && done != total {
		_ = e.checkpoint(f, task.ID, done, total)
		return nil, &TransportError{Err: fmt.Errorf("short body: got %d of %d bytes", done, total)}
	}
	if total <= 0 {
		total = done
	}
	if err := e.checkpoint(f, task.ID, done, total); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	computed, err := e.checker.Verify(partPath, task.ExpectedHash, task.HashAlgo)
	if err != nil {
		var mismatch *integrity.MismatchError
		if errors.As(err, &mismatch) {
			// Never publish corrupt data.
			_ = os.Remove(partPath)
		}
		return nil, err
	}

	// Atomic publish: the final name only ever points at verified content.
	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return nil, err
	}
	log.Printf("download completed: %s (%s)", task.FileName, humanize.Bytes(uint64(done)))
	return &Result{BytesTotal: total, Hash: computed, FinalPath: finalPath}, nil
}

// checkpoint flushes the partial file before recording the offset, so the
// store can never report more durable progress than is on disk.
func (e *Engine) checkpoint(f *os.File, id string, done, total int64) error {
	if err := f.Sync(); err != nil {
		return err
	}
	return e.queue.Checkpoint(id, done, total, done)
}

// PartPath returns the sibling temp path for a destination.
func PartPath(finalPath string) string {
	return finalPath + PartSuffix
}
