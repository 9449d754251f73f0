package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is the externally visible progress of one task.
type Snapshot struct {
	ID               string   `json:"id"`
	FileName         string   `json:"file_name"`
	Status           string   `json:"status"`
	BytesTransferred int64    `json:"bytes_transferred"`
	BytesTotal       int64    `json:"bytes_total"`
	Percent          float64  `json:"percent"`
	SpeedBps         float64  `json:"speed_bps"`
	Speed            string   `json:"speed"`
	EtaSeconds       *float64 `json:"eta_seconds"`
	Error            string   `json:"error,omitempty"`
	Warning          string   `json:"warning,omitempty"`
}

type sample struct {
	at    time.Time
	bytes int64
}

type taskState struct {
	fileName string
	status   string
	errMsg   string
	warning  string
	done     int64
	total    int64
	samples  []sample
	lastEmit time.Time
}

// Tracker aggregates live per-task metrics and fans them out to
// subscribers. Speed comes from a short sliding window of chunk samples,
// not a lifetime average.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	buffer  int
	tasks   map[string]*taskState
	subs    map[int]chan Snapshot
	nextSub int
}

func NewTracker(window time.Duration, buffer int) *Tracker {
	if window <= 0 {
		window = 5 * time.Second
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Tracker{
		window: window,
		buffer: buffer,
		tasks:  make(map[string]*taskState),
		subs:   make(map[int]chan Snapshot),
	}
}

// SetStatus registers or updates a task and broadcasts the change.
func (t *Tracker) SetStatus(id, fileName, status string, done, total int64, errMsg string) {
	t.mu.Lock()
	st := t.ensure(id)
	if fileName != "" {
		st.fileName = fileName
	}
	st.status = status
	st.errMsg = errMsg
	if done >= 0 {
		st.done = done
	}
	if total > 0 {
		st.total = total
	}
	st.samples = append(st.samples[:0], sample{at: time.Now(), bytes: st.done})
	snap := t.snapshotLocked(id, st)
	t.mu.Unlock()
	t.broadcast(snap)
}

// Warn attaches a non-fatal warning (e.g. insufficient disk space) without
// changing status.
func (t *Tracker) Warn(id, warning string) {
	t.mu.Lock()
	st := t.ensure(id)
	if st.warning == warning {
		t.mu.Unlock()
		return
	}
	st.warning = warning
	snap := t.snapshotLocked(id, st)
	t.mu.Unlock()
	t.broadcast(snap)
}

// Observe records transferred bytes for a running task. Broadcasts are
// coalesced so a hot chunk loop does not flood subscribers.
func (t *Tracker) Observe(id string, done, total int64) {
	t.mu.Lock()
	st := t.ensure(id)
	st.done = done
	if total > 0 {
		st.total = total
	}
	now := time.Now()
	st.samples = append(st.samples, sample{at: now, bytes: done})
	t.trimLocked(st, now)

	emit := now.Sub(st.lastEmit) >= 500*time.Millisecond
	var snap Snapshot
	if emit {
		st.lastEmit = now
		snap = t.snapshotLocked(id, st)
	}
	t.mu.Unlock()
	if emit {
		t.broadcast(snap)
	}
}

// Report returns the live snapshot for id.
func (t *Tracker) Report(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(id, st), true
}

// ReportAll returns snapshots for every tracked task.
func (t *Tracker) ReportAll() map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Snapshot, len(t.tasks))
	for id, st := range t.tasks {
		out[id] = t.snapshotLocked(id, st)
	}
	return out
}

// Forget drops live state for a task, typically after a terminal status has
// been broadcast.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.tasks, id)
	t.mu.Unlock()
}

// Subscribe returns a channel of snapshots and a cancel function. Slow
// subscribers lose events instead of blocking the transfer path.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan Snapshot, t.buffer)
	t.subs[id] = ch
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) ensure(id string) *taskState {
	st, ok := t.tasks[id]
	if !ok {
		st = &taskState{}
		t.tasks[id] = st
	}
	return st
}

func (t *Tracker) trimLocked(st *taskState, now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(st.samples)-1 && st.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.samples = st.samples[i:]
	}
}

func (t *Tracker) snapshotLocked(id string, st *taskState) Snapshot {
	snap := Snapshot{
		ID:               id,
		FileName:         st.fileName,
		Status:           st.status,
		BytesTransferred: st.done,
		BytesTotal:       st.total,
		Error:            st.errMsg,
		Warning:          st.warning,
	}
	if st.total > 0 {
		snap.Percent = float64(st.done) / float64(st.total) * 100
	}
	if len(st.samples) >= 2 {
		first := st.samples[0]
		last := st.samples[len(st.samples)-1]
		elapsed := last.at.Sub(first.at).Seconds()
		if elapsed > 0 && last.bytes > first.bytes {
			snap.SpeedBps = float64(last.bytes-first.bytes) / elapsed
		}
	}
	snap.Speed = humanize.Bytes(uint64(snap.SpeedBps)) + "/s"
	if snap.SpeedBps > 0 && st.total > 0 && st.done < st.total {
		eta := float64(st.total-st.done) / snap.SpeedBps
		snap.EtaSeconds = &eta
	}
	return snap
}

func (t *Tracker) broadcast(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
