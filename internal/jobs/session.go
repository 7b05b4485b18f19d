package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the externally visible state of a streaming session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can leave this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// TotalPagesUnknown marks a session whose page count has not been
// determined yet. Distinct from 0, which would mean an empty document.
const TotalPagesUnknown = -1

var (
	// ErrNotFound is returned for unknown or already evicted session ids.
	ErrNotFound = errors.New("session not found")
	// ErrNotReady is returned when a download is requested before the
	// session reached StatusComplete.
	ErrNotReady = errors.New("session result not ready")
)

// Releaser frees scratch resources owned by a session.
type Releaser interface {
	Release() error
}

// Session tracks one streaming job for polling clients. All fields are
// guarded by a single mutex so a reader can never observe a torn update
// (e.g. last page advanced but status stale).
type Session struct {
	ID       string
	Filename string
	Size     int64

	mu         sync.Mutex
	status     Status
	totalPages int
	lastPage   int
	errMsg     string
	outputPath string
	scratch    Releaser
	cancel     context.CancelFunc
	createdAt  time.Time
	updatedAt  time.Time
	startedAt  time.Time
}

// Snapshot is an atomic, read-only view of a session.
type Snapshot struct {
	ID                 string
	Filename           string
	Status             Status
	TotalPages         int // TotalPagesUnknown until rasterization reports a count
	LastPage           int
	Error              string
	HasOutput          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	EstimatedRemaining time.Duration // 0 when not computable
}

// Percentage returns completion in [0,100], or -1 while the page count
// is unknown.
func (s Snapshot) Percentage() float64 {
	if s.Status == StatusComplete {
		return 100
	}
	if s.TotalPages <= 0 {
		return -1
	}
	return float64(s.LastPage) / float64(s.TotalPages) * 100
}

// Snapshot captures the session state under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.ID,
		Filename:   s.Filename,
		Status:     s.status,
		TotalPages: s.totalPages,
		LastPage:   s.lastPage,
		Error:      s.errMsg,
		HasOutput:  s.outputPath != "",
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if s.status == StatusRunning && s.lastPage > 0 && s.totalPages > s.lastPage && !s.startedAt.IsZero() {
		perPage := time.Since(s.startedAt) / time.Duration(s.lastPage)
		snap.EstimatedRemaining = perPage * time.Duration(s.totalPages-s.lastPage)
	}
	return snap
}

// Registry is the in-memory store for streaming sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session in StatusPending with an unguessable id.
func (r *Registry) Create(filename string, size int64) *Session {
	now := time.Now()
	sess := &Session{
		ID:         uuid.New().String(),
		Filename:   filename,
		Size:       size,
		status:     StatusPending,
		totalPages: TotalPagesUnknown,
		createdAt:  now,
		updatedAt:  now,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	slog.Info("session created", "session_id", sess.ID, "filename", filename, "size", size)
	return sess
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// AttachCancel stores the cancel function for the session's background
// execution. Only the orchestrator calls this.
func (r *Registry) AttachCancel(id string, cancel context.CancelFunc) {
	sess, ok := r.Get(id)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.cancel = cancel
	// A cancel request may have arrived before the execution started.
	alreadyCancelled := sess.status == StatusCancelled
	sess.mu.Unlock()
	if alreadyCancelled {
		cancel()
	}
}

// UpdateProgress publishes page completion into the session. lastPage is
// monotonic: stale values are ignored. total replaces an unknown page
// count. No-op once the session is terminal.
func (r *Registry) UpdateProgress(id string, lastPage, total int) {
	sess, ok := r.Get(id)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status.Terminal() {
		return
	}
	if sess.status == StatusPending {
		sess.status = StatusRunning
		sess.startedAt = time.Now()
	}
	if total > 0 && sess.totalPages == TotalPagesUnknown {
		sess.totalPages = total
	}
	if lastPage > sess.lastPage {
		sess.lastPage = lastPage
	}
	sess.updatedAt = time.Now()
}

// MarkComplete transitions the session to StatusComplete and records the
// output location plus the scratch space that backs it. Idempotent: a
// second call, or a call on an already terminal session, changes nothing
// and reports false so the caller can release the resources itself.
func (r *Registry) MarkComplete(id, outputPath string, scratch Releaser) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status.Terminal() {
		return false
	}
	sess.status = StatusComplete
	sess.outputPath = outputPath
	sess.scratch = scratch
	sess.updatedAt = time.Now()
	return true
}

// MarkFailed transitions the session to StatusFailed. Idempotent; no-op
// on terminal sessions.
func (r *Registry) MarkFailed(id string, err error) {
	sess, ok := r.Get(id)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status.Terminal() {
		return
	}
	sess.status = StatusFailed
	if err != nil {
		sess.errMsg = err.Error()
	}
	sess.updatedAt = time.Now()
}

// Cancel requests cooperative cancellation. Valid from Pending and
// Running; the background execution stops at the next page boundary.
// Idempotent: cancelling a terminal session is a no-op and reports
// false, so callers can tell an actual transition from a late request
// against an already finished session.
func (r *Registry) Cancel(id string) (bool, error) {
	sess, ok := r.Get(id)
	if !ok {
		return false, ErrNotFound
	}
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return false, nil
	}
	sess.status = StatusCancelled
	sess.updatedAt = time.Now()
	cancel := sess.cancel
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("session cancelled", "session_id", id)
	return true, nil
}

// Output returns the path of the aggregated result for a complete
// session.
func (r *Registry) Output(id string) (path, filename string, err error) {
	sess, ok := r.Get(id)
	if !ok {
		return "", "", ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status != StatusComplete || sess.outputPath == "" {
		return "", "", ErrNotReady
	}
	return sess.outputPath, sess.Filename, nil
}

// Status returns a snapshot for polling clients. Reads never block on
// in-progress page work.
func (r *Registry) Status(id string) (Snapshot, error) {
	sess, ok := r.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return sess.Snapshot(), nil
}

// Remove evicts a session and releases its scratch resources.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.mu.Lock()
	scratch := sess.scratch
	sess.scratch = nil
	sess.mu.Unlock()

	if scratch != nil {
		if err := scratch.Release(); err != nil {
			slog.Warn("session scratch release failed", "session_id", id, "error", err)
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts terminal sessions idle longer than retention and returns
// how many were removed.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.RLock()
	var stale []string
	for id, sess := range r.sessions {
		sess.mu.Lock()
		if sess.status.Terminal() && sess.updatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		sess.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Remove(id)
	}
	if len(stale) > 0 {
		slog.Info("session sweep", "evicted", len(stale))
	}
	return len(stale)
}

// RunSweeper periodically evicts stale terminal sessions until ctx is
// done.
func (r *Registry) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(retention)
		}
	}
}
