// Package scheduler implements C10, EngineScheduler: the operational
// surface (submit/pause/resume/cancel/status/observe) over a bounded
// pool of concurrently running Sessions, with a priority queue for
// admission and a startup recovery pass.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segfetch/segfetch/internal/apperr"
	"github.com/segfetch/segfetch/internal/config"
	"github.com/segfetch/segfetch/internal/idgen"
	"github.com/segfetch/segfetch/internal/logging"
	"github.com/segfetch/segfetch/internal/model"
	"github.com/segfetch/segfetch/internal/orchestrator"
)

// Persistence is the slice of PersistenceStore the scheduler needs at
// the engine-wide level, beyond what Orchestrator already requires.
type Persistence interface {
	InsertDownload(ctx context.Context, d model.Download) error
	GetIncompleteDownloads(ctx context.Context) ([]model.Download, error)
	GetDownload(ctx context.Context, id string) (model.Download, []model.Segment, []model.Mirror, error)
	DemoteDownloadingToPaused(ctx context.Context) error
}

// pendingItem is one queued admission request, ordered by priority then
// FIFO arrival (sequence) on ties.
type pendingItem struct {
	download model.Download
	mirrors  []string
	sequence int64
}

type pendingQueue []*pendingItem

func (q pendingQueue) Len() int { return len(q) }
func (q pendingQueue) Less(i, j int) bool {
	if q[i].download.Priority != q[j].download.Priority {
		return q[i].download.Priority > q[j].download.Priority // higher priority first
	}
	return q[i].sequence < q[j].sequence
}
func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x interface{}) { *q = append(*q, x.(*pendingItem)) }
func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler admits, runs, and tracks downloads within a concurrency cap.
type Scheduler struct {
	cfg   *config.Config
	store Persistence
	orch  *orchestrator.Orchestrator

	mu       sync.Mutex
	queue    pendingQueue
	sequence int64
	running  map[string]*orchestrator.Session
	slots    chan struct{}
}

// New creates a Scheduler with a fixed concurrency cap per cfg.MaxConcurrent.
func New(cfg *config.Config, st Persistence, orch *orchestrator.Orchestrator) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		store:   st,
		orch:    orch,
		running: make(map[string]*orchestrator.Session),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
	}
	heap.Init(&s.queue)
	return s
}

// Recover runs the startup recovery pass: any download left Downloading
// by an unclean shutdown is demoted to Paused so it is never silently
// resumed without a caller's explicit Resume.
func (s *Scheduler) Recover(ctx context.Context) error {
	return s.store.DemoteDownloadingToPaused(ctx)
}

// Submit admits a new download request, persists it, and enqueues it
// for dispatch as soon as a concurrency slot is free.
func (s *Scheduler) Submit(ctx context.Context, req model.Request) (string, error) {
	if req.URL == "" {
		return "", apperr.NewValidationError("url", "must not be empty")
	}

	d := model.Download{
		ID: idgen.New(), URL: req.URL, Filename: req.Filename, Directory: req.Directory,
		Category: req.Category, Checksum: req.Checksum, ChecksumAlgo: req.ChecksumAlgo,
		Referrer: req.Referrer, UserAgent: req.UserAgent, SpeedLimit: req.SpeedLimit,
		Priority: req.Priority, Status: model.StatusPending, CreatedAt: time.Now(),
	}
	if d.Filename == "" {
		d.Filename = d.ID
	}

	if err := s.store.InsertDownload(ctx, d); err != nil {
		return "", err
	}

	s.enqueue(d, req.MirrorURLs)
	return d.ID, nil
}

func (s *Scheduler) enqueue(d model.Download, mirrors []string) {
	s.mu.Lock()
	s.sequence++
	heap.Push(&s.queue, &pendingItem{download: d, mirrors: mirrors, sequence: s.sequence})
	s.mu.Unlock()

	go s.tryDispatch(context.Background())
}

// tryDispatch pulls the highest-priority queued item once a slot is
// available, blocking (in its own goroutine) until one is.
func (s *Scheduler) tryDispatch(ctx context.Context) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		<-s.slots
		return
	}
	item := heap.Pop(&s.queue).(*pendingItem)
	s.mu.Unlock()

	sess, err := s.orch.Start(context.Background(), item.download, item.mirrors)
	if err != nil {
		logging.Get().Error("failed to start download %s: %v", item.download.ID, err)
		<-s.slots
		return
	}

	s.mu.Lock()
	s.running[item.download.ID] = sess
	s.mu.Unlock()

	go func() {
		sess.Wait()
		<-s.slots
		s.mu.Lock()
		delete(s.running, item.download.ID)
		s.mu.Unlock()
		go s.tryDispatch(context.Background())
	}()
}

// Pause stops a running download's in-flight fetches and persists its
// partial progress.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	sess, ok := s.sessionFor(id)
	if !ok {
		return fmt.Errorf("scheduler: no running session for %s", id)
	}
	return sess.Pause(ctx)
}

// Resume re-admits a Paused (or crash-recovered) download from its
// persisted segment state.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	d, segments, mirrors, err := s.store.GetDownload(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != model.StatusPaused && d.Status != model.StatusFailed {
		return fmt.Errorf("scheduler: download %s is not resumable from status %s", id, d.Status)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	sess, err := s.orch.Resume(ctx, d, segments, mirrors)
	if err != nil {
		<-s.slots
		return err
	}

	s.mu.Lock()
	s.running[id] = sess
	s.mu.Unlock()

	go func() {
		sess.Wait()
		<-s.slots
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		go s.tryDispatch(context.Background())
	}()

	return nil
}

// Cancel aborts a running download and marks it Cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	sess, ok := s.sessionFor(id)
	if !ok {
		return fmt.Errorf("scheduler: no running session for %s", id)
	}
	return sess.Cancel(ctx)
}

// Status returns the current snapshot of a download, live if running,
// otherwise from persistence.
func (s *Scheduler) Status(ctx context.Context, id string) (model.Download, []model.Segment, error) {
	if sess, ok := s.sessionFor(id); ok {
		d, segs := sess.Snapshot()
		return d, segs, nil
	}
	d, segs, _, err := s.store.GetDownload(ctx, id)
	return d, segs, err
}

// Observe returns a live progress stream for a running download.
func (s *Scheduler) Observe(id string) (<-chan model.Progress, error) {
	sess, ok := s.sessionFor(id)
	if !ok {
		return nil, fmt.Errorf("scheduler: no running session for %s", id)
	}
	return sess.Progress(), nil
}

func (s *Scheduler) sessionFor(id string) (*orchestrator.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.running[id]
	return sess, ok
}
