// Package orchestrator implements C9, the DownloadOrchestrator: the
// per-download state machine that probes a source, plans segments,
// dispatches SegmentFetchers, handles per-segment mirror failover,
// verifies the result, and finalizes the file on disk.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/segfetch/segfetch/internal/apperr"
	"github.com/segfetch/segfetch/internal/checksum"
	"github.com/segfetch/segfetch/internal/config"
	"github.com/segfetch/segfetch/internal/fetcher"
	"github.com/segfetch/segfetch/internal/httppool"
	"github.com/segfetch/segfetch/internal/idgen"
	"github.com/segfetch/segfetch/internal/logging"
	"github.com/segfetch/segfetch/internal/mirror"
	"github.com/segfetch/segfetch/internal/model"
	"github.com/segfetch/segfetch/internal/progress"
	"github.com/segfetch/segfetch/internal/ratelimit"
	"github.com/segfetch/segfetch/internal/retry"
)

// maxFailoverAttemptsPerSegment bounds how many times one segment may
// ask the MirrorRegistry for a new source before it is given up on.
const maxFailoverAttemptsPerSegment = 3

// Persistence is the slice of PersistenceStore (C8) the orchestrator needs.
type Persistence interface {
	mirror.Store
	UpdateDownloadStarted(ctx context.Context, id string, startedAt time.Time) error
	UpdateDownloadTotalBytes(ctx context.Context, id string, total int64) error
	UpdateDownloadStatus(ctx context.Context, id string, status model.DownloadStatus, errMsg string) error
	CompleteDownload(ctx context.Context, id string, completedAt time.Time) error
	UpsertSegment(ctx context.Context, seg model.Segment) error
	PauseDownload(ctx context.Context, downloadID string, segments []model.Segment) error
	InsertMirrors(ctx context.Context, mirrors []model.Mirror) error
}

// Orchestrator builds and drives Sessions; it holds only shared,
// stateless collaborators. Per-download mutable state lives in Session.
type Orchestrator struct {
	cfg      *config.Config
	store    Persistence
	pool     *httppool.Pool
	registry *mirror.Registry
	global   *ratelimit.GlobalLimiter
	tempDir  string
}

// New creates an Orchestrator.
func New(cfg *config.Config, st Persistence, pool *httppool.Pool, registry *mirror.Registry, global *ratelimit.GlobalLimiter, tempDir string) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, pool: pool, registry: registry, global: global, tempDir: tempDir}
}

// Session is one download's live, in-memory run. The scheduler owns its
// lifecycle: Start, then Pause/Resume/Cancel as requested, then discard
// once Wait returns.
type Session struct {
	orch *Orchestrator

	mu             sync.Mutex
	download       model.Download
	segments       []model.Segment
	mirrors        []model.Mirror
	rangeSupported bool
	bucket         *ratelimit.Bucket
	stream         *progress.Stream
	flock          *flock.Flock
	file           *os.File

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// TempPath returns the pre-allocated part file's location.
func (s *Session) TempPath() string {
	return filepath.Join(s.orch.tempDir, s.download.ID+".tmp")
}

// Progress subscribes to this session's progress stream.
func (s *Session) Progress() <-chan model.Progress {
	return s.stream.Subscribe()
}

// Snapshot returns the session's current in-memory download/segment state.
func (s *Session) Snapshot() (model.Download, []model.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := make([]model.Segment, len(s.segments))
	copy(segs, s.segments)
	return s.download, segs
}

// Start admits d and runs its full state machine in a background
// goroutine: Probe, Plan, mirror bootstrap, pre-allocate, dispatch,
// join, verify, finalize. mirrorURLs may be empty.
func (o *Orchestrator) Start(ctx context.Context, d model.Download, mirrorURLs []string) (*Session, error) {
	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		orch:     o,
		download: d,
		bucket:   ratelimit.New(d.SpeedLimit),
		stream:   progress.NewStream(d.ID, d.TotalBytes),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	for _, u := range mirrorURLs {
		s.mirrors = append(s.mirrors, model.Mirror{ID: idgen.New(), DownloadID: d.ID, URL: u, Healthy: true})
	}

	d.Status = model.StatusDownloading
	d.StartedAt = time.Now()
	if err := o.store.UpdateDownloadStarted(ctx, d.ID, d.StartedAt); err != nil {
		cancel()
		return nil, err
	}
	if len(s.mirrors) > 0 {
		if err := o.store.InsertMirrors(ctx, s.mirrors); err != nil {
			cancel()
			return nil, err
		}
	}

	go s.run(runCtx)
	return s, nil
}

// Resume re-admits a Paused download whose segments were persisted by a
// prior Pause or a crash. It re-verifies range support before resuming
// any segment that has partial progress, per spec's no-silent-restart rule.
func (o *Orchestrator) Resume(ctx context.Context, d model.Download, segments []model.Segment, mirrors []model.Mirror) (*Session, error) {
	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		orch:     o,
		download: d,
		segments: segments,
		mirrors:  mirrors,
		bucket:   ratelimit.New(d.SpeedLimit),
		stream:   progress.NewStream(d.ID, d.TotalBytes),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	hasPartial := false
	for _, seg := range segments {
		if seg.DownloadedBytes > 0 && !seg.Complete() {
			hasPartial = true
			break
		}
	}
	if hasPartial {
		supports, err := o.pool.SupportsRange(ctx, d.URL)
		if err != nil || !supports {
			cancel()
			msg := "range support lost; restart required"
			o.store.UpdateDownloadStatus(ctx, d.ID, model.StatusFailed, msg)
			return nil, apperr.ResumeIncapable(msg)
		}
	}

	d.Status = model.StatusDownloading
	if err := o.store.UpdateDownloadStarted(ctx, d.ID, d.StartedAt); err != nil {
		cancel()
		return nil, err
	}

	go s.resumeRun(runCtx)
	return s, nil
}

// Pause cancels all in-flight segment fetches, waits for them to settle
// at their current byte offsets, and persists every segment's
// downloaded_bytes plus the download's Paused status in one transaction.
func (s *Session) Pause(ctx context.Context) error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Sync()
	}
	if s.flock != nil {
		s.flock.Unlock()
	}

	return s.orch.store.PauseDownload(ctx, s.download.ID, s.segments)
}

// Cancel aborts the session immediately, marks it Cancelled, and
// best-effort deletes the temp file.
func (s *Session) Cancel(ctx context.Context) error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	if s.flock != nil {
		s.flock.Unlock()
	}
	s.mu.Unlock()

	os.Remove(s.TempPath())
	return s.orch.store.UpdateDownloadStatus(ctx, s.download.ID, model.StatusCancelled, "")
}

// Wait blocks until the session reaches a terminal state and returns
// the terminal error, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.runErr
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.stream.Close()

	log := logging.Get()

	if err := s.probe(ctx); err != nil {
		s.fail(ctx, err)
		return
	}

	s.plan()

	if len(s.mirrors) > 0 {
		ranked, err := s.orch.registry.Probe(ctx, s.mirrors)
		if err != nil {
			log.Warn("mirror probe failed for %s: %v", s.download.ID, err)
		} else {
			s.mirrors = ranked
			s.segments = s.orch.registry.Assign(s.mirrors, s.segments)
		}
	}

	// Persist the plan so Pause and failover have segment rows to update.
	for _, seg := range s.segments {
		if err := s.orch.store.UpsertSegment(ctx, seg); err != nil {
			s.fail(ctx, err)
			return
		}
	}

	if err := s.preallocate(); err != nil {
		s.fail(ctx, err)
		return
	}
	defer s.closeFile()

	s.dispatchAndFinish(ctx)
}

func (s *Session) resumeRun(ctx context.Context) {
	defer close(s.done)
	defer s.stream.Close()

	if err := s.preallocate(); err != nil {
		s.fail(ctx, err)
		return
	}
	defer s.closeFile()

	s.dispatchAndFinish(ctx)
}

// probe issues a HEAD (falling back to a zero-length ranged GET) to
// learn total size and whether byte ranges are supported.
func (s *Session) probe(ctx context.Context) error {
	client, err := s.orch.pool.ClientFor(s.download.URL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.download.URL, nil)
	if err != nil {
		return apperr.LocalIO("orchestrator: build probe request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperr.TransientNetwork("orchestrator: probe failed", err)
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	rangeSupported := resp.Header.Get("Accept-Ranges") == "bytes"

	if total <= 0 {
		// Some servers omit Content-Length on HEAD; fall back to a
		// zero-byte ranged GET and read the total from Content-Range.
		getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.download.URL, nil)
		if err != nil {
			return apperr.LocalIO("orchestrator: build ranged probe request", err)
		}
		getReq.Header.Set("Range", "bytes=0-0")
		getResp, err := client.Do(getReq)
		if err != nil {
			return apperr.TransientNetwork("orchestrator: ranged probe failed", err)
		}
		getResp.Body.Close()
		var n int64
		if _, err := fmt.Sscanf(getResp.Header.Get("Content-Range"), "bytes 0-0/%d", &n); err == nil {
			total, rangeSupported = n, getResp.StatusCode == http.StatusPartialContent
		}
	}

	s.mu.Lock()
	s.download.TotalBytes = total
	s.rangeSupported = rangeSupported
	s.mu.Unlock()
	s.stream.SetTotalBytes(total)

	return s.orch.store.UpdateDownloadTotalBytes(ctx, s.download.ID, total)
}

// plan splits the download into equal segments when the server supports
// ranges and the file exceeds the minimum segment size; otherwise it
// plans a single segment. Existing (resumed) segments are left as is.
func (s *Session) plan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.segments) > 0 {
		return
	}

	total := s.download.TotalBytes
	n := s.orch.cfg.SegmentsPerDownload
	if !s.rangeSupported || total <= 0 || total <= s.orch.cfg.MinSegmentSize || n < 2 {
		n = 1
	}

	segSize := total / int64(n)
	segments := make([]model.Segment, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		end := start + segSize - 1
		if i == n-1 {
			end = total - 1
		}
		segments = append(segments, model.Segment{
			ID:         idgen.New(),
			DownloadID: s.download.ID,
			Index:      i,
			Start:      start,
			End:        end,
			Status:     model.SegmentPending,
		})
		start = end + 1
	}
	s.segments = segments
}

func (s *Session) preallocate() error {
	path := s.TempPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return apperr.LocalIO(fmt.Sprintf("orchestrator: open temp file %s", path), err)
	}

	s.mu.Lock()
	total := s.download.TotalBytes
	s.mu.Unlock()
	if total > 0 {
		if err := f.Truncate(total); err != nil {
			f.Close()
			return apperr.LocalIO("orchestrator: pre-allocate temp file", err)
		}
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil || !locked {
		f.Close()
		return apperr.LocalIO(fmt.Sprintf("orchestrator: download %s already owned by another process", s.download.ID), err)
	}

	s.mu.Lock()
	s.file = f
	s.flock = fl
	s.mu.Unlock()
	return nil
}

func (s *Session) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
	}
}

// dispatchAndFinish runs every incomplete segment to completion (with
// mirror failover), joins them, and on success verifies and finalizes.
func (s *Session) dispatchAndFinish(ctx context.Context) {
	if err := s.dispatch(ctx); err != nil {
		s.fail(ctx, err)
		return
	}

	if err := s.verify(); err != nil {
		s.fail(ctx, err)
		return
	}

	if err := s.finalize(ctx); err != nil {
		s.fail(ctx, err)
	}
}

func (s *Session) dispatch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.orch.cfg.SegmentsPerDownload)

	s.mu.Lock()
	indices := make([]int, 0, len(s.segments))
	for i, seg := range s.segments {
		if !seg.Complete() {
			indices = append(indices, i)
		}
	}
	s.mu.Unlock()

	for _, idx := range indices {
		idx := idx
		g.Go(func() error {
			return s.runSegment(gctx, idx)
		})
	}

	go s.publishProgressUntil(ctx, g)

	return g.Wait()
}

// publishProgressUntil periodically aggregates segment state into the
// stream until ctx is cancelled or every segment goroutine has returned.
func (s *Session) publishProgressUntil(ctx context.Context, g *errgroup.Group) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	waitDone := make(chan struct{})
	go func() { g.Wait(); close(waitDone) }()

	for {
		select {
		case <-ticker.C:
			s.publish()
		case <-ctx.Done():
			return
		case <-waitDone:
			s.publish()
			return
		}
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	var total int64
	segProgress := make([]model.SegmentProgress, len(s.segments))
	for i, seg := range s.segments {
		total += seg.DownloadedBytes
		pct := 0.0
		if seg.Length() > 0 {
			pct = float64(seg.DownloadedBytes) / float64(seg.Length()) * 100
		}
		segProgress[i] = model.SegmentProgress{
			Index: seg.Index, Start: seg.Start, End: seg.End,
			Downloaded: seg.DownloadedBytes, Percent: pct, Status: seg.Status.String(),
		}
	}
	s.download.DownloadedBytes = total
	s.mu.Unlock()

	s.stream.Publish(total, segProgress)
}

// runSegment fetches a single segment, retrying transient failures and
// asking the MirrorRegistry for a new source on repeated failure.
func (s *Session) runSegment(ctx context.Context, idx int) error {
	log := logging.Get()
	policy := retry.New(retry.Config{
		MaxAttempts: s.orch.cfg.RetryAttempts, BaseDelay: s.orch.cfg.RetryBaseDelay,
		MaxDelay: s.orch.cfg.RetryMaxDelay, Multiplier: s.orch.cfg.RetryMultiplier, JitterPercent: 0.1,
	})

	for failovers := 0; ; {
		seg := s.segmentAt(idx)
		url := s.download.URL
		if seg.MirrorURL != "" {
			url = seg.MirrorURL
		}

		client, err := s.orch.pool.ClientFor(url)
		if err != nil {
			s.markSegmentFailed(idx, err.Error())
			return err
		}
		f := fetcher.New(client, s.orch.global)

		s.setSegmentStatus(idx, model.SegmentDownloading)
		runErr := policy.Execute(ctx, func(attempt int) error {
			seg := s.segmentAt(idx)
			d := fetcher.Descriptor{URL: url, Start: seg.Start, End: seg.End, Resume: seg.DownloadedBytes, Headers: s.headersFor()}
			return f.Fetch(ctx, d, s.fileHandle(), s.bucket, func(downloaded int64) {
				s.updateSegmentProgress(idx, downloaded)
			})
		})

		if runErr == nil {
			s.setSegmentStatus(idx, model.SegmentCompleted)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failovers++
		if failovers > maxFailoverAttemptsPerSegment || len(s.mirrors) == 0 {
			s.markSegmentFailed(idx, runErr.Error())
			return runErr
		}

		seg = s.segmentAt(idx)
		newSeg, reassigned, ferr := s.orch.registry.HandleFailure(ctx, seg, s.snapshotMirrors(), runErr.Error())
		if ferr != nil {
			log.Warn("failover bookkeeping failed for segment %d: %v", idx, ferr)
		}
		if !reassigned {
			s.markSegmentFailed(idx, runErr.Error())
			return runErr
		}
		s.setSegment(idx, newSeg)
	}
}

func (s *Session) headersFor() map[string]string {
	h := map[string]string{}
	if s.download.Referrer != "" {
		h["Referer"] = s.download.Referrer
	}
	if s.download.UserAgent != "" {
		h["User-Agent"] = s.download.UserAgent
	}
	return h
}

func (s *Session) segmentAt(idx int) model.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments[idx]
}

func (s *Session) setSegment(idx int, seg model.Segment) {
	s.mu.Lock()
	s.segments[idx] = seg
	s.mu.Unlock()
}

func (s *Session) setSegmentStatus(idx int, status model.SegmentStatus) {
	s.mu.Lock()
	s.segments[idx].Status = status
	s.mu.Unlock()
}

func (s *Session) markSegmentFailed(idx int, msg string) {
	s.mu.Lock()
	s.segments[idx].Status = model.SegmentFailed
	s.segments[idx].LastError = msg
	s.mu.Unlock()
}

func (s *Session) updateSegmentProgress(idx int, downloaded int64) {
	s.mu.Lock()
	s.segments[idx].DownloadedBytes = downloaded
	s.mu.Unlock()
}

func (s *Session) fileHandle() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func (s *Session) snapshotMirrors() []model.Mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Mirror, len(s.mirrors))
	copy(out, s.mirrors)
	return out
}

func (s *Session) verify() error {
	if s.download.Checksum == "" {
		return nil
	}
	ok, err := checksum.Validate(s.TempPath(), s.download.Checksum, s.download.ChecksumAlgo)
	if err != nil {
		return apperr.LocalIO("orchestrator: verify checksum", err)
	}
	if !ok {
		return apperr.Integrity(fmt.Sprintf("checksum mismatch for download %s", s.download.ID))
	}
	return nil
}

func (s *Session) finalize(ctx context.Context) error {
	s.closeFile()

	dest := filepath.Join(s.download.Directory, s.download.Filename)
	if err := os.MkdirAll(s.download.Directory, 0755); err != nil {
		return apperr.LocalIO("orchestrator: create destination directory", err)
	}
	if err := os.Rename(s.TempPath(), dest); err != nil {
		return apperr.LocalIO("orchestrator: finalize rename", err)
	}

	if s.flock != nil {
		s.flock.Unlock()
	}

	now := time.Now()
	s.mu.Lock()
	s.download.Status = model.StatusCompleted
	s.download.CompletedAt = now
	s.mu.Unlock()

	return s.orch.store.CompleteDownload(ctx, s.download.ID, now)
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.download.Status = model.StatusFailed
	s.runErr = err
	s.mu.Unlock()

	logging.Get().Error("download %s failed: %v", s.download.ID, err)
	s.orch.store.UpdateDownloadStatus(ctx, s.download.ID, model.StatusFailed, err.Error())
}
