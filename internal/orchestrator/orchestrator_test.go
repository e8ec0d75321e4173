package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/segfetch/segfetch/internal/config"
	"github.com/segfetch/segfetch/internal/httppool"
	"github.com/segfetch/segfetch/internal/idgen"
	"github.com/segfetch/segfetch/internal/mirror"
	"github.com/segfetch/segfetch/internal/model"
	"github.com/segfetch/segfetch/internal/ratelimit"
	"github.com/segfetch/segfetch/internal/store"
)

func rangeServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		if spec == "" || len(parts) != 2 {
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		first, _ := strconv.ParseInt(parts[0], 10, 64)
		last, _ := strconv.ParseInt(parts[1], 10, 64)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, len(body)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[first : last+1])
	}))
}

func testOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "segfetch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pool := httppool.New(cfg, nil, "")
	registry := mirror.New(http.DefaultClient, st, idgen.New)
	global := ratelimit.NewGlobalLimiter(0)
	tempDir := t.TempDir()

	return New(cfg, st, pool, registry, global, tempDir), st, tempDir
}

func TestOrchestrator_HappyPathMultiSegment(t *testing.T) {
	body := make([]byte, 256*1024)
	for i := range body {
		body[i] = byte(i)
	}
	srv := rangeServer(body)
	defer srv.Close()

	cfg := config.Default()
	cfg.SegmentsPerDownload = 4
	cfg.MinSegmentSize = 1 // force multi-segment planning for a small fixture

	orch, st, _ := testOrchestrator(t, cfg)

	destDir := t.TempDir()
	d := model.Download{
		ID: idgen.New(), URL: srv.URL, Filename: "payload.bin", Directory: destDir,
		Status: model.StatusPending, CreatedAt: time.Now(),
	}
	if err := st.InsertDownload(context.Background(), d); err != nil {
		t.Fatalf("insert download: %v", err)
	}

	sess, err := orch.Start(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := sess.Wait(); err != nil {
		t.Fatalf("download did not complete: %v", err)
	}

	final, _, _, err := st.GetDownload(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get download: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected Completed, got %s", final.Status)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "payload.bin"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("expected %d bytes, got %d", len(body), len(got))
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}

func TestOrchestrator_PauseThenResume(t *testing.T) {
	body := make([]byte, 512*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(body)
	defer srv.Close()

	cfg := config.Default()
	cfg.SegmentsPerDownload = 2
	cfg.MinSegmentSize = 1

	orch, st, _ := testOrchestrator(t, cfg)
	destDir := t.TempDir()
	d := model.Download{
		ID: idgen.New(), URL: srv.URL, Filename: "payload.bin", Directory: destDir,
		Status: model.StatusPending, CreatedAt: time.Now(),
	}
	if err := st.InsertDownload(context.Background(), d); err != nil {
		t.Fatalf("insert download: %v", err)
	}

	sess, err := orch.Start(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := sess.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}

	paused, segs, mirrors, err := st.GetDownload(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get download after pause: %v", err)
	}
	if paused.Status != model.StatusPaused {
		t.Fatalf("expected Paused, got %s", paused.Status)
	}

	resumed, err := orch.Resume(context.Background(), paused, segs, mirrors)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := resumed.Wait(); err != nil {
		t.Fatalf("resumed download did not complete: %v", err)
	}

	final, _, _, err := st.GetDownload(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get final download: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected Completed after resume, got %s", final.Status)
	}
}

func TestPlan_SingleSegmentAtExactMinSegmentSizeBoundary(t *testing.T) {
	cfg := config.Default() // SegmentsPerDownload=8, MinSegmentSize=1MiB
	s := &Session{
		orch:           &Orchestrator{cfg: cfg},
		download:       model.Download{TotalBytes: cfg.MinSegmentSize},
		rangeSupported: true,
	}
	s.plan()
	if len(s.segments) != 1 {
		t.Fatalf("expected exactly 1 segment at the MinSegmentSize boundary, got %d", len(s.segments))
	}
}

func TestPlan_SplitsJustAboveMinSegmentSizeBoundary(t *testing.T) {
	cfg := config.Default()
	s := &Session{
		orch:           &Orchestrator{cfg: cfg},
		download:       model.Download{TotalBytes: cfg.MinSegmentSize + 1},
		rangeSupported: true,
	}
	s.plan()
	if len(s.segments) != cfg.SegmentsPerDownload {
		t.Fatalf("expected %d segments just above the boundary, got %d", cfg.SegmentsPerDownload, len(s.segments))
	}
}

func TestPlan_SingleSegmentWhenRangeUnsupported(t *testing.T) {
	cfg := config.Default()
	s := &Session{
		orch:           &Orchestrator{cfg: cfg},
		download:       model.Download{TotalBytes: cfg.MinSegmentSize * 10},
		rangeSupported: false,
	}
	s.plan()
	if len(s.segments) != 1 {
		t.Fatalf("expected 1 segment when range support is absent, got %d", len(s.segments))
	}
}

func TestOrchestrator_ChecksumMismatchFails(t *testing.T) {
	body := []byte("the quick brown fox")
	srv := rangeServer(body)
	defer srv.Close()

	cfg := config.Default()
	orch, st, _ := testOrchestrator(t, cfg)

	destDir := t.TempDir()
	d := model.Download{
		ID: idgen.New(), URL: srv.URL, Filename: "payload.bin", Directory: destDir,
		Checksum: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		ChecksumAlgo: model.ChecksumSHA256, Status: model.StatusPending, CreatedAt: time.Now(),
	}
	if err := st.InsertDownload(context.Background(), d); err != nil {
		t.Fatalf("insert download: %v", err)
	}

	sess, err := orch.Start(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := sess.Wait(); err == nil {
		t.Fatal("expected checksum mismatch to fail the download")
	}

	final, _, _, err := st.GetDownload(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get download: %v", err)
	}
	if final.Status != model.StatusFailed {
		t.Fatalf("expected Failed, got %s", final.Status)
	}
}
