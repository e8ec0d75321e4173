package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/segfetch/segfetch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segfetch.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleDownload(id string) model.Download {
	return model.Download{
		ID: id, URL: "https://example.com/file.bin", Filename: "file.bin", Directory: "/tmp",
		Status: model.StatusPending, ChecksumAlgo: model.ChecksumSHA256, CreatedAt: time.Now(),
	}
}

func TestInsertAndGetDownload(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d := sampleDownload("dl-1")
	require.NoError(t, st.InsertDownload(ctx, d))

	got, segs, mirrors, err := st.GetDownload(ctx, "dl-1")
	require.NoError(t, err)
	require.Equal(t, d.URL, got.URL)
	require.Equal(t, model.StatusPending, got.Status)
	require.Empty(t, segs)
	require.Empty(t, mirrors)
}

func TestGetIncompleteDownloads_FiltersTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	pending := sampleDownload("dl-pending")
	completed := sampleDownload("dl-completed")
	completed.Status = model.StatusCompleted

	require.NoError(t, st.InsertDownload(ctx, pending))
	require.NoError(t, st.InsertDownload(ctx, completed))

	incomplete, err := st.GetIncompleteDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.Equal(t, "dl-pending", incomplete[0].ID)
}

func TestUpsertSegment_InsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d := sampleDownload("dl-seg")
	require.NoError(t, st.InsertDownload(ctx, d))

	seg := model.Segment{ID: "seg-1", DownloadID: d.ID, Index: 0, Start: 0, End: 99, Status: model.SegmentPending}
	require.NoError(t, st.UpsertSegment(ctx, seg))

	seg.DownloadedBytes = 50
	seg.Status = model.SegmentDownloading
	require.NoError(t, st.UpsertSegment(ctx, seg))

	_, segs, _, err := st.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, int64(50), segs[0].DownloadedBytes)
	require.Equal(t, model.SegmentDownloading, segs[0].Status)
}

func TestPauseDownload_PersistsByteCountsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d := sampleDownload("dl-pause")
	require.NoError(t, st.InsertDownload(ctx, d))

	segs := []model.Segment{
		{ID: "s0", DownloadID: d.ID, Index: 0, Start: 0, End: 99, DownloadedBytes: 100, Status: model.SegmentDownloading},
		{ID: "s1", DownloadID: d.ID, Index: 1, Start: 100, End: 199, DownloadedBytes: 40, Status: model.SegmentDownloading},
	}
	for _, s := range segs {
		require.NoError(t, st.UpsertSegment(ctx, s))
	}

	require.NoError(t, st.PauseDownload(ctx, d.ID, segs))

	got, gotSegs, _, err := st.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPaused, got.Status)
	require.Equal(t, int64(140), got.DownloadedBytes)
	require.Equal(t, model.SegmentCompleted, gotSegs[0].Status)
	require.Equal(t, model.SegmentDownloading, gotSegs[1].Status)
}

func TestMirrorAndFailoverLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d := sampleDownload("dl-mirror")
	require.NoError(t, st.InsertDownload(ctx, d))

	mirrors := []model.Mirror{
		{ID: "m0", DownloadID: d.ID, URL: "https://mirror-a/file.bin", Healthy: true},
		{ID: "m1", DownloadID: d.ID, URL: "https://mirror-b/file.bin", Healthy: true},
	}
	require.NoError(t, st.InsertMirrors(ctx, mirrors))

	seg := model.Segment{ID: "seg-m", DownloadID: d.ID, Index: 0, Start: 0, End: 9, Status: model.SegmentFailed,
		AssignedMirrorID: "m0", MirrorURL: mirrors[0].URL}
	require.NoError(t, st.UpsertSegment(ctx, seg))

	failed := mirrors[0]
	failed.Healthy = false
	failed.LastErrorMessage = "connection refused"
	require.NoError(t, st.RecordFailover(ctx, &failed, seg.ID, "m1", mirrors[1].URL, model.FailoverEvent{
		ID: "ev-1", SegmentID: seg.ID, OldMirrorID: "m0", NewMirrorID: "m1",
		OldURL: mirrors[0].URL, NewURL: mirrors[1].URL, Reason: "connection refused", OccurredAt: time.Now(),
	}))

	_, segs, gotMirrors, err := st.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "m1", segs[0].AssignedMirrorID)
	require.Equal(t, model.SegmentPending, segs[0].Status)

	var sawUnhealthy bool
	for _, m := range gotMirrors {
		if m.ID == "m0" {
			sawUnhealthy = !m.Healthy
		}
	}
	require.True(t, sawUnhealthy, "expected m0 to be persisted as unhealthy")
}

func TestDemoteDownloadingToPaused(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	d := sampleDownload("dl-crash")
	d.Status = model.StatusDownloading
	require.NoError(t, st.InsertDownload(ctx, d))

	require.NoError(t, st.DemoteDownloadingToPaused(ctx))

	got, _, _, err := st.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPaused, got.Status)
}
