package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segfetch/segfetch/internal/model"
)

// fakeStore records calls instead of touching a real database, since
// this package only needs to observe what Registry tells it to persist.
type fakeStore struct {
	healthUpdates []model.Mirror
	resets        []model.Segment
	events        []model.FailoverEvent
}

func (f *fakeStore) UpdateMirrorHealth(ctx context.Context, m model.Mirror) error {
	f.healthUpdates = append(f.healthUpdates, m)
	return nil
}

func (f *fakeStore) RecordFailover(ctx context.Context, failedMirror *model.Mirror, segmentID, newMirrorID, newURL string, ev model.FailoverEvent) error {
	if failedMirror != nil {
		f.healthUpdates = append(f.healthUpdates, *failedMirror)
	}
	f.resets = append(f.resets, model.Segment{ID: segmentID, AssignedMirrorID: newMirrorID, MirrorURL: newURL})
	f.events = append(f.events, ev)
	return nil
}

func TestProbe_RanksHealthyBeforeUnhealthyThenByLatency(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
	}))
	defer slow.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	fs := &fakeStore{}
	reg := New(http.DefaultClient, fs, func() string { return "id" })

	mirrors := []model.Mirror{
		{ID: "down", URL: down.URL},
		{ID: "slow", URL: slow.URL},
		{ID: "fast", URL: fast.URL},
	}

	ranked, err := reg.Probe(context.Background(), mirrors)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if ranked[0].ID != "fast" || ranked[1].ID != "slow" {
		t.Fatalf("expected fast then slow to lead, got order: %v", []string{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
	if ranked[2].ID != "down" || ranked[2].Healthy {
		t.Fatalf("expected down mirror last and unhealthy, got %+v", ranked[2])
	}
	if len(fs.healthUpdates) != 3 {
		t.Fatalf("expected 3 persisted health updates, got %d", len(fs.healthUpdates))
	}
}

func TestAssign_RoundRobinsOverHealthyMirrorsOnly(t *testing.T) {
	reg := New(http.DefaultClient, nil, nil)

	mirrors := []model.Mirror{
		{ID: "m0", URL: "https://a", Priority: 0, Healthy: true},
		{ID: "m1", URL: "https://b", Priority: 1, Healthy: false},
		{ID: "m2", URL: "https://c", Priority: 2, Healthy: true},
	}
	segments := []model.Segment{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}

	assigned := reg.Assign(mirrors, segments)

	if assigned[0].AssignedMirrorID != "m0" || assigned[1].AssignedMirrorID != "m2" {
		t.Fatalf("expected round robin over m0/m2, got %s/%s", assigned[0].AssignedMirrorID, assigned[1].AssignedMirrorID)
	}
	if assigned[2].AssignedMirrorID != "m0" {
		t.Fatalf("expected wraparound back to m0, got %s", assigned[2].AssignedMirrorID)
	}
}

func TestAssign_LeavesSegmentsUnassignedWithNoHealthyMirrors(t *testing.T) {
	reg := New(http.DefaultClient, nil, nil)
	mirrors := []model.Mirror{{ID: "m0", Healthy: false}}
	segments := []model.Segment{{Index: 0}}

	assigned := reg.Assign(mirrors, segments)
	if assigned[0].AssignedMirrorID != "" {
		t.Fatalf("expected no assignment, got %s", assigned[0].AssignedMirrorID)
	}
}

func TestHandleFailure_MarksOldUnhealthyAndPicksAlternative(t *testing.T) {
	fs := &fakeStore{}
	reg := New(http.DefaultClient, fs, func() string { return "ev-1" })

	mirrors := []model.Mirror{
		{ID: "m0", URL: "https://a", Priority: 0, Healthy: true},
		{ID: "m1", URL: "https://b", Priority: 1, Healthy: true},
	}
	seg := model.Segment{ID: "seg-1", AssignedMirrorID: "m0", MirrorURL: "https://a", Status: model.SegmentFailed}

	updated, reassigned, err := reg.HandleFailure(context.Background(), seg, mirrors, "connection reset")
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if !reassigned {
		t.Fatal("expected reassignment to the alternative mirror")
	}
	if updated.AssignedMirrorID != "m1" {
		t.Fatalf("expected reassignment to m1, got %s", updated.AssignedMirrorID)
	}
	if updated.Status != model.SegmentPending {
		t.Fatalf("expected segment reset to Pending, got %s", updated.Status)
	}
	if len(fs.events) != 1 || fs.events[0].OldMirrorID != "m0" || fs.events[0].NewMirrorID != "m1" {
		t.Fatalf("expected one failover event m0->m1, got %+v", fs.events)
	}
}

func TestHandleFailure_NoAlternativeFallsBackToPrimary(t *testing.T) {
	fs := &fakeStore{}
	reg := New(http.DefaultClient, fs, func() string { return "ev-1" })

	mirrors := []model.Mirror{{ID: "m0", URL: "https://a", Healthy: true}}
	seg := model.Segment{ID: "seg-1", AssignedMirrorID: "m0", MirrorURL: "https://a"}

	updated, reassigned, err := reg.HandleFailure(context.Background(), seg, mirrors, "timeout")
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if !reassigned {
		t.Fatal("expected falling back to the primary URL to count as a reassignment")
	}
	if updated.AssignedMirrorID != "" {
		t.Fatalf("expected no mirror assignment (primary fallback), got %s", updated.AssignedMirrorID)
	}
}
