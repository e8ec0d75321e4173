// Package mirror implements C6, MirrorRegistry: health probing,
// latency-based ranking, per-segment mirror assignment, and failover
// bookkeeping.
package mirror

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/segfetch/segfetch/internal/model"
)

// Store is the slice of PersistenceStore (C8) the registry needs to
// persist health sweeps and failover bookkeeping.
type Store interface {
	UpdateMirrorHealth(ctx context.Context, m model.Mirror) error

	// RecordFailover persists the mirror-health update, segment
	// reassignment, and failover audit row as a single transaction, per
	// §5's "one transaction" requirement for failover bookkeeping.
	// failedMirror is nil when the segment had no prior mirror
	// assignment to mark unhealthy.
	RecordFailover(ctx context.Context, failedMirror *model.Mirror, segmentID, newMirrorID, newURL string, ev model.FailoverEvent) error
}

// IDGenerator produces opaque ids for new FailoverEvents.
type IDGenerator func() string

// Registry implements C6 against a given HTTP client and Store.
type Registry struct {
	client  *http.Client
	store   Store
	newID   IDGenerator
	probeTO time.Duration

	mu sync.Mutex
}

// New creates a Registry. client is used for HEAD health probes.
func New(client *http.Client, store Store, newID IDGenerator) *Registry {
	return &Registry{client: client, store: store, newID: newID, probeTO: 5 * time.Second}
}

// Probe issues a HEAD to every mirror concurrently, records health and
// latency, and re-ranks: healthy-first, then ascending latency.
// Priorities 0..k are set on the returned, re-ordered copy and persisted;
// the mirrors slice passed in is not modified.
func (r *Registry) Probe(ctx context.Context, mirrors []model.Mirror) ([]model.Mirror, error) {
	if len(mirrors) == 0 {
		return mirrors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(mirrors))

	results := make([]model.Mirror, len(mirrors))
	copy(results, mirrors)

	for i := range results {
		i := i
		g.Go(func() error {
			results[i] = r.probeOne(gctx, results[i])
			return nil
		})
	}
	// probeOne never returns an error (health failures, including a
	// cancelled ctx, are recorded on the mirror, not propagated), so no
	// goroutine reports an error here.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Healthy != results[j].Healthy {
			return results[i].Healthy
		}
		return results[i].ResponseTimeMS < results[j].ResponseTimeMS
	})
	for i := range results {
		results[i].Priority = i
		if r.store != nil {
			if err := r.store.UpdateMirrorHealth(ctx, results[i]); err != nil {
				return nil, fmt.Errorf("mirror: persist health for %s: %w", results[i].URL, err)
			}
		}
	}

	return results, nil
}

func (r *Registry) probeOne(ctx context.Context, m model.Mirror) model.Mirror {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTO)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.URL, nil)
	if err != nil {
		m.Healthy = false
		m.LastErrorMessage = err.Error()
		m.LastChecked = time.Now()
		return m
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)

	m.LastChecked = time.Now()
	if err != nil {
		m.Healthy = false
		m.LastErrorMessage = err.Error()
		return m
	}
	defer resp.Body.Close()

	m.ResponseTimeMS = elapsed.Milliseconds()
	m.Healthy = resp.StatusCode < 400
	if !m.Healthy {
		m.LastErrorMessage = fmt.Sprintf("HEAD returned status %d", resp.StatusCode)
	} else {
		m.LastErrorMessage = ""
	}
	return m
}

// Best returns the lowest-priority healthy mirror, or false if none.
func (r *Registry) Best(mirrors []model.Mirror) (model.Mirror, bool) {
	best := model.Mirror{}
	found := false
	for _, m := range mirrors {
		if !m.Healthy {
			continue
		}
		if !found || m.Priority < best.Priority {
			best = m
			found = true
		}
	}
	return best, found
}

// Assign round-robin distributes segments over healthy mirrors ordered
// by priority. If no healthy mirrors exist, segments are left
// unassigned (they use the download's primary URL).
func (r *Registry) Assign(mirrors []model.Mirror, segments []model.Segment) []model.Segment {
	healthy := make([]model.Mirror, 0, len(mirrors))
	for _, m := range mirrors {
		if m.Healthy {
			healthy = append(healthy, m)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].Priority < healthy[j].Priority })

	if len(healthy) == 0 {
		return segments
	}

	out := make([]model.Segment, len(segments))
	copy(out, segments)
	for i := range out {
		m := healthy[i%len(healthy)]
		out[i].AssignedMirrorID = m.ID
		out[i].MirrorURL = m.URL
	}
	return out
}

// HandleFailure marks the segment's current mirror unhealthy, picks the
// next healthy alternative (excluding the failed one), persists the
// reassignment, resets the segment to Pending, and appends a
// FailoverEvent. It reports whether a different mirror (or primary
// fallback) was assigned.
func (r *Registry) HandleFailure(ctx context.Context, segment model.Segment, mirrors []model.Mirror, reason string) (model.Segment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldMirrorID := segment.AssignedMirrorID
	oldURL := segment.MirrorURL

	var updated []model.Mirror
	var failedMirror *model.Mirror
	for _, m := range mirrors {
		if m.ID == oldMirrorID {
			m.Healthy = false
			m.LastErrorMessage = reason
			failed := m
			failedMirror = &failed
		}
		updated = append(updated, m)
	}

	next, found := r.nextHealthy(updated, oldMirrorID)

	newMirrorID, newURL := "", ""
	reassigned := false
	if found {
		newMirrorID, newURL = next.ID, next.URL
		reassigned = newMirrorID != oldMirrorID
	} else if oldMirrorID != "" {
		// Fall back to the primary URL (no mirror assignment).
		reassigned = true
	}

	segment.AssignedMirrorID = newMirrorID
	segment.MirrorURL = newURL
	segment.Status = model.SegmentPending

	if r.store != nil {
		event := model.FailoverEvent{
			SegmentID:   segment.ID,
			OldMirrorID: oldMirrorID,
			NewMirrorID: newMirrorID,
			OldURL:      oldURL,
			NewURL:      newURL,
			Reason:      reason,
			OccurredAt:  time.Now(),
		}
		if r.newID != nil {
			event.ID = r.newID()
		}
		if err := r.store.RecordFailover(ctx, failedMirror, segment.ID, newMirrorID, newURL, event); err != nil {
			return segment, false, fmt.Errorf("mirror: record failover: %w", err)
		}
	}

	return segment, reassigned, nil
}

func (r *Registry) nextHealthy(mirrors []model.Mirror, excludeID string) (model.Mirror, bool) {
	var candidates []model.Mirror
	for _, m := range mirrors {
		if m.Healthy && m.ID != excludeID {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return model.Mirror{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	return candidates[0], true
}
