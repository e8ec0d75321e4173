// Package progress multicasts download progress snapshots to any
// number of observers and derives speed/ETA over a trailing window.
package progress

import (
	"sync"
	"time"

	"github.com/segfetch/segfetch/internal/model"
)

const speedWindow = 500 * time.Millisecond

// sample is one (time, cumulative bytes) observation used to derive speed.
type sample struct {
	at    time.Time
	bytes int64
}

// Stream tracks one download's progress and fans it out to subscribers.
type Stream struct {
	mu          sync.Mutex
	downloadID  string
	totalBytes  int64
	last        sample
	prev        sample
	closed      bool
	subscribers []chan model.Progress
}

// NewStream creates a Stream for downloadID with a known (possibly
// zero, if not yet probed) total size.
func NewStream(downloadID string, totalBytes int64) *Stream {
	now := time.Now()
	return &Stream{
		downloadID: downloadID,
		totalBytes: totalBytes,
		last:       sample{at: now},
		prev:       sample{at: now},
	}
}

// Subscribe returns a channel that receives future Publish snapshots until
// the stream is closed, at which point the channel is closed too.
// The channel is buffered so a slow observer never blocks Publish; a
// snapshot that finds the buffer full is dropped for that observer.
func (s *Stream) Subscribe() <-chan model.Progress {
	ch := make(chan model.Progress, 32)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// SetTotalBytes updates the known total, e.g. once Probe completes.
func (s *Stream) SetTotalBytes(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBytes = total
}

// Publish computes current speed/ETA from downloadedBytes and segment
// snapshots, then fans the resulting Progress out to every subscriber.
func (s *Stream) Publish(downloadedBytes int64, segments []model.SegmentProgress) model.Progress {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.last.at) >= speedWindow {
		s.prev = s.last
		s.last = sample{at: now, bytes: downloadedBytes}
	}

	speed := 0.0
	if elapsed := s.last.at.Sub(s.prev.at).Seconds(); elapsed > 0 {
		speed = float64(downloadedBytes-s.prev.bytes) / elapsed
	}

	var percent, eta float64
	if s.totalBytes > 0 {
		percent = float64(downloadedBytes) / float64(s.totalBytes) * 100
		if speed > 0 {
			eta = float64(s.totalBytes-downloadedBytes) / speed
		}
	}

	p := model.Progress{
		DownloadID:      s.downloadID,
		TotalBytes:      s.totalBytes,
		DownloadedBytes: downloadedBytes,
		Percent:         percent,
		CurrentSpeed:    speed,
		ETASeconds:      eta,
		Segments:        segments,
	}

	subs := make([]chan model.Progress, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Drop rather than block; observers only need the latest state.
		}
	}

	return p
}

// Close terminates the stream, closing every subscriber channel. Safe
// to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}
