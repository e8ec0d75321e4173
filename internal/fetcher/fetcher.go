// Package fetcher implements C7, SegmentFetcher: one ranged HTTP fetch
// that streams, throttles through global and per-download token
// buckets, writes at an absolute file offset, and reports progress.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/vfaronov/httpheader"

	"github.com/segfetch/segfetch/internal/apperr"
	"github.com/segfetch/segfetch/internal/ratelimit"
)

const chunkSize = 64 * 1024 // 64 KiB, per spec §4.7

// Descriptor carries everything a single fetch needs to know, per
// spec §4.7: URL, absolute inclusive [Start, End], and how many bytes
// of this segment are already on disk (Resume).
type Descriptor struct {
	URL       string
	Start     int64
	End       int64
	Resume    int64
	Headers   map[string]string
}

// Length is the segment's total inclusive byte length.
func (d Descriptor) Length() int64 { return d.End - d.Start + 1 }

// Remaining is the number of bytes still to fetch for this segment.
func (d Descriptor) Remaining() int64 { return d.Length() - d.Resume }

// ProgressFunc is invoked with the cumulative bytes downloaded for the
// segment (including Resume) after each chunk is written.
type ProgressFunc func(downloadedBytes int64)

// Fetcher executes Descriptors against output files.
type Fetcher struct {
	client        *http.Client
	globalLimiter *ratelimit.GlobalLimiter
}

// New creates a Fetcher using client for requests and globalLimiter for
// the process-wide rate ceiling (may be nil for unlimited).
func New(client *http.Client, globalLimiter *ratelimit.GlobalLimiter) *Fetcher {
	return &Fetcher{client: client, globalLimiter: globalLimiter}
}

// Fetch performs one ranged GET for d, writing bytes into output at
// d.Start+already-written, throttled by perDownload (may be nil) and
// the Fetcher's global limiter. progress is invoked after every chunk.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor, output *os.File, perDownload *ratelimit.Bucket, progress ProgressFunc) error {
	if d.Remaining() <= 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return apperr.LocalIO("fetcher: build request", err)
	}

	rangeStart := d.Start + d.Resume
	httpheader.SetRange(req.Header, []httpheader.Range{{First: rangeStart, Last: d.End}})
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return apperr.TransientNetwork("fetcher: request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if rangeStart != 0 {
			return apperr.ProtocolMismatch("fetcher: server returned 200 instead of 206 for a non-zero range start")
		}
	default:
		return apperr.TransientNetwork(fmt.Sprintf("fetcher: unexpected status %d", resp.StatusCode), nil)
	}

	remaining := d.Remaining()
	written, err := f.copyThrottled(ctx, output, resp.Body, d.Start+d.Resume, remaining, perDownload, func(n int64) {
		if progress != nil {
			progress(d.Resume + n)
		}
	})
	if err != nil {
		return err
	}

	if written < remaining {
		return apperr.TransientNetwork(fmt.Sprintf("fetcher: stream ended early: got %d of %d bytes", written, remaining), io.ErrUnexpectedEOF)
	}

	return nil
}

// copyThrottled reads src in 64 KiB chunks, throttles through both rate
// limiters, and writes each chunk at an increasing positional offset via
// WriteAt so concurrent fetchers need no shared mutex for the write
// itself (per spec §5's documented alternative).
func (f *Fetcher) copyThrottled(ctx context.Context, output *os.File, src io.Reader, baseOffset, maxBytes int64, perDownload *ratelimit.Bucket, onChunk func(written int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64

	for total < maxBytes {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		toRead := int64(len(buf))
		if remaining := maxBytes - total; remaining < toRead {
			toRead = remaining
		}

		n, readErr := src.Read(buf[:toRead])
		if n > 0 {
			if perDownload != nil {
				if err := perDownload.Throttle(ctx, int64(n)); err != nil {
					return total, err
				}
			}
			if f.globalLimiter != nil {
				if err := f.globalLimiter.Throttle(ctx, int64(n)); err != nil {
					return total, err
				}
			}

			if _, err := output.WriteAt(buf[:n], baseOffset+total); err != nil {
				return total, apperr.LocalIO("fetcher: write at offset", err)
			}

			total += int64(n)
			onChunk(total)
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return total, apperr.TransientNetwork("fetcher: read stream", readErr)
		}
	}

	return total, nil
}
