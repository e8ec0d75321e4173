package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
)

// rangeServer parses a "Range: bytes=X-Y" request header by hand rather
// than depending on the fetcher's own range-parsing library, so the
// test doesn't validate the client against itself.
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		if spec == "" || len(parts) != 2 {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		first, err1 := strconv.ParseInt(parts[0], 10, 64)
		last, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[first : last+1])
	}))
}

func TestFetch_WritesAtCorrectOffset(t *testing.T) {
	body := []byte("0123456789ABCDEFGHIJ")
	srv := rangeServer(t, body)
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "segment")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer out.Close()
	if err := out.Truncate(int64(len(body))); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	f := New(srv.Client(), nil)
	d := Descriptor{URL: srv.URL, Start: 5, End: 14}

	var lastProgress int64
	err = f.Fetch(context.Background(), d, out, nil, func(n int64) { lastProgress = n })
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if lastProgress != 10 {
		t.Fatalf("expected final progress of 10 bytes, got %d", lastProgress)
	}

	got := make([]byte, len(body))
	if _, err := out.ReadAt(got, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got[5:15]) != "56789ABCDE" {
		t.Fatalf("unexpected bytes at segment offset: %q", got[5:15])
	}
}

func TestFetch_ResumesFromPartialOffset(t *testing.T) {
	body := []byte("0123456789")
	srv := rangeServer(t, body)
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "segment")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer out.Close()
	out.Truncate(int64(len(body)))

	f := New(srv.Client(), nil)
	d := Descriptor{URL: srv.URL, Start: 0, End: 9, Resume: 4}

	var lastProgress int64
	if err := f.Fetch(context.Background(), d, out, nil, func(n int64) { lastProgress = n }); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	// Resume=4 plus 6 fetched bytes (offsets 4..9).
	if lastProgress != 10 {
		t.Fatalf("expected cumulative progress of 10, got %d", lastProgress)
	}

	got := make([]byte, 10)
	out.ReadAt(got, 0)
	if string(got[4:10]) != "456789" {
		t.Fatalf("unexpected resumed bytes: %q", got[4:10])
	}
}
