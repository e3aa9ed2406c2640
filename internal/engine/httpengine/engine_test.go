package httpengine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/batch_downloader/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}

	return b
}

type rangeServer struct {
	*httptest.Server

	mu      sync.Mutex
	ranges  []string
	headers []http.Header
	gets    atomic.Int32
}

func newRangeServer(t *testing.T, content []byte) *rangeServer {
	t.Helper()

	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			rs.gets.Add(1)

			rs.mu.Lock()
			rs.ranges = append(rs.ranges, r.Header.Get("Range"))
			rs.headers = append(rs.headers, r.Header.Clone())
			rs.mu.Unlock()
		}

		http.ServeContent(w, r, "file.bin", time.Now(), bytes.NewReader(content))
	}))
	t.Cleanup(rs.Close)

	return rs
}

func (rs *rangeServer) requestedRanges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return append([]string(nil), rs.ranges...)
}

func newEngine(client *http.Client) *Engine {
	return New(Config{
		Client:           client,
		ProgressInterval: 5 * time.Millisecond,
		RetryInterval:    time.Millisecond,
	})
}

// collect drains a handle and returns its progress events and the outcome.
func collect(t *testing.T, h engine.Handle) ([]engine.Event, engine.Event) {
	t.Helper()

	var (
		events  []engine.Event
		outcome engine.Event
		seen    int
	)

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				require.Equal(t, 1, seen, "exactly one completed event")

				return events, outcome
			}

			if ev.Kind == engine.EventCompleted {
				outcome = ev
				seen++

				continue
			}

			events = append(events, ev)
		case <-timeout:
			t.Fatal("download did not finish")
		}
	}
}

func TestSegmentedDownload(t *testing.T) {
	content := payload(10_000)
	srv := newRangeServer(t, content)
	dest := filepath.Join(t.TempDir(), "sub", "file.bin")

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Headers:     map[string]string{"Referer": "https://example.com/"},
		Segments:    4,
		Retries:     3,
	})
	require.NoError(t, err)

	events, outcome := collect(t, h)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	parts, _ := filepath.Glob(dest + ".part*")
	assert.Empty(t, parts, "part files are removed")

	assert.Len(t, srv.requestedRanges(), 4)

	for _, hdr := range srv.headers {
		assert.Equal(t, "https://example.com/", hdr.Get("Referer"))
	}

	last := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, last)
		last = ev.Progress
	}
}

func TestResumeFromPartFiles(t *testing.T) {
	content := payload(1000)
	srv := newRangeServer(t, content)
	dest := filepath.Join(t.TempDir(), "file.bin")

	// Two segments of 500 bytes; the first already has 100 on disk.
	require.NoError(t, os.WriteFile(partName(dest, 0), content[:100], 0o644))

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    2,
		Retries:     1,
		Resume:      true,
		ResumeFrom:  10,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.ElementsMatch(t, []string{"bytes=100-499", "bytes=500-999"}, srv.requestedRanges())
}

func TestResumeBelowOnePercentKeepsPartFiles(t *testing.T) {
	content := payload(1000)
	srv := newRangeServer(t, content)
	dest := filepath.Join(t.TempDir(), "file.bin")

	require.NoError(t, os.WriteFile(partName(dest, 0), content[:5], 0o644))

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    1,
		Retries:     1,
		Resume:      true,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, []string{"bytes=5-999"}, srv.requestedRanges())
}

func TestFreshStartDiscardsPartFiles(t *testing.T) {
	content := payload(1000)
	srv := newRangeServer(t, content)
	dest := filepath.Join(t.TempDir(), "file.bin")

	require.NoError(t, os.WriteFile(partName(dest, 0), []byte("garbage"), 0o644))

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    1,
		Retries:     1,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.True(t, outcome.Success)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSingleStreamWithoutRanges(t *testing.T) {
	content := payload(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			w.Write(content)
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    8,
		Retries:     1,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRetriesServerErrors(t *testing.T) {
	content := payload(512)

	var gets atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)

			return
		}

		http.ServeContent(w, r, "file.bin", time.Now(), bytes.NewReader(content))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    1,
		Retries:     3,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)
	assert.Equal(t, int32(3), gets.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var gets atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}

		http.NotFound(w, r)
	}))
	defer srv.Close()

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/missing.bin",
		Destination: filepath.Join(t.TempDir(), "missing.bin"),
		Segments:    4,
		Retries:     5,
	})
	require.NoError(t, err)

	_, outcome := collect(t, h)
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Err.Error(), "404")
	assert.Equal(t, int32(1), gets.Load())
}

func TestStop(t *testing.T) {
	started := make(chan struct{})

	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)

		if r.Method != http.MethodGet {
			return
		}

		w.Write([]byte(strings.Repeat("x", 100)))
		w.(http.Flusher).Flush()
		once.Do(func() { close(started) })

		<-r.Context().Done()
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")

	h, err := newEngine(srv.Client()).Start(context.Background(), engine.Request{
		URL:         srv.URL + "/file.bin",
		Destination: dest,
		Segments:    1,
		Retries:     3,
	})
	require.NoError(t, err)

	<-started
	require.Eventually(t, func() bool {
		fi, err := os.Stat(partName(dest, 0))

		return err == nil && fi.Size() == 100
	}, 5*time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()

	_, outcome := collect(t, h)
	require.False(t, outcome.Success)
	assert.True(t, errors.Is(outcome.Err, engine.ErrStopped))

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "nothing is assembled after a stop")

	fi, err := os.Stat(partName(dest, 0))
	require.NoError(t, err, "part file is kept for a resume")
	assert.Equal(t, int64(100), fi.Size())
}

func TestStart_RejectsBadRequests(t *testing.T) {
	e := newEngine(nil)

	_, err := e.Start(context.Background(), engine.Request{URL: "ftp://example.com/a", Destination: "/tmp/a"})
	require.Error(t, err)

	_, err = e.Start(context.Background(), engine.Request{URL: "https://example.com/a"})
	require.Error(t, err)
}

func TestPlan(t *testing.T) {
	segs := plan("/d/f", 10, true, 3)
	require.Len(t, segs, 3)
	assert.Equal(t, segment{index: 0, start: 0, end: 2, part: "/d/f.part0"}, segs[0])
	assert.Equal(t, segment{index: 2, start: 6, end: 9, part: "/d/f.part2"}, segs[2])

	assert.Len(t, plan("/d/f", 2, true, 10), 2, "never more segments than bytes")
	assert.Len(t, plan("/d/f", 100, false, 10), 1, "no ranges means one stream")
	assert.Equal(t, int64(-1), plan("/d/f", -1, false, 10)[0].length())
}
