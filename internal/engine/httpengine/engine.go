// Package httpengine downloads files over HTTP(S) in concurrent byte-range segments.
// Every segment is written to its own part file next to the destination, so a
// restarted run continues from the bytes already on disk.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/batch_downloader/internal/engine"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/progress"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProgressInterval is how often progress is sampled.
	DefaultProgressInterval = 500 * time.Millisecond
	// DefaultRetryInterval is the first backoff delay between segment attempts.
	DefaultRetryInterval = 500 * time.Millisecond
)

// Config configures the HTTP engine.
type Config struct {
	Client           *http.Client
	ProgressInterval time.Duration
	RetryInterval    time.Duration
}

// Engine implements engine.Engine over net/http.
type Engine struct {
	client           *http.Client
	progressInterval time.Duration
	retryInterval    time.Duration
}

// New creates an Engine. Without a client, one with an otelhttp transport is used.
func New(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	return &Engine{
		client:           client,
		progressInterval: interval,
		retryInterval:    retryInterval,
	}
}

type handle struct {
	events  chan engine.Event
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func (h *handle) Events() <-chan engine.Event {
	return h.events
}

// Stop aborts in-flight requests. Part files keep what was written.
func (h *handle) Stop() {
	h.stopped.Store(true)
	h.cancel()
}

// Start validates the request and runs the download in the background.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Handle, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if req.Destination == "" {
		return nil, errors.New("destination is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		events: make(chan engine.Event, 16),
		cancel: cancel,
	}

	go func() {
		defer close(h.events)
		defer cancel()

		err := e.run(runCtx, req, h)
		if err != nil && h.stopped.Load() {
			err = engine.ErrStopped
		}

		h.events <- engine.Completed(err)
	}()

	return h, nil
}

type segment struct {
	index int
	start int64
	end   int64 // inclusive, -1 when the size is unknown
	part  string
}

func (s segment) length() int64 {
	if s.end < 0 {
		return -1
	}

	return s.end - s.start + 1
}

func (e *Engine) run(ctx context.Context, req engine.Request, h *handle) error {
	logger := logctx.LoggerFromContext(ctx).With("url", req.URL, "destination", req.Destination)

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	size, ranges := e.probe(ctx, req)
	segments := plan(req.Destination, size, ranges, req.Segments)

	// Part files only survive for a resume; a fresh start begins from zero.
	if !req.Resume || !ranges {
		for _, s := range segments {
			if err := os.Remove(s.part); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove stale part: %w", err)
			}
		}
	}

	var written atomic.Int64

	for _, s := range segments {
		if fi, err := os.Stat(s.part); err == nil {
			written.Add(fi.Size())
		}
	}

	logger.Debug("starting download",
		"size", humanize.Bytes(uint64(max(size, 0))),
		"segments", len(segments),
		"resumed", humanize.Bytes(uint64(written.Load())),
	)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	sampled := make(chan struct{})

	go func() {
		defer close(sampled)
		e.sample(sampleCtx, h, &written, size)
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range segments {
		g.Go(func() error {
			return e.fetchWithRetry(gctx, req, s, ranges, &written)
		})
	}

	err := g.Wait()

	stopSampling()
	<-sampled

	if err != nil {
		return err
	}

	if err := assemble(req.Destination, segments); err != nil {
		return err
	}

	logger.Debug("download finished", "size", humanize.Bytes(uint64(written.Load())))

	return nil
}

// probe asks for the resource size and range support. A failed probe falls back to
// a single stream of unknown size.
func (e *Engine) probe(ctx context.Context, req engine.Request) (int64, bool) {
	r, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return -1, false
	}

	applyHeaders(r, req.Headers)

	resp, err := e.client.Do(r)
	if err != nil {
		logctx.LoggerFromContext(ctx).Debug("size probe failed", "url", req.URL, "err", err)

		return -1, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, false
	}

	ranges := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	return resp.ContentLength, ranges && resp.ContentLength > 0
}

// plan splits size bytes into n contiguous segments.
func plan(dest string, size int64, ranges bool, n int) []segment {
	if !ranges || size <= 0 || n < 1 {
		n = 1
	}

	if size > 0 && int64(n) > size {
		n = int(size)
	}

	if !ranges || size <= 0 {
		return []segment{{index: 0, start: 0, end: size - 1, part: partName(dest, 0)}}
	}

	chunk := size / int64(n)
	segments := make([]segment, 0, n)

	for i := 0; i < n; i++ {
		start := int64(i) * chunk
		end := start + chunk - 1

		if i == n-1 {
			end = size - 1
		}

		segments = append(segments, segment{index: i, start: start, end: end, part: partName(dest, i)})
	}

	return segments
}

func partName(dest string, i int) string {
	return dest + ".part" + strconv.Itoa(i)
}

// fetchWithRetry retries a segment with exponential backoff. Every attempt continues
// after the bytes already written to the part file.
func (e *Engine) fetchWithRetry(ctx context.Context, req engine.Request, s segment, ranges bool, written *atomic.Int64) error {
	tries := req.Retries
	if tries < 1 {
		tries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.fetch(ctx, req, s, ranges, written)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logctx.LoggerFromContext(ctx).Warn("segment failed, retrying",
				"url", req.URL,
				"segment", s.index,
				"retry_in", next,
				"err", err,
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("segment %d: %w", s.index, err)
	}

	return nil
}

func (e *Engine) fetch(ctx context.Context, req engine.Request, s segment, ranges bool, written *atomic.Int64) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}

	var have int64

	if fi, err := os.Stat(s.part); err == nil {
		have = fi.Size()
	}

	if ranges && have >= s.length() {
		return nil
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	applyHeaders(r, req.Headers)

	if ranges {
		r.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.start+have, s.end))
	}

	resp, err := e.client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && ranges:
	case resp.StatusCode == http.StatusOK:
		// The server sent the whole body, so anything on disk is discarded.
		if have > 0 {
			written.Add(-have)
			have = 0
		}

		if ranges && s.index > 0 {
			return backoff.Permanent(errors.New("server ignored the range request"))
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if have == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(s.part, flags, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open part file: %w", err))
	}
	defer f.Close()

	body := io.Reader(resp.Body)
	if ranges && resp.StatusCode == http.StatusOK {
		body = io.LimitReader(resp.Body, s.length())
	}

	reader := progress.NewReader(body, func(n int64) { written.Add(n) })
	if _, err := io.Copy(f, reader); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		return fmt.Errorf("failed to write segment: %w", err)
	}

	return nil
}

// sample emits a progress event every interval until ctx is done.
func (e *Engine) sample(ctx context.Context, h *handle, written *atomic.Int64, size int64) {
	ticker := time.NewTicker(e.progressInterval)
	defer ticker.Stop()

	last := written.Load()
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			done := written.Load()
			elapsed := now.Sub(lastAt).Seconds()

			var speed float64
			if elapsed > 0 {
				speed = float64(done-last) / elapsed
			}

			last, lastAt = done, now

			select {
			case h.events <- engine.Progress(progress.Percent(done, size), max(speed, 0)):
			case <-ctx.Done():
				return
			}
		}
	}
}

// assemble concatenates the part files into dest and removes them.
func assemble(dest string, segments []segment) error {
	tmp := dest + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	for _, s := range segments {
		if err := appendFile(out, s.part); err != nil {
			out.Close()

			return err
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	for _, s := range segments {
		os.Remove(s.part)
	}

	return nil
}

func appendFile(out io.Writer, name string) error {
	in, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	defer in.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy part file: %w", err)
	}

	return nil
}

func applyHeaders(r *http.Request, headers map[string]string) {
	for k, v := range headers {
		r.Header.Set(k, v)
	}
}
