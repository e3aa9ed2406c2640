package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/batch_downloader/internal/engine"
	"github.com/italolelis/batch_downloader/internal/progress"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeHandle struct {
	req    engine.Request
	events chan engine.Event
	stops  atomic.Int32

	// deaf handles ignore Stop and only finish when their context is cancelled.
	deaf bool

	mu       sync.Mutex
	finished bool
}

func (h *fakeHandle) Events() <-chan engine.Event {
	return h.events
}

func (h *fakeHandle) Stop() {
	h.stops.Add(1)

	if !h.deaf {
		h.finish(engine.ErrStopped)
	}
}

func (h *fakeHandle) progress(percent int, speed float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.finished {
		h.events <- engine.Progress(percent, speed)
	}
}

func (h *fakeHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return
	}

	h.finished = true
	h.events <- engine.Completed(err)
	close(h.events)
}

// closeSilently closes the events without an outcome.
func (h *fakeHandle) closeSilently() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.finished {
		h.finished = true
		close(h.events)
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	handles  map[string][]*fakeHandle
	starts   []string
	deaf     bool
	startErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: make(map[string][]*fakeHandle)}
}

func (e *fakeEngine) Start(ctx context.Context, req engine.Request) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.startErr != nil {
		return nil, e.startErr
	}

	h := &fakeHandle{req: req, events: make(chan engine.Event, 64), deaf: e.deaf}
	e.handles[req.URL] = append(e.handles[req.URL], h)
	e.starts = append(e.starts, req.URL)

	go func() {
		<-ctx.Done()
		h.finish(ctx.Err())
	}()

	return h, nil
}

// last returns the latest run started for url.
func (e *fakeEngine) last(t *testing.T, url string) *fakeHandle {
	t.Helper()

	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.handles[url]
	require.NotEmpty(t, hs, "no run started for %s", url)

	return hs[len(hs)-1]
}

func (e *fakeEngine) runs(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.handles[url])
}

func (e *fakeEngine) startOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.starts...)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses map[string][]transfer.Status
	progress map[string][]int
	queue    [][2]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		statuses: make(map[string][]transfer.Status),
		progress: make(map[string][]int),
	}
}

func (o *recordingObserver) OnProgress(id string, percent int, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress[id] = append(o.progress[id], percent)
}

func (o *recordingObserver) OnStatusChange(id string, status transfer.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.statuses[id] = append(o.statuses[id], status)
}

func (o *recordingObserver) OnQueueChanged(active, queued int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queue = append(o.queue, [2]int{active, queued})
}

func (o *recordingObserver) statusesOf(id string) []transfer.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]transfer.Status(nil), o.statuses[id]...)
}

func newScheduler(t *testing.T, eng engine.Engine, opts Options) *Scheduler {
	t.Helper()

	s := New(context.Background(), eng, progress.NewAggregator(), opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		_ = s.Shutdown(ctx)
	})

	return s
}

func submit(t *testing.T, s *Scheduler, name string) string {
	t.Helper()

	id, err := s.Submit(context.Background(), transfer.Request{
		URL:         "https://example.com/" + name,
		Destination: "/downloads/" + name,
	})
	require.NoError(t, err)

	return id
}

func url(name string) string {
	return "https://example.com/" + name
}

func requireStatus(t *testing.T, s *Scheduler, id string, want transfer.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		got, ok := s.Get(id)

		return ok && got.Status == want
	}, waitFor, tick, "transfer %s never became %s", id, want)
}

func assertStatus(t *testing.T, s *Scheduler, id string, want transfer.Status) {
	t.Helper()

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, want, got.Status)
}

func TestSubmit_QueuesBeyondCapacity(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 2})

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	c := submit(t, s, "c.zip")

	assertStatus(t, s, a, transfer.StatusActive)
	assertStatus(t, s, b, transfer.StatusActive)
	assertStatus(t, s, c, transfer.StatusQueued)

	active, queued := s.Counts()
	assert.Equal(t, 2, active)
	assert.Equal(t, 1, queued)

	eng.last(t, url("a.zip")).finish(nil)

	requireStatus(t, s, a, transfer.StatusCompleted)
	requireStatus(t, s, c, transfer.StatusActive)
	assertStatus(t, s, b, transfer.StatusActive)

	got, _ := s.Get(a)
	assert.Equal(t, 100, got.Progress)
}

func TestStop_AdmitsNextQueued(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	assertStatus(t, s, b, transfer.StatusQueued)

	require.NoError(t, s.Stop(context.Background(), a))

	assertStatus(t, s, a, transfer.StatusStopped)
	assertStatus(t, s, b, transfer.StatusActive)

	require.Eventually(t, func() bool {
		return eng.last(t, url("a.zip")).stops.Load() == 1
	}, waitFor, tick)
}

func TestPause_KeepsSlot(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	require.NoError(t, s.Pause(context.Background(), a))

	b := submit(t, s, "b.zip")

	assertStatus(t, s, a, transfer.StatusPaused)
	assertStatus(t, s, b, transfer.StatusQueued)

	active, queued := s.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, queued)

	// The halted run reports ErrStopped; that outcome must not free the slot.
	time.Sleep(50 * time.Millisecond)
	assertStatus(t, s, a, transfer.StatusPaused)
	assertStatus(t, s, b, transfer.StatusQueued)
}

func TestPause_Idempotent(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	require.NoError(t, s.Pause(context.Background(), a))

	err := s.Pause(context.Background(), a)
	require.Error(t, err)
	assert.True(t, transfer.IsInvalidTransition(err))

	assertStatus(t, s, a, transfer.StatusPaused)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), eng.last(t, url("a.zip")).stops.Load(), "engine is signalled once")
}

func TestResume_ContinuesFromLastProgress(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1, Retries: 3, ResumeRetries: 5})

	a := submit(t, s, "a.zip")
	first := eng.last(t, url("a.zip"))
	assert.Equal(t, 3, first.req.Retries)
	assert.False(t, first.req.Resume, "a fresh submission starts over")

	first.progress(40, 1024)
	require.Eventually(t, func() bool {
		got, _ := s.Get(a)

		return got.Progress == 40
	}, waitFor, tick)

	require.NoError(t, s.Pause(context.Background(), a))
	require.NoError(t, s.Resume(context.Background(), a))

	assertStatus(t, s, a, transfer.StatusActive)
	require.Equal(t, 2, eng.runs(url("a.zip")))

	second := eng.last(t, url("a.zip"))
	assert.True(t, second.req.Resume)
	assert.Equal(t, 40, second.req.ResumeFrom)
	assert.Equal(t, 5, second.req.Retries)

	err := s.Resume(context.Background(), a)
	assert.True(t, transfer.IsInvalidTransition(err))
}

func TestResume_BelowOnePercentStillResumes(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")

	require.NoError(t, s.Pause(context.Background(), a))
	require.NoError(t, s.Resume(context.Background(), a))
	require.Equal(t, 2, eng.runs(url("a.zip")))

	second := eng.last(t, url("a.zip"))
	assert.True(t, second.req.Resume)
	assert.Equal(t, 0, second.req.ResumeFrom)
}

func TestProgress_MonotonicWhileActive(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	h := eng.last(t, url("a.zip"))

	h.progress(50, 10)
	h.progress(30, 10)
	h.progress(150, 10)

	require.Eventually(t, func() bool {
		got, _ := s.Get(a)

		return got.Progress == 100
	}, waitFor, tick)

	snap, ok := s.aggregator.Get(a)
	require.True(t, ok)
	assert.Equal(t, 100, snap.Progress)
}

func TestProgress_StaleRunIgnored(t *testing.T) {
	eng := newFakeEngine()
	eng.deaf = true
	s := newScheduler(t, eng, Options{Capacity: 1, StopTimeout: time.Hour})

	a := submit(t, s, "a.zip")
	first := eng.last(t, url("a.zip"))
	require.NoError(t, s.Pause(context.Background(), a))

	// The paused run keeps talking; none of it may reach the transfer.
	first.progress(90, 10)
	first.finish(nil)

	time.Sleep(50 * time.Millisecond)

	got, _ := s.Get(a)
	assert.Equal(t, transfer.StatusPaused, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func TestSubmit_DuplicateRejected(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")

	id, err := s.Submit(context.Background(), transfer.Request{URL: url("a.zip"), Destination: "/downloads/a.zip"})
	require.Error(t, err)
	assert.Equal(t, a, id)

	var dup *transfer.DuplicateActiveError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, transfer.StatusActive, dup.Status)
	assert.Equal(t, 1, eng.runs(url("a.zip")), "no second worker")

	// Same URL to another destination is a different transfer.
	_, err = s.Submit(context.Background(), transfer.Request{URL: url("a.zip"), Destination: "/other/a.zip"})
	require.NoError(t, err)
}

func TestSubmit_AfterFailureIsNewCycle(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	eng.last(t, url("a.zip")).finish(errors.New("connection reset"))
	requireStatus(t, s, a, transfer.StatusFailed)

	active, _ := s.Counts()
	assert.Equal(t, 0, active)

	again := submit(t, s, "a.zip")
	assert.Equal(t, a, again)
	assertStatus(t, s, a, transfer.StatusActive)

	eng.last(t, url("a.zip")).finish(nil)
	requireStatus(t, s, a, transfer.StatusCompleted)
}

func TestEngineContractViolations(t *testing.T) {
	t.Run("start error", func(t *testing.T) {
		eng := newFakeEngine()
		eng.startErr = errors.New("unsupported scheme")
		s := newScheduler(t, eng, Options{Capacity: 1})

		a := submit(t, s, "a.zip")
		requireStatus(t, s, a, transfer.StatusFailed)
	})

	t.Run("events closed without outcome", func(t *testing.T) {
		eng := newFakeEngine()
		s := newScheduler(t, eng, Options{Capacity: 1})

		a := submit(t, s, "a.zip")
		b := submit(t, s, "b.zip")

		eng.last(t, url("a.zip")).closeSilently()

		requireStatus(t, s, a, transfer.StatusFailed)
		requireStatus(t, s, b, transfer.StatusActive)
	})
}

func TestStop_ForcesUnresponsiveEngine(t *testing.T) {
	eng := newFakeEngine()
	eng.deaf = true
	s := newScheduler(t, eng, Options{Capacity: 1, StopTimeout: 20 * time.Millisecond})

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	h := eng.last(t, url("a.zip"))

	require.NoError(t, s.Stop(context.Background(), a))

	// Admission does not wait for the engine to acknowledge.
	assertStatus(t, s, a, transfer.StatusStopped)
	assertStatus(t, s, b, transfer.StatusActive)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()

		return h.finished
	}, waitFor, tick, "run context was never cancelled")
}

func TestStop_Queued(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	c := submit(t, s, "c.zip")

	require.NoError(t, s.Stop(context.Background(), b))
	assertStatus(t, s, b, transfer.StatusStopped)

	_, queued := s.Counts()
	assert.Equal(t, 1, queued)

	eng.last(t, url("a.zip")).finish(nil)
	requireStatus(t, s, c, transfer.StatusActive)
	assert.Equal(t, 0, eng.runs(url("b.zip")))

	err := s.Stop(context.Background(), b)
	assert.True(t, transfer.IsInvalidTransition(err))

	assert.ErrorIs(t, s.Stop(context.Background(), "missing"), transfer.ErrNotFound)
}

func TestAdmission_FIFO(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		submit(t, s, n)
	}

	for _, n := range names {
		h := eng.last(t, url(n))
		h.finish(nil)

		require.Eventually(t, func() bool {
			active, queued := s.Counts()

			return active+queued == 0 || len(eng.startOrder()) > indexOf(names, n)+1
		}, waitFor, tick)
	}

	want := make([]string, 0, len(names))
	for _, n := range names {
		want = append(want, url(n))
	}

	assert.Equal(t, want, eng.startOrder())
}

func indexOf(names []string, n string) int {
	for i, v := range names {
		if v == n {
			return i
		}
	}

	return -1
}

func TestCapacityBound_RandomOperations(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, submit(t, s, string(rune('a'+i))+".zip"))
	}

	check := func() {
		active, _ := s.Counts()
		assert.LessOrEqual(t, active, s.Capacity())

		running := 0
		for _, tr := range s.List() {
			if tr.Status == transfer.StatusActive || tr.Status == transfer.StatusPaused {
				running++
			}
		}

		assert.LessOrEqual(t, running, s.Capacity())
	}

	for i, id := range ids {
		switch i % 4 {
		case 0:
			_ = s.Pause(ctx, id)
		case 1:
			_ = s.Stop(ctx, id)
		case 2:
			_ = s.Resume(ctx, ids[(i+2)%len(ids)])
		case 3:
			if eng.runs(url(string(rune('a'+i))+".zip")) > 0 {
				eng.last(t, url(string(rune('a'+i))+".zip")).finish(nil)
			}
		}

		check()
	}

	s.StopAll(ctx)
	check()

	active, queued := s.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, queued)
}

func TestSetCapacity(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})
	ctx := context.Background()

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	c := submit(t, s, "c.zip")

	require.NoError(t, s.SetCapacity(ctx, 3))
	assertStatus(t, s, b, transfer.StatusActive)
	assertStatus(t, s, c, transfer.StatusActive)

	require.NoError(t, s.SetCapacity(ctx, 1))
	for _, id := range []string{a, b, c} {
		assertStatus(t, s, id, transfer.StatusActive)
	}

	d := submit(t, s, "d.zip")
	assertStatus(t, s, d, transfer.StatusQueued)

	eng.last(t, url("a.zip")).finish(nil)
	requireStatus(t, s, a, transfer.StatusCompleted)
	time.Sleep(20 * time.Millisecond)
	assertStatus(t, s, d, transfer.StatusQueued)

	assert.ErrorIs(t, s.SetCapacity(ctx, 0), transfer.ErrInvalidCapacity)
	assert.Equal(t, 1, s.Capacity())
}

func TestHeaders_AppliedAtStart(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1, Headers: map[string]string{"referer": "https://one/"}})

	submit(t, s, "a.zip")
	_, err := s.Submit(context.Background(), transfer.Request{
		URL:         url("b.zip"),
		Destination: "/downloads/b.zip",
		Headers:     map[string]string{"user-agent": "test"},
	})
	require.NoError(t, err)

	s.SetHeaders(map[string]string{"referer": "https://two/"})
	submit(t, s, "c.zip")

	assert.Equal(t, map[string]string{"referer": "https://one/"}, eng.last(t, url("a.zip")).req.Headers)

	eng.last(t, url("a.zip")).finish(nil)
	require.Eventually(t, func() bool { return eng.runs(url("b.zip")) == 1 }, waitFor, tick)
	assert.Equal(t, map[string]string{"referer": "https://two/", "user-agent": "test"}, eng.last(t, url("b.zip")).req.Headers,
		"queued transfers pick up headers set before they start")

	eng.last(t, url("b.zip")).finish(nil)
	require.Eventually(t, func() bool { return eng.runs(url("c.zip")) == 1 }, waitFor, tick)
	assert.Equal(t, map[string]string{"referer": "https://two/"}, eng.last(t, url("c.zip")).req.Headers)

	assert.Equal(t, map[string]string{"referer": "https://two/"}, s.Headers())
}

func TestPauseAllResumeAllStopAll(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 2})
	ctx := context.Background()

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")
	c := submit(t, s, "c.zip")

	assert.Equal(t, 2, s.PauseAll(ctx))
	assertStatus(t, s, a, transfer.StatusPaused)
	assertStatus(t, s, b, transfer.StatusPaused)
	assertStatus(t, s, c, transfer.StatusQueued)

	assert.Equal(t, 2, s.ResumeAll(ctx))
	assertStatus(t, s, a, transfer.StatusActive)
	assertStatus(t, s, b, transfer.StatusActive)

	assert.Equal(t, 3, s.StopAll(ctx))
	for _, id := range []string{a, b, c} {
		assertStatus(t, s, id, transfer.StatusStopped)
	}

	assert.Equal(t, 0, eng.runs(url("c.zip")), "queued transfers are not admitted while stopping all")
	assert.Empty(t, s.Records(), "stopped transfers are not saved for the next run")
}

func TestRestoreAndRecords(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})
	ctx := context.Background()

	records := []storage.TransferRecord{
		{URL: url("a.zip"), Progress: 40},
		{URL: url("b.zip"), Progress: 0},
		{URL: "https://example.com/", Progress: 10},
	}

	reqs := s.Restore(ctx, "/downloads", records)
	require.Len(t, reqs, 2)
	assert.Equal(t, "/downloads/a.zip", reqs[0].Destination)
	assert.Equal(t, 40, reqs[0].InitialProgress)

	for _, r := range reqs {
		got, ok := s.Get(r.ID())
		require.True(t, ok)
		assert.Equal(t, transfer.StatusQueued, got.Status)
	}

	active, queued := s.Counts()
	assert.Equal(t, 0, active, "restored transfers are not admitted")
	assert.Equal(t, 0, queued)
	assert.Empty(t, eng.startOrder())

	exported := s.Records()
	require.Len(t, exported, 2)
	assert.Equal(t, url("a.zip"), exported[0].URL)
	assert.Equal(t, 40, exported[0].Progress)

	a, err := s.Submit(ctx, reqs[0])
	require.NoError(t, err, "submitting a restored transfer is not a duplicate")
	assertStatus(t, s, a, transfer.StatusActive)
	assert.Equal(t, 40, eng.last(t, url("a.zip")).req.ResumeFrom)
	assert.True(t, eng.last(t, url("a.zip")).req.Resume)

	eng.last(t, url("a.zip")).finish(nil)
	requireStatus(t, s, a, transfer.StatusCompleted)

	exported = s.Records()
	require.Len(t, exported, 1, "completed transfers are not exported")
	assert.Equal(t, url("b.zip"), exported[0].URL)

	b, err := s.Submit(ctx, reqs[1])
	require.NoError(t, err)
	assertStatus(t, s, b, transfer.StatusActive)
	assert.True(t, eng.last(t, url("b.zip")).req.Resume, "restored transfers keep their part files even at 0%")
	assert.Equal(t, 5, eng.last(t, url("b.zip")).req.Retries)
}

func TestObserver_OrderedDelivery(t *testing.T) {
	eng := newFakeEngine()
	obs := newRecordingObserver()
	s := newScheduler(t, eng, Options{Capacity: 1, Observer: obs})

	a := submit(t, s, "a.zip")
	h := eng.last(t, url("a.zip"))

	for p := 10; p <= 90; p += 10 {
		h.progress(p, 1)
	}

	h.finish(nil)
	requireStatus(t, s, a, transfer.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, []transfer.Status{transfer.StatusActive, transfer.StatusCompleted}, obs.statusesOf(a))

	obs.mu.Lock()
	defer obs.mu.Unlock()

	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, obs.progress[a])
	assert.Equal(t, [2]int{0, 0}, obs.queue[len(obs.queue)-1])
}

func TestWait(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 1})

	submit(t, s, "a.zip")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	h := eng.last(t, url("a.zip"))
	go h.finish(nil)

	ctx2, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	assert.NoError(t, s.Wait(ctx2))
}

func TestPruneFinished(t *testing.T) {
	eng := newFakeEngine()
	s := newScheduler(t, eng, Options{Capacity: 2})

	a := submit(t, s, "a.zip")
	b := submit(t, s, "b.zip")

	eng.last(t, url("a.zip")).finish(nil)
	requireStatus(t, s, a, transfer.StatusCompleted)

	assert.Equal(t, 0, s.PruneFinished(time.Now().Add(-time.Hour)), "only transfers finished before the cutoff go")
	assert.Equal(t, 1, s.PruneFinished(time.Now().Add(time.Second)))

	_, ok := s.Get(a)
	assert.False(t, ok)

	_, ok = s.Get(b)
	assert.True(t, ok)
	assert.Len(t, s.Snapshot(), 1)
	assert.Len(t, s.List(), 1)
}

// gatedEngine blocks Start until release is closed.
type gatedEngine struct {
	*fakeEngine

	entered chan struct{}
	release chan struct{}
	ctx     atomic.Value
}

func (e *gatedEngine) Start(ctx context.Context, req engine.Request) (engine.Handle, error) {
	close(e.entered)
	<-e.release
	e.ctx.Store(ctx)

	return e.fakeEngine.Start(ctx, req)
}

func TestShutdown_RunAttachedLate(t *testing.T) {
	eng := &gatedEngine{
		fakeEngine: newFakeEngine(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	s := New(context.Background(), eng, nil, Options{Capacity: 1})

	submitted := make(chan string, 1)

	go func() {
		id, _ := s.Submit(context.Background(), transfer.Request{URL: url("a.zip"), Destination: "/downloads/a.zip"})
		submitted <- id
	}()

	<-eng.entered

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	close(eng.release)
	a := <-submitted

	h := eng.last(t, url("a.zip"))
	assert.Equal(t, int32(1), h.stops.Load(), "a run started after shutdown is stopped")

	runCtx := eng.ctx.Load().(context.Context)
	require.Eventually(t, func() bool { return runCtx.Err() != nil }, waitFor, tick)

	records := s.Records()
	require.Len(t, records, 1, "the interrupted transfer is still saved")
	assert.Equal(t, a, records[0].ID)
}

func TestShutdown(t *testing.T) {
	eng := newFakeEngine()
	s := New(context.Background(), eng, nil, Options{Capacity: 1})

	a := submit(t, s, "a.zip")
	eng.last(t, url("a.zip")).progress(30, 1)
	require.Eventually(t, func() bool {
		got, _ := s.Get(a)

		return got.Progress == 30
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, int32(1), eng.last(t, url("a.zip")).stops.Load())

	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 30, records[0].Progress)

	_, err := s.Submit(context.Background(), transfer.Request{URL: url("b.zip"), Destination: "/downloads/b.zip"})
	assert.ErrorIs(t, err, ErrClosed)
}
