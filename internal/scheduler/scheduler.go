// Package scheduler runs downloads through a transfer engine with a bounded number of
// concurrent slots and a FIFO wait queue for the overflow.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/engine"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/progress"
	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

// ErrClosed is returned by Submit and Resume after Shutdown.
var ErrClosed = errors.New("scheduler is shut down")

var errNoOutcome = errors.New("transfer engine closed its events without reporting an outcome")

const (
	DefaultSegments      = 10
	DefaultRetries       = 3
	DefaultResumeRetries = 5
	DefaultStopTimeout   = 10 * time.Second
)

// Options configures a Scheduler. Zero values fall back to the defaults above and a
// capacity of 1.
type Options struct {
	Capacity      int
	Segments      int
	Retries       int
	ResumeRetries int
	// StopTimeout bounds how long a halted run may take to acknowledge Stop before
	// its context is cancelled.
	StopTimeout time.Duration
	// Headers are applied to every transfer started after they are set.
	Headers  map[string]string
	Observer Observer
}

func (o *Options) setDefaults() {
	if o.Capacity < 1 {
		o.Capacity = 1
	}

	if o.Segments < 1 {
		o.Segments = DefaultSegments
	}

	if o.Retries < 1 {
		o.Retries = DefaultRetries
	}

	if o.ResumeRetries < 1 {
		o.ResumeRetries = DefaultResumeRetries
	}

	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
}

type run struct {
	gen    uint64
	handle engine.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

type entry struct {
	t   transfer.Transfer
	gen uint64
	run *run
	// overrides are the request's own headers, merged over the defaults when the
	// transfer is started.
	overrides map[string]string
	// restored entries were loaded from persisted state and are not in the wait queue
	// until they are submitted.
	restored bool
	// continued is set when a submission took over a restored entry, so its first run
	// picks up the partial data left by the previous process.
	continued bool
}

// launch is an engine start decided inside the critical section and performed after
// the lock is released.
type launch struct {
	id  string
	gen uint64
	req engine.Request
}

// Scheduler is safe for concurrent use. Every state transition is committed under a
// single mutex; engine calls and observer delivery happen outside of it.
type Scheduler struct {
	ctx        context.Context
	engine     engine.Engine
	aggregator *progress.Aggregator
	dispatch   *dispatcher
	opts       Options

	mu       sync.Mutex
	capacity int
	headers  map[string]string
	entries  map[string]*entry
	order    []string
	active   map[string]struct{}
	queue    []string
	changed  chan struct{}
	closed   bool

	runs  sync.WaitGroup
	halts sync.WaitGroup
}

// New creates a Scheduler. Runs derive their context from ctx, so cancelling it
// terminates every transfer.
func New(ctx context.Context, eng engine.Engine, agg *progress.Aggregator, opts Options) *Scheduler {
	opts.setDefaults()

	if agg == nil {
		agg = progress.NewAggregator()
	}

	return &Scheduler{
		ctx:        ctx,
		engine:     eng,
		aggregator: agg,
		dispatch:   newDispatcher(opts.Observer),
		opts:       opts,
		capacity:   opts.Capacity,
		headers:    transfer.MergeHeaders(opts.Headers, nil),
		entries:    make(map[string]*entry),
		active:     make(map[string]struct{}),
		changed:    make(chan struct{}),
	}
}

// Submit admits the request immediately when a slot is free, or queues it. The id is
// returned either way.
func (s *Scheduler) Submit(ctx context.Context, req transfer.Request) (string, error) {
	if req.URL == "" {
		return "", errors.New("url is required")
	}

	if req.Destination == "" {
		return "", errors.New("destination is required")
	}

	id := req.ID()
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", id, "url", req.URL)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return "", ErrClosed
	}

	e, ok := s.entries[id]
	if ok && !e.restored && !e.t.Status.IsTerminal() {
		status := e.t.Status
		s.mu.Unlock()

		logger.Warn("rejected duplicate download", "status", status)

		return id, &transfer.DuplicateActiveError{ID: id, URL: req.URL, Status: status}
	}

	if !ok {
		e = &entry{}
		s.entries[id] = e
		s.order = append(s.order, id)
	}

	e.t = transfer.Transfer{
		ID:          id,
		URL:         req.URL,
		Destination: req.Destination,
		Headers:     transfer.MergeHeaders(s.headers, req.Headers),
		Status:      transfer.StatusQueued,
		Progress:    clampPercent(req.InitialProgress),
	}
	e.gen++
	e.overrides = transfer.MergeHeaders(req.Headers, nil)
	e.continued = ok && e.restored
	e.restored = false

	s.aggregator.Track(e.t)

	var launches []launch

	if len(s.active) < s.capacity {
		launches = append(launches, s.activateLocked(e, false))
	} else {
		s.queue = append(s.queue, id)
		s.notifyStatusLocked(id, transfer.StatusQueued)
	}

	s.notifyQueueLocked()
	s.mu.Unlock()

	if len(launches) == 0 {
		logger.Info("download queued")
	}

	s.startAll(launches)

	return id, nil
}

// Pause halts the network activity of an active transfer. The transfer keeps its slot.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return transfer.ErrNotFound
	}

	if e.t.Status != transfer.StatusActive {
		err := &transfer.InvalidTransitionError{ID: id, Operation: "pause", From: e.t.Status}
		s.mu.Unlock()

		logctx.LoggerFromContext(ctx).Warn("ignored pause", "transfer_id", id, "err", err)

		return err
	}

	r := s.pauseLocked(e)
	s.mu.Unlock()

	s.halt(id, r)

	return nil
}

// Resume restarts a paused transfer from its last known progress.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return transfer.ErrNotFound
	}

	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	if e.t.Status != transfer.StatusPaused {
		err := &transfer.InvalidTransitionError{ID: id, Operation: "resume", From: e.t.Status}
		s.mu.Unlock()

		logctx.LoggerFromContext(ctx).Warn("ignored resume", "transfer_id", id, "err", err)

		return err
	}

	l := s.activateLocked(e, true)
	s.mu.Unlock()

	s.start(l)

	return nil
}

// Stop terminates an active or paused transfer and frees its slot, or removes a
// queued transfer from the wait queue.
func (s *Scheduler) Stop(ctx context.Context, id string) error {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return transfer.ErrNotFound
	}

	if e.t.Status.IsTerminal() {
		err := &transfer.InvalidTransitionError{ID: id, Operation: "stop", From: e.t.Status}
		s.mu.Unlock()

		logctx.LoggerFromContext(ctx).Warn("ignored stop", "transfer_id", id, "err", err)

		return err
	}

	r := s.stopLocked(e)
	launches := s.admitLocked()
	s.notifyQueueLocked()
	s.mu.Unlock()

	s.halt(id, r)
	s.startAll(launches)

	return nil
}

// PauseAll pauses every active transfer and returns how many were paused.
func (s *Scheduler) PauseAll(ctx context.Context) int {
	s.mu.Lock()

	halted := make(map[string]*run)

	for _, id := range s.order {
		e := s.entries[id]
		if e.t.Status == transfer.StatusActive {
			halted[id] = s.pauseLocked(e)
		}
	}
	s.mu.Unlock()

	for id, r := range halted {
		s.halt(id, r)
	}

	logctx.LoggerFromContext(ctx).Info("paused all downloads", "count", len(halted))

	return len(halted)
}

// ResumeAll resumes every paused transfer and returns how many were resumed.
func (s *Scheduler) ResumeAll(ctx context.Context) int {
	s.mu.Lock()

	var launches []launch

	for _, id := range s.order {
		e := s.entries[id]
		if !s.closed && e.t.Status == transfer.StatusPaused {
			launches = append(launches, s.activateLocked(e, true))
		}
	}
	s.mu.Unlock()

	s.startAll(launches)

	logctx.LoggerFromContext(ctx).Info("resumed all downloads", "count", len(launches))

	return len(launches)
}

// StopAll stops every queued, active and paused transfer and returns how many were
// stopped. Nothing is admitted from the queue while stopping.
func (s *Scheduler) StopAll(ctx context.Context) int {
	s.mu.Lock()

	halted := make(map[string]*run)
	count := 0

	for _, id := range s.order {
		e := s.entries[id]
		if e.restored || e.t.Status.IsTerminal() {
			continue
		}

		if r := s.stopLocked(e); r != nil {
			halted[id] = r
		}

		count++
	}

	s.notifyQueueLocked()
	s.mu.Unlock()

	for id, r := range halted {
		s.halt(id, r)
	}

	logctx.LoggerFromContext(ctx).Info("stopped all downloads", "count", count)

	return count
}

// SetCapacity changes the number of slots. Growing admits queued transfers right
// away; shrinking never evicts running ones.
func (s *Scheduler) SetCapacity(ctx context.Context, n int) error {
	if n < 1 {
		return transfer.ErrInvalidCapacity
	}

	s.mu.Lock()
	s.capacity = n
	launches := s.admitLocked()
	s.notifyQueueLocked()
	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("max concurrent downloads changed", "capacity", n, "admitted", len(launches))

	s.startAll(launches)

	return nil
}

func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capacity
}

// SetHeaders replaces the default headers. They apply to transfers started from now
// on; running and paused transfers keep theirs.
func (s *Scheduler) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headers = transfer.MergeHeaders(headers, nil)
}

func (s *Scheduler) Headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return transfer.MergeHeaders(s.headers, nil)
}

// Restore re-creates persisted transfers as Queued with their saved progress. They
// are not admitted: the returned requests are for the caller to Submit when it
// chooses to. Records whose URL has no file name are skipped.
func (s *Scheduler) Restore(ctx context.Context, downloadDir string, records []storage.TransferRecord) []transfer.Request {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var requests []transfer.Request

	for _, rec := range records {
		dest, err := transfer.DestinationFor(downloadDir, rec.URL)
		if err != nil {
			logger.Warn("skipped persisted transfer", "url", rec.URL, "err", err)

			continue
		}

		id := transfer.NewID(rec.URL, dest)

		e, ok := s.entries[id]
		if ok && !e.t.Status.IsTerminal() {
			continue
		}

		if !ok {
			e = &entry{}
			s.entries[id] = e
			s.order = append(s.order, id)
		}

		e.t = transfer.Transfer{
			ID:          id,
			URL:         rec.URL,
			Destination: dest,
			Headers:     transfer.MergeHeaders(s.headers, nil),
			Status:      transfer.StatusQueued,
			Progress:    clampPercent(rec.Progress),
		}
		e.overrides = nil
		e.restored = true
		e.continued = false

		s.aggregator.Track(e.t)
		s.notifyStatusLocked(id, transfer.StatusQueued)

		requests = append(requests, transfer.Request{
			URL:             rec.URL,
			Destination:     dest,
			InitialProgress: e.t.Progress,
		})
	}

	logger.Info("restored persisted transfers", "count", len(requests))

	return requests
}

// Records exports the transfers worth picking up again, for persisting. Completed
// transfers and the ones stopped on request are left out.
func (s *Scheduler) Records() []storage.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []storage.TransferRecord

	for _, id := range s.order {
		e := s.entries[id]
		if e.t.Status == transfer.StatusCompleted || e.t.Status == transfer.StatusStopped {
			continue
		}

		records = append(records, storage.TransferRecord{ID: id, URL: e.t.URL, Progress: e.t.Progress})
	}

	return records
}

// Counts returns the occupied slots (active or paused) and the wait queue length.
func (s *Scheduler) Counts() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.active), len(s.queue)
}

// Get returns a copy of the transfer.
func (s *Scheduler) Get(id string) (transfer.Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return transfer.Transfer{}, false
	}

	t := e.t
	t.Headers = transfer.MergeHeaders(e.t.Headers, nil)

	return t, true
}

// List returns a copy of every known transfer in submission order.
func (s *Scheduler) List() []transfer.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transfer.Transfer, 0, len(s.order))
	for _, id := range s.order {
		t := s.entries[id].t
		t.Headers = transfer.MergeHeaders(t.Headers, nil)
		out = append(out, t)
	}

	return out
}

// Snapshot returns the latest progress of every tracked transfer.
func (s *Scheduler) Snapshot() []progress.Snapshot {
	return s.aggregator.SnapshotAll()
}

// PruneFinished forgets transfers that reached a terminal status before the given
// time and returns how many were forgotten. Finish times are the aggregator's.
func (s *Scheduler) PruneFinished(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := make(map[string]struct{})

	for _, id := range s.aggregator.PruneFinished(before) {
		if e, ok := s.entries[id]; ok && e.t.Status.IsTerminal() {
			delete(s.entries, id)
			gone[id] = struct{}{}
		}
	}

	if len(gone) == 0 {
		return 0
	}

	kept := s.order[:0]

	for _, id := range s.order {
		if _, ok := gone[id]; !ok {
			kept = append(kept, id)
		}
	}

	s.order = kept

	return len(gone)
}

// Wait blocks until no slot is occupied and the wait queue is empty, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.active) == 0 && len(s.queue) == 0
		changed := s.changed
		s.mu.Unlock()

		if idle {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown halts every running transfer, keeping its status and progress so Records
// still exports it, then waits for runs to exit and observers to drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	halted := make(map[string]*run)

	for id, e := range s.entries {
		if e.run != nil {
			halted[id] = e.run
			e.run = nil
		}

		e.gen++
	}

	s.halts.Add(len(halted))
	s.mu.Unlock()

	for id, r := range halted {
		go s.awaitStop(id, r)
	}

	done := make(chan struct{})

	go func() {
		s.halts.Wait()
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for transfers to stop: %w", ctx.Err())
	}

	return s.dispatch.close(ctx)
}

// activateLocked marks e Active, takes a slot and returns the engine start to perform.
// A fresh start picks up the current default headers; a resume keeps the headers the
// transfer started with.
func (s *Scheduler) activateLocked(e *entry, resume bool) launch {
	if !resume {
		e.t.Headers = transfer.MergeHeaders(s.headers, e.overrides)
	}

	e.t.Status = transfer.StatusActive
	e.gen++
	s.active[e.t.ID] = struct{}{}

	s.aggregator.SetStatus(e.t.ID, transfer.StatusActive)
	s.notifyStatusLocked(e.t.ID, transfer.StatusActive)

	resume = resume || e.continued
	e.continued = false

	retries := s.opts.Retries
	if resume || e.t.Progress > 0 {
		retries = s.opts.ResumeRetries
	}

	return launch{
		id:  e.t.ID,
		gen: e.gen,
		req: engine.Request{
			URL:         e.t.URL,
			Destination: e.t.Destination,
			Headers:     e.t.Headers,
			Segments:    s.opts.Segments,
			Retries:     retries,
			Resume:      resume,
			ResumeFrom:  e.t.Progress,
		},
	}
}

func (s *Scheduler) pauseLocked(e *entry) *run {
	r := e.run
	e.run = nil
	e.gen++
	e.t.Status = transfer.StatusPaused
	e.t.Speed = 0

	s.aggregator.Record(e.t.ID, e.t.Progress, 0)
	s.aggregator.SetStatus(e.t.ID, transfer.StatusPaused)
	s.notifyStatusLocked(e.t.ID, transfer.StatusPaused)

	return r
}

// stopLocked moves e to Stopped, releasing its slot or its queue position. The caller
// runs admission.
func (s *Scheduler) stopLocked(e *entry) *run {
	r := e.run

	if e.t.Status == transfer.StatusQueued {
		s.removeFromQueueLocked(e.t.ID)
	}

	delete(s.active, e.t.ID)

	e.run = nil
	e.gen++
	s.finishLocked(e, transfer.StatusStopped)

	return r
}

func (s *Scheduler) finishLocked(e *entry, status transfer.Status) {
	e.t.Status = status
	e.t.Speed = 0

	s.aggregator.SetStatus(e.t.ID, status)
	s.notifyStatusLocked(e.t.ID, status)
}

// admitLocked pops the wait queue head while slots are free.
func (s *Scheduler) admitLocked() []launch {
	if s.closed {
		return nil
	}

	var launches []launch

	for len(s.active) < s.capacity && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		e, ok := s.entries[id]
		if !ok || e.t.Status != transfer.StatusQueued {
			continue
		}

		launches = append(launches, s.activateLocked(e, false))
	}

	return launches
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)

			return
		}
	}
}

func (s *Scheduler) notifyStatusLocked(id string, status transfer.Status) {
	s.dispatch.push(func(o Observer) { o.OnStatusChange(id, status) })
}

// notifyQueueLocked reports the counts and wakes Wait callers.
func (s *Scheduler) notifyQueueLocked() {
	active, queued := len(s.active), len(s.queue)
	s.dispatch.push(func(o Observer) { o.OnQueueChanged(active, queued) })

	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) startAll(launches []launch) {
	for _, l := range launches {
		s.start(l)
	}
}

func (s *Scheduler) start(l launch) {
	ctx, cancel := context.WithCancel(logctx.With(s.ctx, "transfer_id", l.id))

	h, err := s.engine.Start(ctx, l.req)
	if err != nil {
		cancel()
		s.outcome(l.id, l.gen, engine.Completed(err))

		return
	}

	r := &run{gen: l.gen, handle: h, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()

	// Shutdown may already be waiting for runs, so this one is not counted.
	if s.closed {
		s.mu.Unlock()

		h.Stop()
		cancel()

		go func() {
			for range h.Events() {
			}
		}()

		return
	}

	e, ok := s.entries[l.id]
	stale := !ok || e.gen != l.gen
	if !stale {
		e.run = r
	}
	s.runs.Add(1)
	s.mu.Unlock()

	go s.pump(l.id, r)

	// The transfer was paused or stopped before its run was attached.
	if stale {
		s.halt(l.id, r)
	}
}

// pump consumes the events of one run until the engine closes the channel.
func (s *Scheduler) pump(id string, r *run) {
	defer s.runs.Done()
	defer close(r.done)
	defer r.cancel()

	reported := false

	for ev := range r.handle.Events() {
		switch ev.Kind {
		case engine.EventProgress:
			s.progress(id, r.gen, ev)
		case engine.EventCompleted:
			if !reported {
				reported = true
				s.outcome(id, r.gen, ev)
			}
		}
	}

	if !reported {
		s.outcome(id, r.gen, engine.Completed(errNoOutcome))
	}
}

func (s *Scheduler) progress(id string, gen uint64, ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.t.Status != transfer.StatusActive {
		return
	}

	// Progress never goes backwards while active.
	percent := clampPercent(ev.Progress)
	if percent < e.t.Progress {
		percent = e.t.Progress
	}

	e.t.Progress = percent
	e.t.Speed = ev.Speed

	s.aggregator.Record(id, percent, ev.Speed)
	s.dispatch.push(func(o Observer) { o.OnProgress(id, percent, ev.Speed) })
}

// outcome applies the completion of the run generation gen. Outcomes of superseded
// runs are dropped.
func (s *Scheduler) outcome(id string, gen uint64, ev engine.Event) {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.t.Status != transfer.StatusActive {
		s.mu.Unlock()

		return
	}

	e.run = nil
	delete(s.active, id)

	var failure error

	if ev.Success {
		e.t.Progress = 100
		s.aggregator.Record(id, 100, 0)
		s.dispatch.push(func(o Observer) { o.OnProgress(id, 100, 0) })
		s.finishLocked(e, transfer.StatusCompleted)
	} else {
		cause := ev.Err
		if cause == nil {
			cause = errors.New("transfer engine reported failure")
		}

		failure = &transfer.TransferEngineError{ID: id, URL: e.t.URL, Err: cause}
		s.finishLocked(e, transfer.StatusFailed)
	}

	url := e.t.URL
	launches := s.admitLocked()
	s.notifyQueueLocked()
	s.mu.Unlock()

	logger := logctx.LoggerFromContext(s.ctx).With("transfer_id", id, "url", url)
	if failure != nil {
		logger.Error("download failed", "err", failure)
	} else {
		logger.Info("download completed")
	}

	s.startAll(launches)
}

// halt asks a run to stop and cancels its context if it does not finish within the
// stop timeout. It does not block the caller.
func (s *Scheduler) halt(id string, r *run) {
	if r == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		// Shutdown already waits for the run itself.
		r.handle.Stop()
		r.cancel()

		return
	}

	s.halts.Add(1)
	s.mu.Unlock()

	go s.awaitStop(id, r)
}

// awaitStop stops r and cancels it after the stop timeout. The caller has counted it
// in halts.
func (s *Scheduler) awaitStop(id string, r *run) {
	defer s.halts.Done()

	r.handle.Stop()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		logctx.LoggerFromContext(s.ctx).Warn("transfer engine did not stop in time, cancelling",
			"transfer_id", id,
			"timeout", s.opts.StopTimeout,
		)
		r.cancel()
	}
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
