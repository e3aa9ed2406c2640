package engine

import (
	"context"
	"time"

	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine     Engine
	telemetry  *telemetry.Telemetry
	engineType string
}

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry, engineType string) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:     engine,
		telemetry:  tel,
		engineType: engineType,
	}
}

// Start starts a run with telemetry. The outcome of the run is recorded when its
// completed event passes through.
func (e *InstrumentedEngine) Start(ctx context.Context, req Request) (Handle, error) {
	var result Handle

	var err error

	instrumentedErr := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "start", func(ctx context.Context) error {
		result, err = e.engine.Start(ctx, req)

		return err
	})

	if instrumentedErr != nil {
		e.telemetry.RecordSystemError("transfer_engine", "start_failed")

		return nil, instrumentedErr
	}

	return newInstrumentedHandle(result, e.telemetry), nil
}

type instrumentedHandle struct {
	inner  Handle
	events chan Event
}

func newInstrumentedHandle(inner Handle, tel *telemetry.Telemetry) *instrumentedHandle {
	h := &instrumentedHandle{
		inner:  inner,
		events: make(chan Event),
	}

	start := time.Now()

	go func() {
		defer close(h.events)

		completed := false

		for ev := range inner.Events() {
			if ev.Kind == EventCompleted {
				completed = true
				status := "success"
				if !ev.Success {
					status = "error"
				}

				tel.RecordDownload(status, time.Since(start))
			}

			h.events <- ev
		}

		if !completed {
			tel.RecordSystemError("transfer_engine", "missing_outcome")
		}
	}()

	return h
}

func (h *instrumentedHandle) Events() <-chan Event {
	return h.events
}

func (h *instrumentedHandle) Stop() {
	h.inner.Stop()
}
