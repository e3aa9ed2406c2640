package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/batch_downloader/internal/storage"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// InstrumentedStateRepository wraps StateRepository with telemetry.
type InstrumentedStateRepository struct {
	repo      *StateRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStateRepository creates a new instrumented state repository.
func NewInstrumentedStateRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedStateRepository {
	return &InstrumentedStateRepository{
		repo:      NewStateRepository(dbConn),
		telemetry: tel,
	}
}

// Load loads the state with telemetry.
func (r *InstrumentedStateRepository) Load(ctx context.Context) (storage.State, error) {
	var result storage.State

	err := r.telemetry.InstrumentDBOperation(ctx, "load_state", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Load(ctx)

		return err
	})

	return result, err
}

// Save saves the state with telemetry.
func (r *InstrumentedStateRepository) Save(ctx context.Context, state storage.State) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_state", func(ctx context.Context) error {
		return r.repo.Save(ctx, state)
	})
}
