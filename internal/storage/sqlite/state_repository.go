package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/italolelis/batch_downloader/internal/storage"
)

const (
	keyDownloadPath  = "download_path"
	keyTheme         = "theme"
	keyMaxConcurrent = "max_concurrent"
)

// StateRepository implements storage.Store on SQLite.
type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Load returns the saved state, or storage.DefaultState() for an empty database.
func (r *StateRepository) Load(ctx context.Context) (storage.State, error) {
	state := storage.DefaultState()

	if err := r.loadSettings(ctx, &state); err != nil {
		return storage.DefaultState(), &storage.PersistenceError{Op: "load", Err: err}
	}

	if err := r.loadHeaders(ctx, &state); err != nil {
		return storage.DefaultState(), &storage.PersistenceError{Op: "load", Err: err}
	}

	if err := r.loadTransfers(ctx, &state); err != nil {
		return storage.DefaultState(), &storage.PersistenceError{Op: "load", Err: err}
	}

	return state, nil
}

func (r *StateRepository) loadSettings(ctx context.Context, state *storage.State) error {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}

		switch key {
		case keyDownloadPath:
			state.DownloadPath = value
		case keyTheme:
			if value == "" {
				continue
			}

			theme, err := storage.ParseTheme(value)
			if err != nil {
				return err
			}

			state.Theme = theme
		case keyMaxConcurrent:
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", keyMaxConcurrent, value, err)
			}

			state.MaxConcurrent = n
		}
	}

	return rows.Err()
}

func (r *StateRepository) loadHeaders(ctx context.Context, state *storage.State) error {
	rows, err := r.db.QueryContext(ctx, `SELECT name, value FROM headers`)
	if err != nil {
		return fmt.Errorf("failed to query headers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("failed to scan header: %w", err)
		}

		state.Headers[name] = value
	}

	return rows.Err()
}

func (r *StateRepository) loadTransfers(ctx context.Context, state *storage.State) error {
	rows, err := r.db.QueryContext(ctx, `SELECT id, url, progress FROM transfers ORDER BY position`)
	if err != nil {
		return fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record storage.TransferRecord
		if err := rows.Scan(&record.ID, &record.URL, &record.Progress); err != nil {
			return fmt.Errorf("failed to scan transfer: %w", err)
		}

		state.Transfers = append(state.Transfers, record)
	}

	return rows.Err()
}

// Save replaces the stored state in a single transaction.
func (r *StateRepository) Save(ctx context.Context, state storage.State) error {
	if err := r.save(ctx, state); err != nil {
		return &storage.PersistenceError{Op: "save", Err: err}
	}

	return nil
}

func (r *StateRepository) save(ctx context.Context, state storage.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{`DELETE FROM settings`, `DELETE FROM headers`, `DELETE FROM transfers`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
	}

	settings := map[string]string{
		keyDownloadPath:  state.DownloadPath,
		keyTheme:         string(state.Theme),
		keyMaxConcurrent: strconv.Itoa(state.MaxConcurrent),
	}

	for key, value := range settings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	for name, value := range state.Headers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO headers (name, value) VALUES (?, ?)`, name, value); err != nil {
			return fmt.Errorf("failed to save header %s: %w", name, err)
		}
	}

	for i, record := range state.Transfers {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transfers (position, id, url, progress) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET url = excluded.url, progress = excluded.progress`,
			i, record.ID, record.URL, record.Progress,
		)
		if err != nil {
			return fmt.Errorf("failed to save transfer %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	return nil
}
