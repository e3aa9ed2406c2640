package storage

import (
	"context"
	"fmt"
	"strings"
)

// Theme is the presentation preference persisted alongside the download state.
type Theme string

const (
	ThemeLight Theme = "Light"
	ThemeDark  Theme = "Dark"
	ThemeBlue  Theme = "Blue"
)

const DefaultMaxConcurrent = 3

// ParseTheme accepts theme names case-insensitively.
func ParseTheme(s string) (Theme, error) {
	for _, t := range []Theme{ThemeLight, ThemeDark, ThemeBlue} {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}

	return "", fmt.Errorf("unknown theme %q", s)
}

// TransferRecord is the persisted part of one transfer.
type TransferRecord struct {
	ID       string
	URL      string
	Progress int
}

// State is everything needed to resume work after a restart.
type State struct {
	DownloadPath  string
	Theme         Theme
	Headers       map[string]string
	MaxConcurrent int
	Transfers     []TransferRecord
}

func DefaultState() State {
	return State{
		Theme:         ThemeLight,
		Headers:       map[string]string{},
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

// Store loads and saves State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// PersistenceError is returned when state cannot be loaded or saved. Callers proceed
// with defaults or in-memory state.
type PersistenceError struct {
	Op  string // "load" or "save"
	Err error  // Underlying error, if any
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s state: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
