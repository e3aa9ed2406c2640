package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on an id the scheduler does not know.
	ErrNotFound = errors.New("transfer not found")

	// ErrInvalidCapacity is returned when the concurrency limit is not positive.
	ErrInvalidCapacity = errors.New("max concurrent transfers must be at least 1")
)

// DuplicateActiveError is returned when a download for the same URL and destination
// is already holding a slot or waiting for one.
type DuplicateActiveError struct {
	ID     string // Identity of the existing transfer
	URL    string // URL that was submitted again
	Status Status // Current status of the existing transfer
}

func (e *DuplicateActiveError) Error() string {
	return fmt.Sprintf("a download for %s is already %s", e.URL, e.Status)
}

// TransferEngineError represents a failure reported by the transfer engine for a single
// download: network errors, exhausted retries or a broken engine contract.
type TransferEngineError struct {
	ID  string // Identity of the failed transfer
	URL string // URL that failed
	Err error  // Underlying error, if any
}

func (e *TransferEngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download of %s failed: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("download of %s failed", e.URL)
}

func (e *TransferEngineError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError is returned when pause, resume or stop is called on a transfer
// that is not in the required source state. The operation is a no-op.
type InvalidTransitionError struct {
	ID        string // Identity of the transfer
	Operation string // The operation that was refused (e.g., "pause", "resume")
	From      Status // Status the transfer was in
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s transfer %s: transfer is %s", e.Operation, e.ID, e.From)
}

// OutsideDirError is returned when a destination does not resolve to a file inside
// the download directory.
type OutsideDirError struct {
	Path string // Destination as given
	Dir  string // Download directory it had to stay in
}

func (e *OutsideDirError) Error() string {
	return fmt.Sprintf("destination %q is outside the download directory %s", e.Path, e.Dir)
}

// IsOutsideDir reports whether err is an OutsideDirError.
func IsOutsideDir(err error) bool {
	var oe *OutsideDirError

	return errors.As(err, &oe)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError

	return errors.As(err, &te)
}

// IsDuplicate reports whether err is a DuplicateActiveError.
func IsDuplicate(err error) bool {
	var de *DuplicateActiveError

	return errors.As(err, &de)
}
