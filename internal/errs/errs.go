// Package errs defines the error taxonomy shared by the archive engine.
// Callers classify failures with errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSource means a configured location does not exist and is
	// not a recognized URL.
	ErrInvalidSource = errors.New("invalid source")

	// ErrUnreachableRemote means a remote archive could not be downloaded
	// after the configured number of attempts.
	ErrUnreachableRemote = errors.New("remote unreachable")

	// ErrCorruptArchive means the archive's central directory is malformed.
	// The source is marked permanently errored for this process run.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrPasswordRequired means the archive contains encrypted entries and
	// no password has been supplied yet.
	ErrPasswordRequired = errors.New("password required")

	// ErrPasswordIncorrect means the supplied password failed verification.
	ErrPasswordIncorrect = errors.New("password incorrect")

	// ErrSourceNotFound means no source with the given id was resolved.
	ErrSourceNotFound = errors.New("source not found")

	// ErrEntryNotFound means the entry path is not present in the archive.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrPathTraversal means the requested entry path contained a ".."
	// segment or an absolute prefix and was rejected before the archive
	// was touched.
	ErrPathTraversal = errors.New("path traversal rejected")

	// ErrUnsupportedEntry means the entry is not a recognized raster image
	// and cannot be thumbnailed.
	ErrUnsupportedEntry = errors.New("unsupported entry type")
)

// SourceError attaches a source id to an underlying error. It unwraps so
// errors.Is works against the sentinels.
type SourceError struct {
	SourceID string
	Location string
	Err      error
}

func (e *SourceError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("source %s (%s): %v", e.SourceID, e.Location, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.SourceID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ForSource wraps err with source context, preserving nil.
func ForSource(id, location string, err error) error {
	if err == nil {
		return nil
	}
	return &SourceError{SourceID: id, Location: location, Err: err}
}
