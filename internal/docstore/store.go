// Package docstore drives the lifetime of the temporary presentation copy that
// becomes one recipient's certificate: duplicate, substitute, export, release.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"certmailer/internal/models"
)

var (
	// ErrQuota means the remote store refused the call because a rate or
	// storage quota is exhausted.
	ErrQuota = errors.New("remote quota exceeded")
	// ErrUnavailable covers transport failures, timeouts and server errors.
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrExportFormat means the export returned something that is not a
	// usable PDF.
	ErrExportFormat = errors.New("exported document is not a valid pdf")
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("remote document not found")
)

// SourceID addresses the master presentation. It is only ever read.
type SourceID string

// Store is the capability set of the remote document store.
type Store interface {
	Copy(ctx context.Context, src SourceID, name string) (string, error)
	ReplaceText(ctx context.Context, id, placeholder, replacement string) error
	Export(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Ledger records copies that exist remotely so that a crash mid-batch can be
// cleaned up later.
type Ledger interface {
	Track(ctx context.Context, doc models.TempDocument) error
	Forget(ctx context.Context, remoteID string) error
}

// StageError tags a lifecycle failure with the kind of the stage it came from.
type StageError struct {
	Kind models.ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf extracts the stage kind from err, if it carries one.
func KindOf(err error) (models.ErrorKind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
