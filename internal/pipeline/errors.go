package pipeline

import (
	"errors"
	"fmt"

	"certmailer/internal/docstore"
	"certmailer/internal/models"
)

// RecipientError is the outcome of a failed row: the stage that failed and
// the cause.
type RecipientError struct {
	Recipient models.Recipient
	Kind      models.ErrorKind
	Err       error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("%s for %s <%s>: %v", e.Kind, e.Recipient.FullName, e.Recipient.Email, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }

// Failure converts the error into its report entry.
func (e *RecipientError) Failure() models.Failure {
	return models.Failure{Recipient: e.Recipient, Kind: e.Kind, Reason: e.Err.Error()}
}

// recipientError tags err with the stage carried by a docstore.StageError,
// or with fallback when there is none.
func recipientError(rec models.Recipient, err error, fallback models.ErrorKind) *RecipientError {
	var stage *docstore.StageError
	if errors.As(err, &stage) {
		return &RecipientError{Recipient: rec, Kind: stage.Kind, Err: stage.Err}
	}
	return &RecipientError{Recipient: rec, Kind: fallback, Err: err}
}
