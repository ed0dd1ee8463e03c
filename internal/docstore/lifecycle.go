package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"certmailer/internal/models"
)

const (
	DefaultPlaceholder   = "{{Full_Name}}"
	DefaultRemoteTimeout = 60 * time.Second
)

// Lifecycle owns the temporary copies created for a batch. One Lifecycle is
// built per batch and handed to the orchestrator; it holds no process-wide
// state.
type Lifecycle struct {
	store       Store
	ledger      Ledger
	batchID     string
	placeholder string
	timeout     time.Duration
	validate    func([]byte) error
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Lifecycle)

// WithLedger records every created copy until it is released.
func WithLedger(ledger Ledger, batchID string) Option {
	return func(l *Lifecycle) {
		l.ledger = ledger
		l.batchID = batchID
	}
}

// WithPlaceholder sets the token replaced inside the copied presentation.
func WithPlaceholder(placeholder string) Option {
	return func(l *Lifecycle) {
		if placeholder != "" {
			l.placeholder = placeholder
		}
	}
}

// WithTimeout bounds each remote call individually.
func WithTimeout(d time.Duration) Option {
	return func(l *Lifecycle) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithValidator replaces the export check; nil disables it.
func WithValidator(fn func([]byte) error) Option {
	return func(l *Lifecycle) {
		l.validate = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLifecycle builds a lifecycle manager over store.
func NewLifecycle(store Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:       store,
		placeholder: DefaultPlaceholder,
		timeout:     DefaultRemoteTimeout,
		validate:    ValidatePDF,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CopyName is the name given to a recipient's temporary copy.
func CopyName(rec models.Recipient) string {
	return fmt.Sprintf("%s Presentation", rec.FullName)
}

// AttachmentName is the file name of a recipient's certificate.
func AttachmentName(rec models.Recipient) string {
	return fmt.Sprintf("%s_Certificate.pdf", rec.FullName)
}

// Duplicate creates the recipient's copy of src.
func (l *Lifecycle) Duplicate(ctx context.Context, src SourceID, rec models.Recipient) (*TemporaryDocument, error) {
	var id string
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = l.store.Copy(ctx, src, CopyName(rec))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate %s: %w", src, err)
	}
	if id == "" {
		return nil, fmt.Errorf("duplicate %s: %w: empty copy id", src, ErrUnavailable)
	}
	doc := &TemporaryDocument{ID: id, Owner: rec.Index, CreatedAt: l.now().UTC(), state: StateCreated}
	if l.ledger != nil {
		entry := models.TempDocument{RemoteID: id, BatchID: l.batchID, RecipientIndex: rec.Index, CreatedAt: doc.CreatedAt}
		if err := l.ledger.Track(context.WithoutCancel(ctx), entry); err != nil {
			l.logger.Warn("track temporary document", zap.String("document_id", id), zap.Error(err))
		}
	}
	return doc, nil
}

// Substitute replaces the placeholder inside the copy with the recipient's
// full name. Matching is exact and case-sensitive.
func (l *Lifecycle) Substitute(ctx context.Context, doc *TemporaryDocument, rec models.Recipient) error {
	err := l.call(ctx, func(ctx context.Context) error {
		return l.store.ReplaceText(ctx, doc.ID, l.placeholder, rec.FullName)
	})
	if err != nil {
		doc.fail()
		return fmt.Errorf("substitute in %s: %w", doc.ID, err)
	}
	return doc.advance(StateSubstituted)
}

// Export renders the copy to PDF bytes.
func (l *Lifecycle) Export(ctx context.Context, doc *TemporaryDocument) ([]byte, error) {
	var content []byte
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		content, err = l.store.Export(ctx, doc.ID)
		return err
	})
	if err == nil && l.validate != nil {
		err = l.validate(content)
	}
	if err != nil {
		doc.fail()
		return nil, fmt.Errorf("export %s: %w", doc.ID, err)
	}
	if err := doc.advance(StateExported); err != nil {
		return nil, err
	}
	return content, nil
}

// Release deletes the copy. It runs even when ctx is already cancelled and
// never returns an error: a failed delete is logged and left in the ledger
// for the reaper. Releasing an already released document does nothing.
func (l *Lifecycle) Release(ctx context.Context, doc *TemporaryDocument) {
	if doc == nil || doc.state == StateReleased || doc.state == StateAbsent {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := l.call(ctx, func(ctx context.Context) error {
		return l.store.Delete(ctx, doc.ID)
	})
	doc.state = StateReleased
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.logger.Warn("release temporary document",
			zap.String("kind", string(models.ReleaseWarning)),
			zap.String("document_id", doc.ID),
			zap.Int("recipient_index", doc.Owner),
			zap.Error(err))
		return
	}
	if l.ledger != nil {
		if err := l.ledger.Forget(ctx, doc.ID); err != nil {
			l.logger.Warn("forget temporary document", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
}

// Render produces the recipient's certificate. The copy is acquired here and
// released on every way out of this function, including panics, so the
// caller only ever sees bytes.
func (l *Lifecycle) Render(ctx context.Context, src SourceID, rec models.Recipient) (models.RenderedDocument, error) {
	doc, err := l.Duplicate(ctx, src, rec)
	if err != nil {
		return models.RenderedDocument{}, &StageError{Kind: models.DuplicationError, Err: err}
	}
	defer l.Release(ctx, doc)

	if err := l.Substitute(ctx, doc, rec); err != nil {
		return models.RenderedDocument{}, &StageError{Kind: models.SubstitutionError, Err: err}
	}
	content, err := l.Export(ctx, doc)
	if err != nil {
		return models.RenderedDocument{}, &StageError{Kind: models.ExportError, Err: err}
	}
	return models.RenderedDocument{Recipient: rec, Name: AttachmentName(rec), Content: content}, nil
}

// call runs one remote operation under its own deadline. Context errors are
// reported as ErrUnavailable.
func (l *Lifecycle) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	if (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (d *TemporaryDocument) fail() {
	if d.state != StateReleased {
		d.state = StateFailed
	}
}
