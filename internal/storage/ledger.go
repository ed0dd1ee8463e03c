package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"certmailer/internal/models"
)

// Ledger persists the ids of temporary copies that exist remotely, so copies
// stranded by a crash can be found and deleted after a restart.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Track(ctx context.Context, doc models.TempDocument) error {
	if doc.RemoteID == "" {
		return fmt.Errorf("track: remote id required")
	}
	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO temp_documents (remote_id, batch_id, recipient_index, created_at) VALUES (?, ?, ?, ?)`,
		doc.RemoteID, doc.BatchID, doc.RecipientIndex, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("track %s: %w", doc.RemoteID, err)
	}
	return nil
}

func (l *Ledger) Forget(ctx context.Context, remoteID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM temp_documents WHERE remote_id = ?`, remoteID); err != nil {
		return fmt.Errorf("forget %s: %w", remoteID, err)
	}
	return nil
}

// ListOlderThan returns entries created before cutoff, oldest first.
func (l *Ledger) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.TempDocument, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT remote_id, batch_id, recipient_index, created_at FROM temp_documents WHERE created_at < ? ORDER BY created_at ASC`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query temp documents: %w", err)
	}
	defer rows.Close()

	var docs []models.TempDocument
	for rows.Next() {
		var doc models.TempDocument
		if err := rows.Scan(&doc.RemoteID, &doc.BatchID, &doc.RecipientIndex, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan temp document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
