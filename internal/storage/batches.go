package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"certmailer/internal/models"
)

// Batches keeps the history of submitted batches.
type Batches struct {
	db *sql.DB
}

func NewBatches(db *sql.DB) *Batches {
	return &Batches{db: db}
}

// Save inserts or updates the history row for a batch.
func (b *Batches) Save(ctx context.Context, rec models.BatchRecord) error {
	failed := rec.FailedJSON
	if failed == "" {
		failed = "[]"
	}
	var finished sql.NullTime
	if !rec.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: rec.FinishedAt.UTC(), Valid: true}
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, total = ?, processed = ?, succeeded = ?, failed_json = ?, finished_at = ? WHERE id = ?`,
		rec.Status, rec.Total, rec.Processed, rec.Succeeded, failed, finished, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, user_id, source_id, status, total, processed, succeeded, failed_json, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SourceID, rec.Status, rec.Total, rec.Processed, rec.Succeeded, failed, rec.CreatedAt.UTC(), finished,
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", rec.ID, err)
	}
	return nil
}

func (b *Batches) Get(ctx context.Context, id string) (models.BatchRecord, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_runs WHERE id = ?`, id)
	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BatchRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns a user's batches, newest first.
func (b *Batches) List(ctx context.Context, userID int64, limit int) ([]models.BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batch_runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []models.BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const batchColumns = `id, user_id, source_id, status, total, processed, succeeded, failed_json, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(s scanner) (models.BatchRecord, error) {
	var (
		rec      models.BatchRecord
		finished sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.UserID, &rec.SourceID, &rec.Status, &rec.Total, &rec.Processed, &rec.Succeeded, &rec.FailedJSON, &rec.CreatedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan batch: %w", err)
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}
