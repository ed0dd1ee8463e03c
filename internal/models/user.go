package models

import "time"

// User is an account created on first successful Google sign-in.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchRecord is the history row kept for a finished batch.
type BatchRecord struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	SourceID   string    `json:"source_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	FailedJSON string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}
