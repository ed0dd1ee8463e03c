package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"certmailer/internal/models"
)

var ErrNotFound = errors.New("not found")

// EnsureUser returns the user with email, creating it on first sign-in.
func EnsureUser(ctx context.Context, db *sql.DB, email string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.User{}, errors.New("email required")
	}
	user, err := UserByEmail(ctx, db, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, err
	}
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `INSERT INTO users (email, created_at) VALUES (?, ?)`, email, now)
	if err != nil {
		// Lost a race with a concurrent sign-in for the same address.
		if user, lookupErr := UserByEmail(ctx, db, email); lookupErr == nil {
			return user, nil
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, fmt.Errorf("user id: %w", err)
	}
	return models.User{ID: id, Email: email, CreatedAt: now}, nil
}

func GetUser(ctx context.Context, db *sql.DB, id int64) (models.User, error) {
	var user models.User
	err := db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// UserByEmail looks a user up by address, ignoring case and surrounding
// space. It returns ErrNotFound for an unknown address.
func UserByEmail(ctx context.Context, db *sql.DB, email string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	err := db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE email = ?`, email).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}
