// Package device manages the one-active-device-per-user binding used as the
// primary anti-relay signal. Only a one-way hash of the device identifier is
// ever stored or compared.
package device

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
)

// Hash returns the hex SHA-256 of a raw device identifier.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Repository persists device bindings in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Bind replaces the user's binding wholesale with the hash of raw and
// returns the stored hash.
func (r *Repository) Bind(ctx context.Context, userID int64, raw string) (string, error) {
	if raw == "" {
		return "", errors.New("device id required")
	}
	h := Hash(raw)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_hash, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			device_hash = EXCLUDED.device_hash,
			is_active = TRUE,
			updated_at = NOW()
	`, userID, h)
	if err != nil {
		return "", err
	}
	return h, nil
}

// ActiveBinding reports whether (user, hash) matches an active binding.
func (r *Repository) ActiveBinding(ctx context.Context, userID int64, hash string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM devices
		WHERE user_id = $1 AND device_hash = $2 AND is_active = TRUE
	`, userID, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
