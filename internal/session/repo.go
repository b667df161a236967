package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, owner_id, course_id, starts_at, ends_at, is_active,
	qr_nonce, qr_expires_at, latitude, longitude, radius_meters, created_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.OwnerID, &s.CourseID, &s.StartsAt, &s.EndsAt,
		&s.Active, &s.Nonce, &s.NonceExpiresAt, &s.Latitude, &s.Longitude,
		&s.RadiusMeters, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session and fills in its id and created_at.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions
			(owner_id, course_id, starts_at, ends_at, is_active, latitude, longitude, radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at
	`, s.OwnerID, s.CourseID, s.StartsAt, s.EndsAt, s.Active, s.Latitude, s.Longitude, s.RadiusMeters)
	return row.Scan(&s.ID, &s.CreatedAt)
}

// Get returns the session by id, or nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SaveRotation persists a freshly issued nonce pair. The WHERE clause keeps
// the write a no-op if the session was closed in between; a stale rotation
// losing the race is harmless.
func (r *Repository) SaveRotation(ctx context.Context, id int64, nonce string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET qr_nonce = $2, qr_expires_at = $3
		WHERE id = $1 AND is_active = TRUE
	`, id, nonce, expiresAt)
	return err
}

// MarkClosed deactivates the session and clears the nonce pair in one write.
func (r *Repository) MarkClosed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET is_active = FALSE, qr_nonce = NULL, qr_expires_at = NULL
		WHERE id = $1
	`, id)
	return err
}

// ListByOwner returns the owner's sessions, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID int64) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE owner_id = $1 ORDER BY id DESC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// CountByOwner returns the owner's total session count for the dashboard.
func (r *Repository) CountByOwner(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_sessions WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}
