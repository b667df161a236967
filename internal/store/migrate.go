package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema if it does not exist. Idempotent; both the API
// and the worker run it at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                     BIGSERIAL PRIMARY KEY,
		face_enrolled          BOOLEAN NOT NULL DEFAULT FALSE,
		face_reference_locator TEXT NOT NULL DEFAULT '',
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS devices (
		user_id     BIGINT PRIMARY KEY REFERENCES users(id),
		device_hash TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS attendance_sessions (
		id            BIGSERIAL PRIMARY KEY,
		owner_id      BIGINT NOT NULL,
		course_id     BIGINT,
		starts_at     TIMESTAMPTZ NOT NULL,
		ends_at       TIMESTAMPTZ,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		qr_nonce      TEXT,
		qr_expires_at TIMESTAMPTZ,
		latitude      DOUBLE PRECISION,
		longitude     DOUBLE PRECISION,
		radius_meters DOUBLE PRECISION,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		session_id          BIGINT NOT NULL REFERENCES attendance_sessions(id),
		student_id          BIGINT NOT NULL,
		device_hash         TEXT NOT NULL,
		latitude            DOUBLE PRECISION,
		longitude           DOUBLE PRECISION,
		geofence_distance_m DOUBLE PRECISION,
		face_verified       BOOLEAN,
		image_locator       TEXT,
		status              TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verification_logs (
		id         TEXT PRIMARY KEY,
		user_id    BIGINT NOT NULL,
		session_id BIGINT NOT NULL,
		verified   BOOLEAN NOT NULL,
		distance   DOUBLE PRECISION,
		threshold  DOUBLE PRECISION,
		model      TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT,
		action     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_owner    ON attendance_sessions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_active   ON attendance_sessions(is_active) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_records_session   ON attendance_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_records_status    ON attendance_records(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_vlogs_user        ON verification_logs(session_id, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_action      ON audit_logs(action, created_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
