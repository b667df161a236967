package attendance

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists attendance evidence in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertRecord writes one evidence row. Rows are immutable afterwards except
// through the explicit confirm override.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, device_hash, latitude, longitude,
			 geofence_distance_m, face_verified, image_locator, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.DeviceHash, rec.Latitude, rec.Longitude,
		rec.GeofenceDistanceM, rec.FaceVerified, rec.ImageLocator, rec.Status, rec.CreatedAt)
	return err
}

// InsertVerificationLog appends one face-match attempt.
func (r *Repository) InsertVerificationLog(ctx context.Context, vl *VerificationLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_logs
			(id, user_id, session_id, verified, distance, threshold, model, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, vl.ID, vl.UserID, vl.SessionID, vl.Verified, vl.Distance, vl.Threshold, vl.Model, vl.CreatedAt)
	return err
}

// FaceEnrolled reports whether the user has an enrolled reference face.
func (r *Repository) FaceEnrolled(ctx context.Context, userID int64) (bool, error) {
	var enrolled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT face_enrolled FROM users WHERE id = $1`, userID).Scan(&enrolled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enrolled, err
}

// SetFaceEnrolled marks the user's reference face as enrolled.
func (r *Repository) SetFaceEnrolled(ctx context.Context, userID int64, locator string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET face_enrolled = TRUE, face_reference_locator = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, locator)
	return err
}

const recordColumns = `id, session_id, student_id, device_hash, latitude, longitude,
	geofence_distance_m, face_verified, image_locator, status, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.DeviceHash,
		&rec.Latitude, &rec.Longitude, &rec.GeofenceDistanceM, &rec.FaceVerified,
		&rec.ImageLocator, &rec.Status, &rec.CreatedAt)
	return rec, err
}

// GetRecord returns one evidence row, or nil when absent.
func (r *Repository) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBySession returns all evidence rows for a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE session_id = $1 ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// FlaggedRecord is a flagged evidence row joined with the student's latest
// verification-log entry for that session, for the human review queue.
type FlaggedRecord struct {
	Record
	FaceDistance  *float64
	FaceThreshold *float64
	FaceModel     *string
}

// ListFlagged returns a session's flagged rows with face evidence attached.
func (r *Repository) ListFlagged(ctx context.Context, sessionID int64) ([]FlaggedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.session_id, r.student_id, r.device_hash, r.latitude, r.longitude,
			r.geofence_distance_m, r.face_verified, r.image_locator, r.status, r.created_at,
			v.distance, v.threshold, v.model
		FROM attendance_records r
		LEFT JOIN LATERAL (
			SELECT distance, threshold, model
			FROM verification_logs
			WHERE session_id = r.session_id AND user_id = r.student_id
			ORDER BY created_at DESC
			LIMIT 1
		) v ON TRUE
		WHERE r.session_id = $1 AND r.status = 'flagged'
		ORDER BY r.created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []FlaggedRecord
	for rows.Next() {
		var fr FlaggedRecord
		err := rows.Scan(&fr.ID, &fr.SessionID, &fr.StudentID, &fr.DeviceHash,
			&fr.Latitude, &fr.Longitude, &fr.GeofenceDistanceM, &fr.FaceVerified,
			&fr.ImageLocator, &fr.Status, &fr.CreatedAt,
			&fr.FaceDistance, &fr.FaceThreshold, &fr.FaceModel)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

// ConfirmOverride promotes a flagged record to confirmed. This is the
// explicit human-review action, not part of the engine's one-pass decision.
func (r *Repository) ConfirmOverride(ctx context.Context, recordID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET status = 'confirmed' WHERE id = $1
	`, recordID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// OwnerCounts returns record totals across all of an owner's sessions for
// the dashboard.
func (r *Repository) OwnerCounts(ctx context.Context, ownerID int64) (total, flagged int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE r.status = 'flagged')
		FROM attendance_records r
		JOIN attendance_sessions s ON r.session_id = s.id
		WHERE s.owner_id = $1
	`, ownerID).Scan(&total, &flagged)
	return total, flagged, err
}
