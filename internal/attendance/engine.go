package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presence/internal/clock"
	"presence/internal/device"
	"presence/internal/faceclient"
	"presence/internal/geo"
	"presence/internal/metrics"
	"presence/internal/session"
	"presence/internal/token"
)

// Status is the terminal outcome of an evaluated submission.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFlagged   Status = "flagged"
)

// Hard rejections. No evidence record is written for any of these; the
// submission never reached a valid attendance window.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is not active")
	ErrNoNonce         = errors.New("attendance code not generated yet")
	ErrNonceExpired    = errors.New("attendance code expired")
	ErrNonceMismatch   = errors.New("invalid attendance code")
	ErrBadNonce        = errors.New("malformed attendance code")
	ErrDeviceRequired  = errors.New("device id required")
	ErrBadCoordinates  = errors.New("coordinates out of range")
)

var rejections = []error{
	ErrSessionNotFound, ErrSessionInactive, ErrNoNonce, ErrNonceExpired,
	ErrNonceMismatch, ErrBadNonce, ErrDeviceRequired, ErrBadCoordinates,
}

// IsRejection reports whether err is a hard rejection rather than a
// retryable engine failure.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// Submission is one attendance attempt as received from a student.
type Submission struct {
	SessionID int64
	Nonce     string
	StudentID int64
	DeviceID  string // raw identifier; hashed before any lookup or storage

	Latitude  *float64
	Longitude *float64
	FaceImage []byte
}

// Record is one immutable evidence row.
type Record struct {
	ID         string
	SessionID  int64
	StudentID  int64
	DeviceHash string

	Latitude          *float64
	Longitude         *float64
	GeofenceDistanceM *float64
	FaceVerified      *bool
	ImageLocator      *string

	Status    Status
	CreatedAt time.Time
}

// VerificationLog records one face-match attempt for audit; it is never
// authoritative for status by itself.
type VerificationLog struct {
	ID        string
	UserID    int64
	SessionID int64
	Verified  bool
	Distance  *float64
	Threshold *float64
	Model     *string
	CreatedAt time.Time
}

// Result is the engine's answer for one evaluated submission.
type Result struct {
	Record        Record
	DeviceMatched bool
	Face          *faceclient.VerifyResult
}

// SessionStore loads session snapshots. The engine reads a point-in-time
// copy; it never locks against the rotation scheduler, so a submission may
// legitimately race a rotation and lose.
type SessionStore interface {
	Get(ctx context.Context, id int64) (*session.Session, error)
}

// DeviceLookup resolves active device bindings.
type DeviceLookup interface {
	ActiveBinding(ctx context.Context, userID int64, hash string) (bool, error)
}

// EvidenceStore persists evidence rows and verification logs and knows
// whether a student has an enrolled reference face.
type EvidenceStore interface {
	InsertRecord(ctx context.Context, rec *Record) error
	InsertVerificationLog(ctx context.Context, vl *VerificationLog) error
	FaceEnrolled(ctx context.Context, userID int64) (bool, error)
}

// FaceVerifier is the external biometric matcher.
type FaceVerifier interface {
	Verify(ctx context.Context, userID int64, image []byte) (*faceclient.VerifyResult, error)
}

// ImageStore persists submitted face images: bytes in, locator out.
type ImageStore interface {
	Save(data []byte, key string) (string, error)
}

// AuditSink accepts write-only audit entries.
type AuditSink interface {
	Write(ctx context.Context, action string, userID *int64, detail string) error
}

// Engine turns one submission into a terminal status plus evidence.
//
// Device binding is the primary gate: a mismatch flags, never rejects.
// Geofence distance is advisory evidence only. A face verdict can only
// downgrade confirmed to flagged, never the reverse. A verifier or image
// store outage means that factor was not evaluated; the submission still
// completes on the factors that were.
type Engine struct {
	sessions SessionStore
	devices  DeviceLookup
	evidence EvidenceStore
	verifier FaceVerifier
	images   ImageStore
	audit    AuditSink
	clk      clock.Clock
}

// NewEngine wires the engine. images and audit may be nil when those
// collaborators are not configured.
func NewEngine(sessions SessionStore, devices DeviceLookup, evidence EvidenceStore,
	verifier FaceVerifier, images ImageStore, audit AuditSink, clk clock.Clock) *Engine {
	return &Engine{
		sessions: sessions,
		devices:  devices,
		evidence: evidence,
		verifier: verifier,
		images:   images,
		audit:    audit,
		clk:      clk,
	}
}

// Submit evaluates one attendance attempt. It returns a Result with a
// terminal status, a hard rejection (see IsRejection), or a retryable error
// when the final evidence write failed.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if err := validate(sub); err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	sess, err := e.sessions.Get(ctx, sub.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := e.clk.Now()
	if err := checkWindow(sess, sub.Nonce, now); err != nil {
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// Device binding sets the baseline status. A lookup failure means the
	// factor could not be evaluated; the baseline stays flagged.
	hash := device.Hash(sub.DeviceID)
	matched := false
	if ok, err := e.devices.ActiveBinding(ctx, sub.StudentID, hash); err != nil {
		log.Printf("engine: device lookup failed for student %d: %v", sub.StudentID, err)
	} else {
		matched = ok
	}
	status := StatusFlagged
	if matched {
		status = StatusConfirmed
	}

	dist := e.geofenceDistance(sess, sub)
	face := e.verifyFace(ctx, sess, sub)
	if face != nil && !face.Verified {
		status = StatusFlagged
	}

	rec := Record{
		ID:                uuid.NewString(),
		SessionID:         sub.SessionID,
		StudentID:         sub.StudentID,
		DeviceHash:        hash,
		Latitude:          sub.Latitude,
		Longitude:         sub.Longitude,
		GeofenceDistanceM: dist,
		ImageLocator:      e.storeImage(sub),
		Status:            status,
		CreatedAt:         now,
	}
	if face != nil {
		rec.FaceVerified = &face.Verified
	}

	if err := e.evidence.InsertRecord(ctx, &rec); err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist attendance record: %w", err)
	}
	metrics.Submissions.WithLabelValues(string(status)).Inc()

	e.writeAudit(ctx, &sub.StudentID,
		fmt.Sprintf("session_id=%d, status=%s", sub.SessionID, status))

	return &Result{Record: rec, DeviceMatched: matched, Face: face}, nil
}

// validate rejects malformed input before any state is touched.
func validate(sub Submission) error {
	if !token.ValidFormat(sub.Nonce) {
		return ErrBadNonce
	}
	if sub.DeviceID == "" {
		return ErrDeviceRequired
	}
	if (sub.Latitude == nil) != (sub.Longitude == nil) {
		return ErrBadCoordinates
	}
	if sub.Latitude != nil && !geo.ValidCoordinates(*sub.Latitude, *sub.Longitude) {
		return ErrBadCoordinates
	}
	return nil
}

// checkWindow enforces the hard freshness gates. The reasons for "not
// generated" and "expired" are distinct for client UX; both reject.
// Expiry is strict, mirroring session.NonceValidAt: a code presented at
// exactly its expiry instant is already expired.
func checkWindow(sess *session.Session, nonce string, now time.Time) error {
	if sess == nil {
		return ErrSessionNotFound
	}
	if !sess.Active {
		return ErrSessionInactive
	}
	if !sess.HasNonce() {
		return ErrNoNonce
	}
	if !now.Before(*sess.NonceExpiresAt) {
		return ErrNonceExpired
	}
	if nonce != *sess.Nonce {
		return ErrNonceMismatch
	}
	return nil
}

// geofenceDistance computes the distance when the session has a full
// geofence and coordinates were supplied. A miss is advisory: it is logged
// and stored on the evidence row but never changes status.
func (e *Engine) geofenceDistance(sess *session.Session, sub Submission) *float64 {
	if !sess.HasGeofence() || sub.Latitude == nil {
		return nil
	}
	d := geo.DistanceMeters(*sub.Latitude, *sub.Longitude, *sess.Latitude, *sess.Longitude)
	if d > *sess.RadiusMeters {
		log.Printf("engine: session %d student %d outside geofence: %.0fm > %.0fm",
			sub.SessionID, sub.StudentID, d, *sess.RadiusMeters)
	}
	return &d
}

// verifyFace runs the external verifier when an image was supplied and the
// student has an enrolled reference. The verdict is logged to the
// verification trail whatever it says; a verifier outage returns nil
// ("not evaluated").
func (e *Engine) verifyFace(ctx context.Context, sess *session.Session, sub Submission) *faceclient.VerifyResult {
	if len(sub.FaceImage) == 0 || e.verifier == nil {
		return nil
	}
	enrolled, err := e.evidence.FaceEnrolled(ctx, sub.StudentID)
	if err != nil {
		log.Printf("engine: enrollment check failed for student %d: %v", sub.StudentID, err)
		return nil
	}
	if !enrolled {
		return nil
	}

	v, err := e.verifier.Verify(ctx, sub.StudentID, sub.FaceImage)
	if err != nil {
		log.Printf("engine: face verification unavailable for student %d: %v", sub.StudentID, err)
		return nil
	}

	vl := VerificationLog{
		ID:        uuid.NewString(),
		UserID:    sub.StudentID,
		SessionID: sub.SessionID,
		Verified:  v.Verified,
		Distance:  v.Distance,
		Threshold: v.Threshold,
		CreatedAt: e.clk.Now(),
	}
	if v.Model != "" {
		vl.Model = &v.Model
	}
	if err := e.evidence.InsertVerificationLog(ctx, &vl); err != nil {
		// Auxiliary write; the submission still completes.
		log.Printf("engine: verification log write failed: %v", err)
	}
	return v
}

// storeImage saves the submitted face image and returns its locator, or nil
// when storage is absent or failed.
func (e *Engine) storeImage(sub Submission) *string {
	if len(sub.FaceImage) == 0 || e.images == nil {
		return nil
	}
	key := fmt.Sprintf("submissions/%d_%d_%s", sub.StudentID, sub.SessionID, uuid.NewString())
	loc, err := e.images.Save(sub.FaceImage, key)
	if err != nil {
		log.Printf("engine: image store failed: %v", err)
		return nil
	}
	return &loc
}

func (e *Engine) writeAudit(ctx context.Context, userID *int64, detail string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Write(ctx, "student.submit_attendance", userID, detail); err != nil {
		log.Printf("engine: audit write failed: %v", err)
	}
}
