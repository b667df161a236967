package session

import (
	"errors"
	"time"

	"presence/internal/token"
)

// ErrClosed is returned when a nonce operation is attempted on a closed session.
var ErrClosed = errors.New("session is closed")

// Session is one attendance window owned by a single lecturer.
//
// Nonce and NonceExpiresAt are rotation-owned and always both set or both
// nil; once Active is false they are forced nil. Geofence fields are
// all-or-nothing: any of them missing disables the geofence for the session.
type Session struct {
	ID      int64
	OwnerID int64

	CourseID *int64
	StartsAt time.Time
	EndsAt   *time.Time

	Active         bool
	Nonce          *string
	NonceExpiresAt *time.Time

	Latitude     *float64
	Longitude    *float64
	RadiusMeters *float64

	CreatedAt time.Time
}

// New creates a session in the active, no-nonce state.
func New(ownerID int64, courseID *int64, startsAt time.Time, endsAt *time.Time) *Session {
	return &Session{
		OwnerID:  ownerID,
		CourseID: courseID,
		StartsAt: startsAt,
		EndsAt:   endsAt,
		Active:   true,
	}
}

// HasGeofence reports whether the session carries a complete geofence.
func (s *Session) HasGeofence() bool {
	return s.Latitude != nil && s.Longitude != nil && s.RadiusMeters != nil
}

// HasNonce reports whether a nonce is currently issued.
func (s *Session) HasNonce() bool {
	return s.Nonce != nil && s.NonceExpiresAt != nil
}

// NonceValidAt reports whether the current nonce exists and has not expired
// at the given instant. Expiry is strict: a nonce is rejected at exactly its
// expiry instant and later.
func (s *Session) NonceValidAt(now time.Time) bool {
	return s.HasNonce() && now.Before(*s.NonceExpiresAt)
}

// IssueOrRotate sets a fresh nonce expiring at now+ttl. Valid from either
// active sub-state; fails on a closed session.
func (s *Session) IssueOrRotate(now time.Time, ttl time.Duration) error {
	if !s.Active {
		return ErrClosed
	}
	nonce, err := token.NewNonce()
	if err != nil {
		return err
	}
	exp := now.Add(ttl)
	s.Nonce = &nonce
	s.NonceExpiresAt = &exp
	return nil
}

// ExpireCheck rotates the nonce when it is within margin of expiry. This is
// what makes rotation automatic: a client polling the code never sees a
// nonce that is valid at read time but already expired by the time the
// submission lands. Returns whether a rotation happened.
func (s *Session) ExpireCheck(now time.Time, margin, ttl time.Duration) (bool, error) {
	if !s.Active || !s.HasNonce() {
		return false, nil
	}
	if s.NonceExpiresAt.After(now.Add(margin)) {
		return false, nil
	}
	if err := s.IssueOrRotate(now, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Close deactivates the session and clears the nonce pair. Idempotent;
// returns whether any state changed.
func (s *Session) Close() bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.Nonce = nil
	s.NonceExpiresAt = nil
	return true
}

// AutoCloseIfPastEnd closes the session when its end time has passed.
// Returns whether the session was closed by this call.
func (s *Session) AutoCloseIfPastEnd(now time.Time) bool {
	if !s.Active || s.EndsAt == nil {
		return false
	}
	if s.EndsAt.After(now) || s.EndsAt.Equal(now) {
		return false
	}
	return s.Close()
}
