package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/clock"
	"presence/internal/device"
	"presence/internal/faceclient"
	"presence/internal/session"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

const (
	nonceA = "AAAAAAAAAAAAAAAAAAAA"
	nonceB = "BBBBBBBBBBBBBBBBBBBB"

	studentID = int64(200)
	deviceID  = "imei-12345"
)

type fakeSessions struct {
	sessions map[int64]*session.Session
	err      error
}

func (f *fakeSessions) Get(_ context.Context, id int64) (*session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions[id], nil
}

type fakeDevices struct {
	bindings map[int64]string // user id -> active device hash
	err      error
}

func (f *fakeDevices) ActiveBinding(_ context.Context, userID int64, hash string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.bindings[userID] == hash, nil
}

type fakeEvidence struct {
	records   []Record
	vlogs     []VerificationLog
	enrolled  map[int64]bool
	insertErr error
}

func (f *fakeEvidence) InsertRecord(_ context.Context, rec *Record) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeEvidence) InsertVerificationLog(_ context.Context, vl *VerificationLog) error {
	f.vlogs = append(f.vlogs, *vl)
	return nil
}

func (f *fakeEvidence) FaceEnrolled(_ context.Context, userID int64) (bool, error) {
	return f.enrolled[userID], nil
}

type fakeVerifier struct {
	result *faceclient.VerifyResult
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(_ context.Context, _ int64, _ []byte) (*faceclient.VerifyResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeImages struct {
	saved int
	err   error
}

func (f *fakeImages) Save(_ []byte, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved++
	return "https://img.example/" + key, nil
}

type fakeAudit struct{ actions []string }

func (f *fakeAudit) Write(_ context.Context, action string, _ *int64, _ string) error {
	f.actions = append(f.actions, action)
	return nil
}

// env bundles the engine with all its fakes for one test.
type env struct {
	engine   *Engine
	sessions *fakeSessions
	devices  *fakeDevices
	evidence *fakeEvidence
	verifier *fakeVerifier
	images   *fakeImages
	audit    *fakeAudit
	clk      *clock.Fake
}

func newEnv() *env {
	e := &env{
		sessions: &fakeSessions{sessions: make(map[int64]*session.Session)},
		devices:  &fakeDevices{bindings: make(map[int64]string)},
		evidence: &fakeEvidence{enrolled: make(map[int64]bool)},
		verifier: &fakeVerifier{},
		images:   &fakeImages{},
		audit:    &fakeAudit{},
		clk:      clock.NewFake(t0),
	}
	e.engine = NewEngine(e.sessions, e.devices, e.evidence, e.verifier, e.images, e.audit, e.clk)
	return e
}

// addSession installs an active session with nonceA valid for ttl.
func (e *env) addSession(id int64, ttl time.Duration) *session.Session {
	s := session.New(7, nil, t0, nil)
	s.ID = id
	n, exp := nonceA, t0.Add(ttl)
	s.Nonce, s.NonceExpiresAt = &n, &exp
	e.sessions.sessions[id] = s
	return s
}

func (e *env) bindDevice() {
	e.devices.bindings[studentID] = device.Hash(deviceID)
}

func submission(sessionID int64, nonce string) Submission {
	return Submission{
		SessionID: sessionID,
		Nonce:     nonce,
		StudentID: studentID,
		DeviceID:  deviceID,
	}
}

func TestSubmitHardFailures(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(e *env) Submission
		wantErr error
	}{
		{"malformed nonce", func(e *env) Submission {
			e.addSession(1, time.Minute)
			return submission(1, "not-a-nonce")
		}, ErrBadNonce},
		{"missing device id", func(e *env) Submission {
			e.addSession(1, time.Minute)
			sub := submission(1, nonceA)
			sub.DeviceID = ""
			return sub
		}, ErrDeviceRequired},
		{"latitude without longitude", func(e *env) Submission {
			e.addSession(1, time.Minute)
			sub := submission(1, nonceA)
			lat := 5.6
			sub.Latitude = &lat
			return sub
		}, ErrBadCoordinates},
		{"coordinates out of range", func(e *env) Submission {
			e.addSession(1, time.Minute)
			sub := submission(1, nonceA)
			lat, lon := 95.0, 10.0
			sub.Latitude, sub.Longitude = &lat, &lon
			return sub
		}, ErrBadCoordinates},
		{"session absent", func(e *env) Submission {
			return submission(404, nonceA)
		}, ErrSessionNotFound},
		{"session closed", func(e *env) Submission {
			s := e.addSession(1, time.Minute)
			s.Close()
			return submission(1, nonceA)
		}, ErrSessionInactive},
		{"no nonce issued", func(e *env) Submission {
			s := e.addSession(1, time.Minute)
			s.Nonce, s.NonceExpiresAt = nil, nil
			return submission(1, nonceA)
		}, ErrNoNonce},
		{"nonce expired", func(e *env) Submission {
			e.addSession(1, time.Minute)
			e.clk.Advance(time.Minute) // exactly the expiry instant
			return submission(1, nonceA)
		}, ErrNonceExpired},
		{"nonce mismatch", func(e *env) Submission {
			e.addSession(1, time.Minute)
			return submission(1, nonceB)
		}, ErrNonceMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv()
			sub := tc.setup(e)
			_, err := e.engine.Submit(context.Background(), sub)
			require.ErrorIs(t, err, tc.wantErr)
			assert.True(t, IsRejection(err))
			assert.Empty(t, e.evidence.records, "hard failures must not write evidence")
			assert.Empty(t, e.audit.actions)
		})
	}
}

func TestSubmitNonceBoundary(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()

	e.clk.Set(t0.Add(time.Minute - time.Millisecond))
	res, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Record.Status)

	e.clk.Set(t0.Add(time.Minute + time.Millisecond))
	_, err = e.engine.Submit(context.Background(), submission(1, nonceA))
	assert.ErrorIs(t, err, ErrNonceExpired)
}

func TestDeviceMatchConfirms(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()

	res, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Record.Status)
	assert.True(t, res.DeviceMatched)
	assert.Equal(t, device.Hash(deviceID), res.Record.DeviceHash)
	require.Len(t, e.evidence.records, 1)
	assert.Equal(t, []string{"student.submit_attendance"}, e.audit.actions)
}

func TestDeviceMismatchFlags(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.devices.bindings[studentID] = device.Hash("someone-elses-phone")

	res, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, res.Record.Status)
	assert.False(t, res.DeviceMatched)
	require.Len(t, e.evidence.records, 1, "soft failure still records evidence")
}

func TestDeviceLookupFailureFlagsButCompletes(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.devices.err = errors.New("storage down")

	res, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, res.Record.Status)
}

func TestGeofenceMissIsAdvisory(t *testing.T) {
	e := newEnv()
	s := e.addSession(1, time.Minute)
	lat, lon, radius := 5.6037, -0.1870, 100.0
	s.Latitude, s.Longitude, s.RadiusMeters = &lat, &lon, &radius
	e.bindDevice()

	sub := submission(1, nonceA)
	farLat, farLon := 6.6885, -1.6244 // a different city
	sub.Latitude, sub.Longitude = &farLat, &farLon

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Record.Status, "geofence miss alone never changes status")
	require.NotNil(t, res.Record.GeofenceDistanceM)
	assert.Greater(t, *res.Record.GeofenceDistanceM, radius)
}

func TestGeofenceSkippedWithoutCoordinates(t *testing.T) {
	e := newEnv()
	s := e.addSession(1, time.Minute)
	lat, lon, radius := 5.6037, -0.1870, 100.0
	s.Latitude, s.Longitude, s.RadiusMeters = &lat, &lon, &radius
	e.bindDevice()

	res, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.NoError(t, err)
	assert.Nil(t, res.Record.GeofenceDistanceM)
	assert.Equal(t, StatusConfirmed, res.Record.Status)
}

func TestFaceMismatchDowngrades(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()
	e.evidence.enrolled[studentID] = true
	d, th := 0.7, 0.45
	e.verifier.result = &faceclient.VerifyResult{Verified: false, Distance: &d, Threshold: &th, Model: "arcface"}

	sub := submission(1, nonceA)
	sub.FaceImage = []byte("jpeg bytes")

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, res.Record.Status, "face can only downgrade")
	require.NotNil(t, res.Record.FaceVerified)
	assert.False(t, *res.Record.FaceVerified)

	require.Len(t, e.evidence.vlogs, 1)
	vl := e.evidence.vlogs[0]
	assert.False(t, vl.Verified)
	assert.Equal(t, d, *vl.Distance)
	assert.Equal(t, th, *vl.Threshold)
	assert.Equal(t, "arcface", *vl.Model)
}

func TestFaceMatchDoesNotUpgrade(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	// No device binding: baseline flagged.
	e.evidence.enrolled[studentID] = true
	e.verifier.result = &faceclient.VerifyResult{Verified: true, Model: "arcface"}

	sub := submission(1, nonceA)
	sub.FaceImage = []byte("jpeg bytes")

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, res.Record.Status, "a face match never overrides a missing device binding")
	require.Len(t, e.evidence.vlogs, 1, "verdicts are logged regardless of outcome")
}

func TestFaceSkippedWithoutEnrollment(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()

	sub := submission(1, nonceA)
	sub.FaceImage = []byte("jpeg bytes")

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 0, e.verifier.calls)
	assert.Nil(t, res.Face)
	assert.Empty(t, e.evidence.vlogs)
	assert.Equal(t, StatusConfirmed, res.Record.Status)
}

func TestVerifierOutageIsNotAVerdict(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()
	e.evidence.enrolled[studentID] = true
	e.verifier.err = errors.New("engine unavailable")

	sub := submission(1, nonceA)
	sub.FaceImage = []byte("jpeg bytes")

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Record.Status, "an unevaluated factor must not flag")
	assert.Nil(t, res.Record.FaceVerified)
	assert.Empty(t, e.evidence.vlogs)
}

func TestImageStoreFailureDoesNotBlock(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()
	e.images.err = errors.New("bucket down")

	sub := submission(1, nonceA)
	sub.FaceImage = []byte("jpeg bytes")

	res, err := e.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Nil(t, res.Record.ImageLocator)
}

func TestEvidenceWriteFailureIsRetryable(t *testing.T) {
	e := newEnv()
	e.addSession(1, time.Minute)
	e.bindDevice()
	e.evidence.insertErr = errors.New("storage down")

	_, err := e.engine.Submit(context.Background(), submission(1, nonceA))
	require.Error(t, err)
	assert.False(t, IsRejection(err), "storage failure must surface as retryable, not rejection")
}

// Open a session with a 60s nonce, submit mid-window, rotate near expiry,
// then replay the old code and submit the new one from an unbound device.
func TestSubmitRotationScenario(t *testing.T) {
	e := newEnv()
	s := e.addSession(1, time.Minute)
	e.bindDevice()
	ctx := context.Background()

	e.clk.Set(t0.Add(30 * time.Second))
	res, err := e.engine.Submit(ctx, submission(1, nonceA))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Record.Status)

	// Automatic rotation at t=55 (10s margin before the t=60 expiry).
	e.clk.Set(t0.Add(55 * time.Second))
	rotated, err := s.ExpireCheck(e.clk.Now(), 10*time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, rotated)

	e.clk.Set(t0.Add(56 * time.Second))
	_, err = e.engine.Submit(ctx, submission(1, nonceA))
	assert.ErrorIs(t, err, ErrNonceMismatch, "pre-rotation code must hard-fail after rotation")

	e.devices.bindings[studentID] = "" // device no longer bound
	res, err = e.engine.Submit(ctx, submission(1, *s.Nonce))
	require.NoError(t, err)
	assert.Equal(t, StatusFlagged, res.Record.Status)
}
