package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/clock"
	"presence/internal/session"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	sessions  map[int64]*session.Session
	getErr    map[int64]error
	gates     map[int64]chan struct{}
	gets      map[int64]int
	rotations map[int64]int
	closes    map[int64]int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[int64]*session.Session),
		getErr:    make(map[int64]error),
		gates:     make(map[int64]chan struct{}),
		gets:      make(map[int64]int),
		rotations: make(map[int64]int),
		closes:    make(map[int64]int),
	}
}

func (m *memStore) put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// gate makes the next Get for id park on ch, so a test can hold the loop
// inside a tick.
func (m *memStore) gate(id int64, ch chan struct{}) {
	m.mu.Lock()
	m.gates[id] = ch
	m.mu.Unlock()
}

func (m *memStore) getCalls(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[id]
}

func (m *memStore) Get(_ context.Context, id int64) (*session.Session, error) {
	m.mu.Lock()
	m.gets[id]++
	gate := m.gates[id]
	delete(m.gates, id)
	err := m.getErr[id]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	if s.Nonce != nil {
		n, e := *s.Nonce, *s.NonceExpiresAt
		cp.Nonce, cp.NonceExpiresAt = &n, &e
	}
	return &cp, nil
}

func (m *memStore) SaveRotation(_ context.Context, id int64, nonce string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.Nonce, s.NonceExpiresAt = &nonce, &expiresAt
	m.rotations[id]++
	return nil
}

func (m *memStore) MarkClosed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.Active, s.Nonce, s.NonceExpiresAt = false, nil, nil
	m.closes[id]++
	return nil
}

func (m *memStore) rotationCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotations[id]
}

func (m *memStore) closeCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[id]
}

type memAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *memAudit) Write(_ context.Context, action string, _ *int64, _ string) error {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) saw(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

func activeSession(id int64, nonceExpiry time.Time, endsAt *time.Time) *session.Session {
	s := session.New(7, nil, t0, endsAt)
	s.ID = id
	n := "AAAAAAAAAAAAAAAAAAAA"
	s.Nonce, s.NonceExpiresAt = &n, &nonceExpiry
	return s
}

func newTestScheduler(store Store, aud AuditSink) *Scheduler {
	return NewScheduler(store, aud, clock.NewFake(t0), Config{
		Tick:     5 * time.Millisecond,
		Margin:   10 * time.Second,
		NonceTTL: 30 * time.Second,
	})
}

func TestSchedulerLazyStartAndStopOnEmpty(t *testing.T) {
	store := newMemStore()
	far := t0.Add(time.Hour)
	store.put(activeSession(1, far, nil))

	s := newTestScheduler(store, nil)
	assert.Equal(t, StateStopped, s.State())

	s.Register(1)
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.Registered(1))

	s.Unregister(1)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, s.Size())
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestScheduler(newMemStore(), nil)
	s.Start()
	s.Start()
	assert.Equal(t, StateRunning, s.State())
	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestRotatesNonceWithinMargin(t *testing.T) {
	store := newMemStore()
	aud := &memAudit{}
	// Expires 5s from now, inside the 10s margin.
	store.put(activeSession(1, t0.Add(5*time.Second), nil))

	s := newTestScheduler(store, aud)
	s.Register(1)
	defer s.Stop()

	require.Eventually(t, func() bool { return store.rotationCount(1) >= 1 },
		2*time.Second, 2*time.Millisecond)

	got, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, "AAAAAAAAAAAAAAAAAAAA", *got.Nonce)
	assert.Equal(t, t0.Add(30*time.Second), *got.NonceExpiresAt)
	assert.True(t, aud.saw("system.auto_rotate_qr"))
}

func TestFreshNonceNotRotated(t *testing.T) {
	store := newMemStore()
	store.put(activeSession(1, t0.Add(5*time.Minute), nil))

	s := newTestScheduler(store, nil)
	s.Register(1)
	defer s.Stop()

	time.Sleep(100 * time.Millisecond) // plenty of ticks
	assert.Equal(t, 0, store.rotationCount(1))
}

func TestUnregisteredSessionNeverRotates(t *testing.T) {
	store := newMemStore()
	store.put(activeSession(1, t0.Add(5*time.Minute), nil)) // keeps the loop alive
	store.put(activeSession(2, t0.Add(-time.Minute), nil))  // expired but not registered

	s := newTestScheduler(store, nil)
	s.Register(1)
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.rotationCount(2))
}

func TestAutoClosePastEndUnregistersAndStops(t *testing.T) {
	store := newMemStore()
	aud := &memAudit{}
	ends := t0.Add(-time.Minute)
	store.put(activeSession(1, t0.Add(time.Hour), &ends))

	s := newTestScheduler(store, aud)
	s.Register(1)

	require.Eventually(t, func() bool { return store.closeCount(1) == 1 },
		2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == StateStopped },
		2*time.Second, 2*time.Millisecond)

	assert.False(t, s.Registered(1))
	got, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.Nonce)
	assert.True(t, aud.saw("system.auto_close_session"))
}

func TestPerSessionFailureDoesNotAbortTick(t *testing.T) {
	store := newMemStore()
	store.put(activeSession(1, t0.Add(5*time.Second), nil))
	store.put(activeSession(2, t0.Add(5*time.Second), nil))
	store.getErr[1] = errors.New("storage down")

	s := newTestScheduler(store, nil)
	s.Register(1)
	s.Register(2)
	defer s.Stop()

	require.Eventually(t, func() bool { return store.rotationCount(2) >= 1 },
		2*time.Second, 2*time.Millisecond)
	assert.True(t, s.Registered(1), "failing session stays registered for the next tick")
}

// A Register that lands while Stop is draining cannot start the loop itself
// (the scheduler is in Stopping); Stop must restart the loop for it instead
// of parking at Stopped with the session stranded in the registry.
func TestRegisterDuringStopRestartsLoop(t *testing.T) {
	store := newMemStore()
	store.put(activeSession(1, t0.Add(5*time.Minute), nil))
	store.put(activeSession(2, t0.Add(5*time.Second), nil)) // inside the margin

	gate := make(chan struct{})
	store.gate(1, gate)

	s := newTestScheduler(store, nil)
	s.Register(1)

	// Wait for the loop to park inside the gated store read.
	require.Eventually(t, func() bool { return store.getCalls(1) >= 1 },
		2*time.Second, 2*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return s.State() == StateStopping },
		2*time.Second, 2*time.Millisecond)

	s.Register(2) // lands mid-drain; lazy start is a no-op here

	close(gate)
	<-stopped

	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.Registered(2))
	require.Eventually(t, func() bool { return store.rotationCount(2) >= 1 },
		2*time.Second, 2*time.Millisecond)
	s.Stop()
}

func TestInactiveSessionIsDropped(t *testing.T) {
	store := newMemStore()
	closed := activeSession(1, t0.Add(time.Hour), nil)
	closed.Close()
	store.put(closed)
	store.put(activeSession(2, t0.Add(5*time.Minute), nil))

	s := newTestScheduler(store, nil)
	s.Register(1)
	s.Register(2)
	defer s.Stop()

	require.Eventually(t, func() bool { return !s.Registered(1) },
		2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, store.rotationCount(1))
}
