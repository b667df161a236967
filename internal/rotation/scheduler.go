package rotation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"presence/internal/clock"
	"presence/internal/metrics"
	"presence/internal/session"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Store is the slice of session persistence the scheduler needs.
type Store interface {
	Get(ctx context.Context, id int64) (*session.Session, error)
	SaveRotation(ctx context.Context, id int64, nonce string, expiresAt time.Time) error
	MarkClosed(ctx context.Context, id int64) error
}

// AuditSink records scheduler actions; failures are logged, never fatal.
type AuditSink interface {
	Write(ctx context.Context, action string, userID *int64, detail string) error
}

// Config holds the scheduler timing knobs.
type Config struct {
	Tick     time.Duration // loop interval
	Margin   time.Duration // rotate this long before nonce expiry
	NonceTTL time.Duration // TTL for nonces issued by automatic rotation
}

// Scheduler keeps every registered session's nonce fresh and closes sessions
// past their end time. One background goroutine; started lazily on first
// Register, stopped on last Unregister or Stop. Start and Stop are
// idempotent and safe to race.
type Scheduler struct {
	store Store
	audit AuditSink
	clk   clock.Clock
	cfg   Config
	reg   *Registry

	mu      sync.Mutex // guards state transitions, cancel, done, pending
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	pending bool // a Register arrived while a Stop was draining
}

// NewScheduler builds a scheduler owning its own registry.
func NewScheduler(store Store, audit AuditSink, clk clock.Clock, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 10 * time.Second
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 30 * time.Second
	}
	return &Scheduler{
		store: store,
		audit: audit,
		clk:   clk,
		cfg:   cfg,
		reg:   NewRegistry(),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Registered reports whether id is currently under automatic rotation.
func (s *Scheduler) Registered(id int64) bool { return s.reg.Contains(id) }

// Size returns the number of registered sessions.
func (s *Scheduler) Size() int { return s.reg.Size() }

// Register adds a session to automatic rotation and lazily starts the loop.
func (s *Scheduler) Register(id int64) {
	s.reg.Register(id)
	s.Start()
}

// Unregister removes a session from automatic rotation and stops the loop
// once the registry is empty.
func (s *Scheduler) Unregister(id int64) {
	s.reg.Unregister(id)
	if s.reg.Size() == 0 {
		s.Stop()
	}
}

// Start launches the background loop. A second Start while running or
// starting is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch State(s.state.Load()) {
	case StateRunning, StateStarting:
		return
	case StateStopping:
		// A concurrent Stop is draining and will restart the loop for us
		// once the drain completes, so the session that triggered this
		// Start is not lost.
		s.pending = true
		return
	}
	s.startLocked()
	log.Println("rotation scheduler started")
}

// startLocked launches the loop goroutine. Caller holds s.mu.
func (s *Scheduler) startLocked() {
	s.state.Store(int32(StateStarting))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.state.Store(int32(StateRunning))
}

// Stop cancels the loop and waits for it to drain. Stopping an already
// stopped scheduler is a no-op. Cancellation is observed within one tick;
// a persistence write already in flight completes first. A Register that
// lands during the drain finds the scheduler in Stopping and cannot start
// the loop itself; it marks pending instead, and Stop restarts the loop on
// its behalf after the drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if State(s.state.Load()) != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateStopping))
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(int32(StateStopped))
	if s.pending {
		s.pending = false
		if s.reg.Size() > 0 {
			s.startLocked()
			log.Println("rotation scheduler restarted for sessions registered during stop")
			return
		}
	}
	log.Println("rotation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick()
			if s.reg.Size() == 0 && s.stopFromLoop() {
				return
			}
		}
	}
}

// stopFromLoop transitions to Stopped from inside the loop goroutine so an
// empty registry does not keep an idle goroutine alive. It must not wait on
// done (that channel is closed by this goroutine's own return).
func (s *Scheduler) stopFromLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.state.Load()) != StateRunning {
		return false
	}
	if s.reg.Size() != 0 { // a Register slipped in; keep running
		return false
	}
	s.cancel()
	s.state.Store(int32(StateStopped))
	log.Println("rotation scheduler stopped (registry empty)")
	return true
}

// runTick processes one pass over a snapshot of the registry. Persistence
// uses a detached context so shutdown never tears a session write in half.
func (s *Scheduler) runTick() {
	metrics.SchedulerTicks.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tick)
	defer cancel()

	for _, id := range s.reg.Snapshot() {
		if err := s.processSession(ctx, id); err != nil {
			// One session's failure never aborts the tick; the next tick retries.
			metrics.SchedulerErrors.Inc()
			log.Printf("scheduler: session %d: %v", id, err)
		}
	}
}

func (s *Scheduler) processSession(ctx context.Context, id int64) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil || !sess.Active {
		s.reg.Unregister(id)
		return nil
	}

	now := s.clk.Now()

	rotated, err := sess.ExpireCheck(now, s.cfg.Margin, s.cfg.NonceTTL)
	if err != nil {
		return err
	}
	if rotated {
		if err := s.store.SaveRotation(ctx, id, *sess.Nonce, *sess.NonceExpiresAt); err != nil {
			return err
		}
		metrics.NonceRotations.Inc()
		s.writeAudit(ctx, "system.auto_rotate_qr", nil, id)
	}

	if sess.AutoCloseIfPastEnd(now) {
		if err := s.store.MarkClosed(ctx, id); err != nil {
			return err
		}
		metrics.SessionAutoCloses.Inc()
		s.reg.Unregister(id)
		s.writeAudit(ctx, "system.auto_close_session", &sess.OwnerID, id)
	}
	return nil
}

func (s *Scheduler) writeAudit(ctx context.Context, action string, userID *int64, sessionID int64) {
	if s.audit == nil {
		return
	}
	detail := fmt.Sprintf("session_id=%d", sessionID)
	if err := s.audit.Write(ctx, action, userID, detail); err != nil {
		log.Printf("scheduler: audit %s failed: %v", action, err)
	}
}
