// Package monitor implements the polling loop that reconciles remote Devin
// session status with the local session store and reports terminal outcomes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/radehq/rade/internal/devin"
	"github.com/radehq/rade/internal/session"
)

// StatusFetcher polls remote session status. Implemented by *devin.Client.
type StatusFetcher interface {
	GetSessionStatus(ctx context.Context, sessionID string) (*devin.Status, error)
}

// Notifier reports a terminal session outcome. Implemented by *notify.Sink.
type Notifier interface {
	Post(ctx context.Context, sess *session.Session) error
}

// Config holds tuning knobs for the polling loop.
type Config struct {
	// Interval between ticks (default 30s).
	Interval time.Duration
	// Workers bounds concurrent status polls within a tick (default 4).
	Workers int
	// MaxPollFailures is how many consecutive failed polls force a session
	// to blocked with reason "polling-exhausted" (default 10).
	MaxPollFailures int
	// ReservationGrace is how long an uncommitted reservation survives
	// before it is treated as abandoned (default 10m).
	ReservationGrace time.Duration
	// PollTimeout bounds each remote status call (default 30s).
	PollTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 10
	}
	if c.ReservationGrace <= 0 {
		c.ReservationGrace = 10 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
}

// Monitor drives the session lifecycle from pending through terminal states.
type Monitor struct {
	store  *session.Store
	devin  StatusFetcher
	sink   Notifier
	config Config
}

// New creates a Monitor. Zero config fields take defaults.
func New(store *session.Store, fetcher StatusFetcher, sink Notifier, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{store: store, devin: fetcher, sink: sink, config: cfg}
}

// Run executes ticks on the configured interval until ctx is canceled. An
// in-flight tick always finishes before Run returns; its remote calls wind
// down on their own timeouts rather than being canceled mid-flight.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("monitor: polling every %s", m.config.Interval)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(context.WithoutCancel(ctx)); err != nil {
			log.Printf("monitor: tick failed, retrying next interval: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Println("monitor: shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one full reconciliation pass: expire abandoned reservations,
// poll every pending and active session, then report sessions that reached
// an outcome. Re-running a tick with no new remote information produces no
// additional side effects. Per-session failures are logged and isolated; the
// returned error only reports storage faults that aborted the pass.
func (m *Monitor) Tick(ctx context.Context) error {
	if n, err := m.store.ReleaseStaleReservations(m.config.ReservationGrace); err != nil {
		return fmt.Errorf("expiring reservations: %w", err)
	} else if n > 0 {
		log.Printf("monitor: released %d abandoned reservation(s)", n)
	}

	active, err := m.store.ListActive()
	if err != nil {
		return fmt.Errorf("listing active sessions: %w", err)
	}
	if len(active) > 0 {
		log.Printf("monitor: checking %d session(s)", len(active))
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, m.config.Workers)
	for _, sess := range active {
		wg.Add(1)
		sem <- struct{}{}
		go func(sess *session.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			m.pollSession(ctx, sess)
		}(sess)
	}
	wg.Wait()

	notifiable, err := m.store.ListNotifiable()
	if err != nil {
		return fmt.Errorf("listing notifiable sessions: %w", err)
	}
	for _, sess := range notifiable {
		m.notifySession(ctx, sess)
	}
	return nil
}

// pollSession fetches remote status for one session and applies the
// resulting state change, if any.
func (m *Monitor) pollSession(ctx context.Context, sess *session.Session) {
	pollCtx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
	defer cancel()

	status, err := m.devin.GetSessionStatus(pollCtx, sess.SessionID)
	if err != nil {
		m.recordFailedPoll(sess, err)
		return
	}

	if _, err := m.store.MarkPolled(sess.ID, true); err != nil {
		log.Printf("monitor: session %s: %v", sess.ID, err)
		return
	}

	switch status.State {
	case devin.StateWorking:
		if sess.State == session.StatePending {
			m.transition(sess, session.StateActive, session.TransitionFields{})
		}
	case devin.StateBlocked:
		reason := status.ErrorMessage
		if reason == "" {
			reason = "session blocked"
		}
		m.transition(sess, session.StateBlocked, session.TransitionFields{Reason: reason})
	case devin.StateFinished:
		m.transition(sess, session.StateFinished, session.TransitionFields{NewPRURL: status.ResultURL})
	}
}

// recordFailedPoll bumps the attempts counter and forces the session to
// blocked once the ceiling is hit. A transport failure is never read as the
// remote task having failed; only unbounded silence is.
func (m *Monitor) recordFailedPoll(sess *session.Session, pollErr error) {
	var unknown *devin.UnknownStatusError
	if errors.As(pollErr, &unknown) {
		log.Printf("monitor: session %s: %v", sess.ID, unknown)
	} else {
		log.Printf("monitor: session %s: poll failed: %v", sess.ID, pollErr)
	}

	attempts, err := m.store.MarkPolled(sess.ID, false)
	if err != nil {
		log.Printf("monitor: session %s: %v", sess.ID, err)
		return
	}
	if attempts >= m.config.MaxPollFailures {
		log.Printf("monitor: session %s: %d consecutive failed polls, giving up", sess.ID, attempts)
		m.transition(sess, session.StateBlocked, session.TransitionFields{Reason: "polling-exhausted"})
	}
}

// notifySession reports one finished or blocked session and moves it to its
// terminal state.
func (m *Monitor) notifySession(ctx context.Context, sess *session.Session) {
	err := m.sink.Post(ctx, sess)

	switch {
	case err == nil && sess.State == session.StateFinished:
		m.transition(sess, session.StateNotified, session.TransitionFields{})
	case err == nil:
		// A blocked session's failure was reported; the session itself
		// remains a failure.
		m.transition(sess, session.StateFailed, session.TransitionFields{})
	case sess.State == session.StateFinished:
		log.Printf("monitor: session %s: outcome could not be reported: %v", sess.ID, err)
		m.transition(sess, session.StateFailed, session.TransitionFields{Reason: "notification-failed"})
	default:
		log.Printf("monitor: session %s: outcome could not be reported: %v", sess.ID, err)
		m.transition(sess, session.StateFailed, session.TransitionFields{})
	}
}

func (m *Monitor) transition(sess *session.Session, to session.State, fields session.TransitionFields) {
	if _, err := m.store.Transition(sess.ID, to, fields); err != nil {
		log.Printf("monitor: session %s: %v", sess.ID, err)
		return
	}
	log.Printf("monitor: session %s (%s): %s -> %s", sess.ID, sess.SessionID, sess.State, to)
}
