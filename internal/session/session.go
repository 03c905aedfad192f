// Package session provides the durable record of dispatched Devin sessions
// and the state machine that governs their lifecycle.
package session

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	// StateReserved is a provisional claim on a source key, made before the
	// Devin session exists. A reservation that is never committed is released
	// after a grace period.
	StateReserved State = "reserved"
	// StatePending means the Devin session was created and is awaiting its
	// first successful poll.
	StatePending State = "pending"
	// StateActive means at least one poll confirmed the session is working.
	StateActive State = "active"
	// StateBlocked means Devin reported an unrecoverable condition, or
	// polling was exhausted without a single successful status read.
	StateBlocked State = "blocked"
	// StateFinished means Devin reported success. The session still needs
	// its outcome posted back to the originating PR.
	StateFinished State = "finished"
	// StateNotified is terminal: the outcome was reported.
	StateNotified State = "notified"
	// StateFailed is terminal: the session was blocked, or reporting the
	// outcome failed after its retry budget.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	return s == StateNotified || s == StateFailed
}

// transitions is the closed graph of allowed state changes. Anything not
// listed here is rejected by Store.Transition.
var transitions = map[State][]State{
	StateReserved: {StatePending},
	StatePending:  {StateActive, StateBlocked, StateFinished},
	StateActive:   {StateBlocked, StateFinished},
	StateFinished: {StateNotified, StateFailed},
	StateBlocked:  {StateFailed},
}

// ValidTransition reports whether from -> to is an allowed state change.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one tracked unit of remote work: a single Devin session
// dispatched for a single qualifying PR comment.
type Session struct {
	// ID is the internal record identifier, assigned at reservation time
	// (before the Devin session id exists).
	ID string `json:"id"`

	// SessionID is the identifier assigned by the Devin API. Empty while
	// the record is a reservation.
	SessionID string `json:"session_id,omitempty"`

	// SourceKey is the deterministic fingerprint of the triggering comment
	// ("owner/repo/<pr>/c<comment-id>"). At most one non-terminal session
	// holds a given key at any time.
	SourceKey string `json:"source_key"`

	// Repo and PRNumber identify where the outcome is reported.
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`

	// PRURL is the canonical URL of the originating pull request.
	PRURL string `json:"pr_url"`

	// CommentBody is the review comment that triggered the session.
	CommentBody string `json:"comment_body,omitempty"`

	State State `json:"state"`

	// NewPRURL is the URL of the pull request Devin produced. Only set when
	// the session finished.
	NewPRURL string `json:"new_pr_url,omitempty"`

	// Reason records why a session is blocked or failed.
	Reason string `json:"reason,omitempty"`

	// Attempts counts consecutive failed polls since the last successful
	// one. Reset to zero on every successful status read.
	Attempts int `json:"attempts"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastPolledAt time.Time `json:"last_polled_at,omitzero"`
}

// TransitionFields carries the optional fields a state change may set.
type TransitionFields struct {
	// NewPRURL may only be set when transitioning to StateFinished.
	NewPRURL string
	// Reason may be set when transitioning to StateBlocked or StateFailed.
	Reason string
}

// ConflictError is returned by Reserve when a non-terminal session already
// holds the source key. It carries the existing session so callers can
// resolve the duplicate without treating it as a failure.
type ConflictError struct {
	Existing *Session
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("source key %q already dispatched as session %s", e.Existing.SourceKey, e.Existing.ID)
}

// InvalidTransitionError is returned by Transition when the requested state
// change is not in the lifecycle graph. The record is left unchanged.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}
