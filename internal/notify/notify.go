// Package notify reports session outcomes: a comment on the originating pull
// request, plus optional best-effort broadcasts to operator channels.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/radehq/rade/internal/session"
)

// Commenter posts a comment on an issue or PR. Implemented by *github.Client.
type Commenter interface {
	CreateComment(ctx context.Context, repoFullName string, number int, body string) error
}

// Broadcaster pushes an outcome line to an operator channel (Slack, Telegram).
// Broadcast failures are logged and never affect session state.
type Broadcaster interface {
	Name() string
	Broadcast(ctx context.Context, text string) error
}

// Sink posts outcome comments with a bounded retry budget.
type Sink struct {
	commenter    Commenter
	broadcasters []Broadcaster
	retries      int
	retryDelay   time.Duration
}

// NewSink creates a Sink. retries is the total number of comment attempts
// per outcome (minimum 1).
func NewSink(commenter Commenter, retries int, broadcasters ...Broadcaster) *Sink {
	if retries < 1 {
		retries = 1
	}
	return &Sink{
		commenter:    commenter,
		broadcasters: broadcasters,
		retries:      retries,
		retryDelay:   2 * time.Second,
	}
}

// Post reports a session outcome on its originating PR. It retries up to the
// sink's budget and returns the last error once the budget is spent. Operator
// broadcasts happen once, after the comment succeeds or the budget runs out.
func (s *Sink) Post(ctx context.Context, sess *session.Session) error {
	body := OutcomeComment(sess)

	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		err = s.commenter.CreateComment(ctx, sess.Repo, sess.PRNumber, body)
		if err == nil {
			break
		}
		log.Printf("notify: comment attempt %d/%d on %s#%d failed: %v",
			attempt, s.retries, sess.Repo, sess.PRNumber, err)
		if attempt < s.retries {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.broadcast(ctx, OutcomeLine(sess))

	if err != nil {
		return fmt.Errorf("posting outcome on %s#%d: %w", sess.Repo, sess.PRNumber, err)
	}
	return nil
}

func (s *Sink) broadcast(ctx context.Context, text string) {
	for _, b := range s.broadcasters {
		if err := b.Broadcast(ctx, text); err != nil {
			log.Printf("notify: %s broadcast failed: %v", b.Name(), err)
		}
	}
}

// OutcomeComment renders the PR comment body for a terminal session outcome.
func OutcomeComment(sess *session.Session) string {
	switch sess.State {
	case session.StateFinished:
		if sess.NewPRURL != "" {
			return fmt.Sprintf("✅ Devin opened a follow-up PR with the requested fixes.\n\nPlease review: %s", sess.NewPRURL)
		}
		return "✅ The Devin session finished, but it did not report a new PR URL."
	case session.StateBlocked:
		reason := sess.Reason
		if reason == "" {
			reason = "session blocked"
		}
		return fmt.Sprintf("⚠️ Devin could not complete the requested fix: %s", reason)
	default:
		return fmt.Sprintf("Devin session %s ended in state %s.", sess.SessionID, sess.State)
	}
}

// OutcomeLine renders the one-line operator broadcast for a session outcome.
func OutcomeLine(sess *session.Session) string {
	switch sess.State {
	case session.StateFinished:
		if sess.NewPRURL != "" {
			return fmt.Sprintf("Devin session %s for %s#%d finished: %s", sess.SessionID, sess.Repo, sess.PRNumber, sess.NewPRURL)
		}
		return fmt.Sprintf("Devin session %s for %s#%d finished (no PR URL reported)", sess.SessionID, sess.Repo, sess.PRNumber)
	case session.StateBlocked:
		return fmt.Sprintf("Devin session %s for %s#%d blocked: %s", sess.SessionID, sess.Repo, sess.PRNumber, sess.Reason)
	default:
		return fmt.Sprintf("Devin session %s for %s#%d ended in state %s", sess.SessionID, sess.Repo, sess.PRNumber, sess.State)
	}
}
