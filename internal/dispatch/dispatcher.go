// Package dispatch turns a qualified webhook event into exactly one Devin
// session, deduplicating redelivered webhooks through the store's source-key
// reservation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/radehq/rade/internal/devin"
	"github.com/radehq/rade/internal/github"
	"github.com/radehq/rade/internal/session"
)

// TaskCreator creates remote sessions. Implemented by *devin.Client.
type TaskCreator interface {
	CreateSession(ctx context.Context, prompt string) (string, error)
}

// Dispatcher composes the source-key reservation with the remote create call.
type Dispatcher struct {
	store *session.Store
	devin TaskCreator
}

// New creates a Dispatcher.
func New(store *session.Store, devin TaskCreator) *Dispatcher {
	return &Dispatcher{store: store, devin: devin}
}

// Dispatch reserves the event's source key, creates a Devin session, and
// commits the remote id. The reservation makes the whole sequence
// at-most-once: a duplicate delivery observes the existing session and no
// second create call is made (created = false). If the remote create fails
// the reservation is released, so a later redelivery of the same event may
// retry.
func (d *Dispatcher) Dispatch(ctx context.Context, fields *github.DispatchFields) (sess *session.Session, created bool, err error) {
	sess, err = d.store.Reserve(fields.SourceKey, fields.Repo, fields.PRNumber, fields.PRURL, fields.CommentBody)
	if err != nil {
		var conflict *session.ConflictError
		if errors.As(err, &conflict) {
			log.Printf("dispatch: %s already tracked as session %s, skipping", fields.SourceKey, conflict.Existing.ID)
			return conflict.Existing, false, nil
		}
		return nil, false, fmt.Errorf("reserving %s: %w", fields.SourceKey, err)
	}

	prompt := devin.BuildPrompt(fields.PRURL, fields.CommentBody)
	remoteID, err := d.devin.CreateSession(ctx, prompt)
	if err != nil {
		if relErr := d.store.Release(sess.ID); relErr != nil {
			log.Printf("dispatch: failed to release reservation %s: %v", sess.ID, relErr)
		}
		return nil, false, fmt.Errorf("creating Devin session for %s: %w", fields.SourceKey, err)
	}

	if err := d.store.CommitDispatch(sess.ID, remoteID); err != nil {
		// The remote session exists but the commit lost a race (e.g. the
		// reservation was expired mid-dispatch). Surface it; the session is
		// orphaned on the remote side but nothing local is corrupted.
		return nil, false, fmt.Errorf("committing dispatch of %s: %w", remoteID, err)
	}

	sess.SessionID = remoteID
	sess.State = session.StatePending
	log.Printf("dispatch: created Devin session %s for %s#%d", remoteID, fields.Repo, fields.PRNumber)
	return sess, true, nil
}
