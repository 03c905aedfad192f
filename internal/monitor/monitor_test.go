package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/radehq/rade/internal/devin"
	"github.com/radehq/rade/internal/session"
)

// fakeFetcher serves a scripted sequence of results per remote session id.
// The last entry repeats once the script is exhausted.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]pollResult
	calls   map[string]int
}

type pollResult struct {
	status *devin.Status
	err    error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		scripts: make(map[string][]pollResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) script(sessionID string, results ...pollResult) {
	f.scripts[sessionID] = results
}

func (f *fakeFetcher) GetSessionStatus(ctx context.Context, sessionID string) (*devin.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[sessionID]
	if len(script) == 0 {
		return nil, fmt.Errorf("no script for %s", sessionID)
	}
	i := f.calls[sessionID]
	f.calls[sessionID]++
	if i >= len(script) {
		i = len(script) - 1
	}
	r := script[i]
	return r.status, r.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []*session.Session
	err   error
}

func (f *fakeNotifier) Post(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, sess)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dispatchTestSession(t *testing.T, store *session.Store, sourceKey, remoteID string) *session.Session {
	t.Helper()
	sess, err := store.Reserve(sourceKey, "owner/repo", 42, "https://github.com/owner/repo/pull/42", "fix")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.CommitDispatch(sess.ID, remoteID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return sess
}

func working() pollResult {
	return pollResult{status: &devin.Status{State: devin.StateWorking}}
}

func finished(url string) pollResult {
	return pollResult{status: &devin.Status{State: devin.StateFinished, ResultURL: url}}
}

func blocked(msg string) pollResult {
	return pollResult{status: &devin.Status{State: devin.StateBlocked, ErrorMessage: msg}}
}

func transportDown() pollResult {
	return pollResult{err: &devin.TransportError{Op: "get session status", Err: errors.New("connection refused")}}
}

func mustState(t *testing.T, store *session.Store, id string, want session.State) *session.Session {
	t.Helper()
	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if got.State != want {
		t.Fatalf("session %s state = %s, want %s", id, got.State, want)
	}
	return got
}

func TestLifecycleWorkingWorkingFinished(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	m := New(store, fetcher, notifier, Config{})

	sess := dispatchTestSession(t, store, "owner/repo/42/c1", "devin-1")
	fetcher.script("devin-1", working(), working(), finished("https://github.com/owner/repo/pull/43"))

	ctx := context.Background()

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	mustState(t, store, sess.ID, session.StateActive)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	mustState(t, store, sess.ID, session.StateActive)
	if notifier.count() != 0 {
		t.Fatalf("notified before finishing: %d posts", notifier.count())
	}

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	got := mustState(t, store, sess.ID, session.StateNotified)
	if got.NewPRURL != "https://github.com/owner/repo/pull/43" {
		t.Fatalf("new PR URL = %q", got.NewPRURL)
	}
	if notifier.count() != 1 {
		t.Fatalf("posts = %d, want 1", notifier.count())
	}
}

func TestTickIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	m := New(store, fetcher, notifier, Config{})

	sess := dispatchTestSession(t, store, "owner/repo/42/c2", "devin-2")
	fetcher.script("devin-2", finished("https://github.com/o/r/pull/9"))

	ctx := context.Background()
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	mustState(t, store, sess.ID, session.StateNotified)

	// No new remote information: the second run must not post again or
	// change anything.
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	mustState(t, store, sess.ID, session.StateNotified)
	if notifier.count() != 1 {
		t.Fatalf("posts = %d, want 1", notifier.count())
	}
}

func TestBlockedSessionIsReportedAndFailed(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	m := New(store, fetcher, notifier, Config{})

	sess := dispatchTestSession(t, store, "owner/repo/42/c3", "devin-3")
	fetcher.script("devin-3", blocked("needs credentials"))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := mustState(t, store, sess.ID, session.StateFailed)
	if got.Reason != "needs credentials" {
		t.Fatalf("reason = %q", got.Reason)
	}
	if notifier.count() != 1 {
		t.Fatalf("posts = %d, want 1", notifier.count())
	}
}

func TestTransportFailuresExhaustIntoBlocked(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	m := New(store, fetcher, notifier, Config{MaxPollFailures: 3})

	sess := dispatchTestSession(t, store, "owner/repo/42/c4", "devin-4")
	fetcher.script("devin-4", transportDown())

	ctx := context.Background()

	// Two failed polls: state unchanged, attempts climbing.
	for i := 0; i < 2; i++ {
		if err := m.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got := mustState(t, store, sess.ID, session.StatePending)
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	if notifier.count() != 0 {
		t.Fatal("transport failure was reported as an outcome")
	}

	// Third failure hits the ceiling: blocked, reported, failed.
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("final tick: %v", err)
	}
	got = mustState(t, store, sess.ID, session.StateFailed)
	if got.Reason != "polling-exhausted" {
		t.Fatalf("reason = %q", got.Reason)
	}
}

func TestSuccessfulPollResetsAttempts(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	m := New(store, fetcher, &fakeNotifier{}, Config{MaxPollFailures: 3})

	sess := dispatchTestSession(t, store, "owner/repo/42/c5", "devin-5")
	fetcher.script("devin-5", transportDown(), transportDown(), working())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	got := mustState(t, store, sess.ID, session.StateActive)
	if got.Attempts != 0 {
		t.Fatalf("attempts not reset: %d", got.Attempts)
	}
}

func TestPerSessionFailuresAreIsolated(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	m := New(store, fetcher, notifier, Config{Workers: 2})

	broken := dispatchTestSession(t, store, "owner/repo/1/c1", "devin-broken")
	healthy := dispatchTestSession(t, store, "owner/repo/2/c2", "devin-healthy")
	fetcher.script("devin-broken", transportDown())
	fetcher.script("devin-healthy", finished("https://github.com/o/r/pull/5"))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	mustState(t, store, broken.ID, session.StatePending)
	mustState(t, store, healthy.ID, session.StateNotified)
}

func TestUnknownStatusCountsAsFailedPoll(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	m := New(store, fetcher, &fakeNotifier{}, Config{})

	sess := dispatchTestSession(t, store, "owner/repo/42/c6", "devin-6")
	fetcher.script("devin-6", pollResult{err: &devin.UnknownStatusError{SessionID: "devin-6", Raw: "resting"}})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := mustState(t, store, sess.ID, session.StatePending)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestNotifyFailureForcesTerminalFailure(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{err: errors.New("comment rejected")}
	m := New(store, fetcher, notifier, Config{})

	sess := dispatchTestSession(t, store, "owner/repo/42/c7", "devin-7")
	fetcher.script("devin-7", finished("https://github.com/o/r/pull/8"))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := mustState(t, store, sess.ID, session.StateFailed)
	if got.Reason != "notification-failed" {
		t.Fatalf("reason = %q", got.Reason)
	}
	// The produced PR URL survives even though reporting failed.
	if got.NewPRURL != "https://github.com/o/r/pull/8" {
		t.Fatalf("new PR URL = %q", got.NewPRURL)
	}

	// Terminal: the next tick does not retry.
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	mustState(t, store, sess.ID, session.StateFailed)
	if notifier.count() != 1 {
		t.Fatalf("posts = %d, want 1", notifier.count())
	}
}

func TestTickReleasesAbandonedReservations(t *testing.T) {
	store := newTestStore(t)
	m := New(store, newFakeFetcher(), &fakeNotifier{}, Config{ReservationGrace: time.Nanosecond})

	orphan, err := store.Reserve("owner/repo/42/c8", "owner/repo", 42, "url", "body")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := store.Get(orphan.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("abandoned reservation survived: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	m := New(store, newFakeFetcher(), &fakeNotifier{}, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
