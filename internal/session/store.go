package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id does not exist in the store.
var ErrNotFound = errors.New("session not found")

// Store manages session persistence in SQLite. All mutating operations run
// inside a transaction on a single serialized connection, so a reservation
// racing a transition on the same record cannot corrupt state.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite allows a single writer, and funneling every
	// mutation through one serialized access point is the concurrency
	// contract the rest of the system relies on.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL DEFAULT '',
			source_key     TEXT NOT NULL,
			repo           TEXT NOT NULL,
			pr_number      INTEGER NOT NULL,
			pr_url         TEXT NOT NULL DEFAULT '',
			comment_body   TEXT NOT NULL DEFAULT '',
			state          TEXT NOT NULL DEFAULT 'reserved',
			new_pr_url     TEXT NOT NULL DEFAULT '',
			reason         TEXT NOT NULL DEFAULT '',
			attempts       INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			last_polled_at DATETIME
		);

		-- At most one live session per source key. Terminal rows drop out of
		-- the index, so a later event for the same comment can dispatch again.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_source_key
			ON sessions(source_key) WHERE state NOT IN ('notified', 'failed');

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_session_id
			ON sessions(session_id) WHERE session_id != '';

		CREATE INDEX IF NOT EXISTS idx_sessions_state
			ON sessions(state);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reserve atomically claims a source key for a new session. If a non-terminal
// session already holds the key, a *ConflictError carrying that session is
// returned and nothing is written. The returned record is in StateReserved
// with no remote session id; callers must CommitDispatch or Release it.
func (s *Store) Reserve(sourceKey, repo string, prNumber int, prURL, commentBody string) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning reserve: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSession(tx.QueryRow(selectCols+
		` FROM sessions WHERE source_key = ? AND state NOT IN ('notified', 'failed')`, sourceKey))
	if err == nil {
		return nil, &ConflictError{Existing: existing}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checking source key: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.New().String()[:8],
		SourceKey:   sourceKey,
		Repo:        repo,
		PRNumber:    prNumber,
		PRURL:       prURL,
		CommentBody: commentBody,
		State:       StateReserved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.Exec(
		`INSERT INTO sessions (id, source_key, repo, pr_number, pr_url, comment_body, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SourceKey, sess.Repo, sess.PRNumber, sess.PRURL,
		sess.CommentBody, sess.State, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reserve: %w", err)
	}
	return sess, nil
}

// CommitDispatch records the Devin session id on a reservation, moving it to
// StatePending. Fails if the record is no longer a reservation.
func (s *Store) CommitDispatch(id, remoteSessionID string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET session_id = ?, state = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		remoteSessionID, StatePending, time.Now().UTC(), id, StateReserved,
	)
	if err != nil {
		return fmt.Errorf("committing dispatch: %w", err)
	}
	return s.requireRow(res, id, StatePending)
}

// Release discards a reservation after a failed dispatch, freeing the source
// key so a later duplicate delivery may retry. Releasing a record that is no
// longer a reservation is a no-op.
func (s *Store) Release(id string) error {
	_, err := s.db.Exec(
		`DELETE FROM sessions WHERE id = ? AND state = ?`, id, StateReserved,
	)
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	return nil
}

// ReleaseStaleReservations deletes reservations older than the grace period.
// A crash between Reserve and CommitDispatch leaves such a row behind; once
// released, the source key is free again.
func (s *Store) ReleaseStaleReservations(grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.Exec(
		`DELETE FROM sessions WHERE state = ? AND updated_at < ?`, StateReserved, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing stale reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Transition applies a state change, failing closed: any edge outside the
// lifecycle graph is rejected with *InvalidTransitionError and the record is
// left unchanged. NewPRURL may only be set when moving to StateFinished.
func (s *Store) Transition(id string, newState State, fields TransitionFields) (*Session, error) {
	if fields.NewPRURL != "" && newState != StateFinished {
		return nil, &InvalidTransitionError{ID: id, To: newState}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRow(selectCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !ValidTransition(sess.State, newState) {
		return nil, &InvalidTransitionError{ID: id, From: sess.State, To: newState}
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE sessions SET
			state = ?,
			new_pr_url = CASE WHEN ? != '' THEN ? ELSE new_pr_url END,
			reason = CASE WHEN ? != '' THEN ? ELSE reason END,
			updated_at = ?
		 WHERE id = ? AND state = ?`,
		newState,
		fields.NewPRURL, fields.NewPRURL,
		fields.Reason, fields.Reason,
		now, id, sess.State,
	)
	if err != nil {
		return nil, fmt.Errorf("applying transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &InvalidTransitionError{ID: id, From: sess.State, To: newState}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	sess.State = newState
	if fields.NewPRURL != "" {
		sess.NewPRURL = fields.NewPRURL
	}
	if fields.Reason != "" {
		sess.Reason = fields.Reason
	}
	sess.UpdatedAt = now
	return sess, nil
}

// MarkPolled records the outcome of one status poll. A successful poll resets
// the attempts counter and stamps last_polled_at; a transport failure only
// increments attempts. Returns the updated attempts count.
func (s *Store) MarkPolled(id string, ok bool) (int, error) {
	now := time.Now().UTC()
	var err error
	if ok {
		_, err = s.db.Exec(
			`UPDATE sessions SET attempts = 0, last_polled_at = ?, updated_at = ? WHERE id = ?`,
			now, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE sessions SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, id,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("marking poll: %w", err)
	}

	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM sessions WHERE id = ?`, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("reading attempts: %w", err)
	}
	return attempts, nil
}

// Get retrieves a session by its internal id.
func (s *Store) Get(id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(selectCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListActive returns sessions awaiting status polls (pending or active),
// oldest first, so every tick walks the full active set in dispatch order.
func (s *Store) ListActive() ([]*Session, error) {
	return s.list(`WHERE state IN (?, ?) ORDER BY created_at ASC`, StatePending, StateActive)
}

// ListNotifiable returns sessions that reached a reportable outcome (finished
// or blocked) but have not yet been notified, oldest first.
func (s *Store) ListNotifiable() ([]*Session, error) {
	return s.list(`WHERE state IN (?, ?) ORDER BY created_at ASC`, StateFinished, StateBlocked)
}

// List returns all sessions, newest first.
func (s *Store) List() ([]*Session, error) {
	return s.list(`ORDER BY created_at DESC`)
}

func (s *Store) list(clause string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(selectCols+` FROM sessions `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) requireRow(res sql.Result, id string, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		sess, err := s.Get(id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{ID: id, From: sess.State, To: to}
	}
	return nil
}

// --- Scan helpers ---

const selectCols = `SELECT id, session_id, source_key, repo, pr_number, pr_url,
	comment_body, state, new_pr_url, reason, attempts,
	created_at, updated_at, last_polled_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	sess := &Session{}
	var lastPolled sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.SessionID, &sess.SourceKey, &sess.Repo, &sess.PRNumber,
		&sess.PRURL, &sess.CommentBody, &sess.State, &sess.NewPRURL, &sess.Reason,
		&sess.Attempts, &sess.CreatedAt, &sess.UpdatedAt, &lastPolled,
	)
	if err != nil {
		return nil, err
	}
	if lastPolled.Valid {
		sess.LastPolledAt = lastPolled.Time
	}
	return sess, nil
}
