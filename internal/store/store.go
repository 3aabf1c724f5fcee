// Package store provides session persistence using SQLite.
//
// A session record binds a conversation identity to its sandbox and the
// continuation token the agent returned on its last completed turn. Writes
// are per-identity UPSERTs, so concurrent turns on different sessions cannot
// lose each other's updates.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// State is the explicit lifecycle tag of a session.
type State string

const (
	StateCreated       State = "created"
	StateBootstrapping State = "bootstrapping"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	// There is no stored "reclaimed" state: reclamation is observed lazily
	// through a failed sandbox lookup, and the next resolve simply re-enters
	// StateCreated with a fresh sandbox.
)

// Session is the persisted binding between a conversation identity and a
// sandbox.
type Session struct {
	Identity          string    `json:"identity"`
	SandboxID         string    `json:"sandbox_id"`
	ContinuationToken string    `json:"-"`
	State             State     `json:"state"`
	DataDir           string    `json:"data_dir"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store manages session persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
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
			identity           TEXT PRIMARY KEY,
			sandbox_id         TEXT NOT NULL DEFAULT '',
			continuation_token TEXT NOT NULL DEFAULT '',
			state              TEXT NOT NULL DEFAULT 'created',
			data_dir           TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves a session by identity.
func (s *Store) Get(identity string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT identity, sandbox_id, continuation_token, state, data_dir,
		        created_at, updated_at
		 FROM sessions WHERE identity = ?`, identity,
	)
	sess := &Session{}
	err := row.Scan(
		&sess.Identity, &sess.SandboxID, &sess.ContinuationToken, &sess.State,
		&sess.DataDir, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// BindSandbox records the sandbox backing an identity. When the sandbox id
// changes (the old one was reclaimed and a new one created), the stored
// continuation token is cleared: the token references working-tree state
// that died with the old sandbox.
func (s *Store) BindSandbox(identity, sandboxID, dataDir string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sessions (identity, sandbox_id, state, data_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			continuation_token = CASE WHEN sandbox_id = excluded.sandbox_id
				THEN continuation_token ELSE '' END,
			sandbox_id = excluded.sandbox_id,
			data_dir   = excluded.data_dir,
			updated_at = excluded.updated_at`,
		identity, sandboxID, StateCreated, dataDir, now, now,
	)
	return err
}

// SetState updates the lifecycle state of a session.
func (s *Store) SetState(identity string, state State) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET state = ?, updated_at = ? WHERE identity = ?`,
		state, time.Now().UTC(), identity,
	)
	return err
}

// SetContinuation stores the continuation token a completed turn returned,
// tagged with the sandbox it was minted under.
func (s *Store) SetContinuation(identity, sandboxID, token string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET continuation_token = ?, sandbox_id = ?, updated_at = ?
		 WHERE identity = ?`,
		token, sandboxID, time.Now().UTC(), identity,
	)
	return err
}

// Continuation returns the stored continuation token for an identity, but
// only if it was minted under the given sandbox. A token from a previous,
// reclaimed sandbox is treated as absent.
func (s *Store) Continuation(identity, sandboxID string) (string, bool) {
	var token, storedSandbox string
	err := s.db.QueryRow(
		`SELECT continuation_token, sandbox_id FROM sessions WHERE identity = ?`,
		identity,
	).Scan(&token, &storedSandbox)
	if err != nil || token == "" || storedSandbox != sandboxID {
		return "", false
	}
	return token, true
}

// List returns all sessions ordered by last update (newest first).
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT identity, sandbox_id, continuation_token, state, data_dir,
		        created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(
			&sess.Identity, &sess.SandboxID, &sess.ContinuationToken, &sess.State,
			&sess.DataDir, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
