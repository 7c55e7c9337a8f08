// Package sessionstore keeps per-session conversation history in SQLite.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Turn is one recorded conversation message.
type Turn struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

type Session struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time
	LastActive   time.Time
}

// DeleteResult reports the outcome of DeleteSession.
type DeleteResult struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

// Store wraps a SQLite-backed session history. Ephemeral retention keeps the
// database in memory for the life of the process.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the session store according to config.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.RetentionMode == RetentionEphemeral {
		dsn = fmt.Sprintf("file:sessions-%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)", uuid.NewString())
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "sessionstore")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != RetentionEphemeral {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    connection_id TEXT,
    created_at INTEGER NOT NULL,
    last_active INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TouchSession creates the session row or refreshes its activity time.
func (s *Store) TouchSession(ctx context.Context, sessionID, connectionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	now := s.clock().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, connection_id, created_at, last_active)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   connection_id = COALESCE(NULLIF(excluded.connection_id, ''), sessions.connection_id),
		   last_active = excluded.last_active`,
		sessionID, connectionID, now, now)
	return err
}

// AppendTurn records a message for sessionID, creating the session if needed.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	if err := s.TouchSession(ctx, sessionID, ""); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, role, content, s.clock().UnixMilli())
	return err
}

// Session returns the session row for id.
func (s *Store) Session(ctx context.Context, id string) (Session, bool, error) {
	var sess Session
	var created, active int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, COALESCE(connection_id, ''), created_at, last_active FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &sess.ConnectionID, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.LastActive = time.UnixMilli(active).UTC()
	return sess, true, nil
}

// History retrieves up to limit turns for a session ordered oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Recent retrieves the last limit turns for a session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
		   SELECT id, session_id, role, content, created_at
		   FROM turns WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteSession removes a session and all of its turns. Deleting an unknown
// id succeeds with Existed false.
func (s *Store) DeleteSession(ctx context.Context, id string) (DeleteResult, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return DeleteResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return DeleteResult{}, err
	}
	if n > 0 {
		s.log.Info("session deleted", slog.String("session_id", id))
	}
	return DeleteResult{Success: true, Existed: n > 0}, nil
}

// EndSession drops the history of a finished session when retention is
// scoped to sessions. It reports whether anything was removed.
func (s *Store) EndSession(ctx context.Context, id string) (bool, error) {
	if s.cfg.RetentionMode != RetentionSession {
		return false, nil
	}
	res, err := s.DeleteSession(ctx, id)
	return res.Existed, err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode == RetentionSession && s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_active DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Run prunes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("session store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
