package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/teslashibe/biovision/internal/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);

CREATE TABLE IF NOT EXISTS frames (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	ts         INTEGER NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_frames_ts ON frames(session_id, ts);
`

const selectSession = `
	SELECT s.id, s.name, s.started_at, s.ended_at, COUNT(f.seq), MAX(f.ts)
	FROM sessions s
	LEFT JOIN frames f ON f.session_id = s.id`

// Store persists sessions and their frames in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (or creates) the session database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create starts a new open session.
func (s *Store) Create(ctx context.Context, startedAt time.Time) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		Name:      NameFor(startedAt),
		Timestamp: startedAt.UnixMilli(),
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session store: create: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, name, started_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sess.ID, sess.Name, sess.Timestamp}})
	if err != nil {
		return Session{}, fmt.Errorf("session store: create: %w", err)
	}

	s.logger.Info("session created", "id", sess.ID, "name", sess.Name)
	return sess, nil
}

// AppendFrame adds a frame to an open session.
func (s *Store) AppendFrame(ctx context.Context, id string, f Frame) error {
	body, err := encodeFrame(f)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: append: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO frames (session_id, seq, ts, body)
		SELECT id,
		       (SELECT COALESCE(MAX(seq) + 1, 0) FROM frames WHERE session_id = ?1),
		       ?2, ?3
		FROM sessions
		WHERE id = ?1 AND ended_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{id, f.Timestamp, body}})
	if err != nil {
		return fmt.Errorf("session store: append: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: no open session %s", ErrNotFound, id)
	}
	return nil
}

// Finish closes an open session.
func (s *Store) Finish(ctx context.Context, id string, endedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: finish: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{endedAt.UnixMilli(), id}})
	if err != nil {
		return fmt.Errorf("session store: finish: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: no open session %s", ErrNotFound, id)
	}

	s.logger.Info("session finished", "id", id)
	return nil
}

// List returns all sessions, newest first, without frames.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Session
	err = sqlitex.Execute(conn,
		selectSession+` GROUP BY s.id ORDER BY s.started_at DESC, s.id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanSession(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	return out, nil
}

// Get returns one session with all of its frames in recording order.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session store: get: %w", err)
	}
	defer s.pool.Put(conn)

	sess, err := lookup(conn, id)
	if err != nil {
		return Session{}, err
	}

	sess.Frames = make([]Frame, 0, sess.FrameCount)
	err = sqlitex.Execute(conn,
		`SELECT body FROM frames WHERE session_id = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				f, err := decodeFrame(columnBlob(stmt, 0))
				if err != nil {
					return err
				}
				sess.Frames = append(sess.Frames, f)
				return nil
			},
		})
	if err != nil {
		return Session{}, fmt.Errorf("session store: get %s: %w", id, err)
	}
	return sess, nil
}

// FrameAt returns the frame shown at offset into the session: the last
// frame recorded at or before it, or the first frame for offsets before
// any recording.
func (s *Store) FrameAt(ctx context.Context, id string, offset time.Duration) (Frame, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("session store: frame: %w", err)
	}
	defer s.pool.Put(conn)

	sess, err := lookup(conn, id)
	if err != nil {
		return Frame{}, err
	}
	if sess.FrameCount == 0 {
		return Frame{}, fmt.Errorf("%w: session %s has no frames", ErrNotFound, id)
	}

	target := sess.Timestamp + max(offset, 0).Milliseconds()

	var body []byte
	collect := &sqlitex.ExecOptions{
		Args: []any{id, target},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = columnBlob(stmt, 0)
			return nil
		},
	}
	err = sqlitex.Execute(conn,
		`SELECT body FROM frames WHERE session_id = ? AND ts <= ? ORDER BY seq DESC LIMIT 1`, collect)
	if err == nil && body == nil {
		collect.Args = []any{id}
		err = sqlitex.Execute(conn,
			`SELECT body FROM frames WHERE session_id = ? ORDER BY seq LIMIT 1`, collect)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("session store: frame %s: %w", id, err)
	}
	return decodeFrame(body)
}

func lookup(conn *sqlite.Conn, id string) (Session, error) {
	var (
		sess  Session
		found bool
	)
	err := sqlitex.Execute(conn,
		selectSession+` WHERE s.id = ? GROUP BY s.id`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sess = scanSession(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Session{}, fmt.Errorf("session store: lookup %s: %w", id, err)
	}
	if !found {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// scanSession reads a row of selectSession.
func scanSession(stmt *sqlite.Stmt) Session {
	sess := Session{
		ID:         stmt.ColumnText(0),
		Name:       stmt.ColumnText(1),
		Timestamp:  stmt.ColumnInt64(2),
		FrameCount: stmt.ColumnInt(4),
	}

	end := sess.Timestamp
	if !stmt.ColumnIsNull(5) {
		end = stmt.ColumnInt64(5)
	}
	if !stmt.ColumnIsNull(3) {
		sess.EndedAt = stmt.ColumnInt64(3)
		end = max(end, sess.EndedAt)
	}
	sess.Duration = float64(end-sess.Timestamp) / 1000
	return sess
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}
