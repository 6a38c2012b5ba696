package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opentiny/next-sdk/internal/llm"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the sessions database.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT,
    summary TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    turns INTEGER DEFAULT 0,
    rounds INTEGER DEFAULT 0,
    tool_calls INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT,
    message TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_sequence ON messages(session_id, sequence);
`

// schemaVersion is bumped whenever schema changes in a way that old
// databases cannot absorb through CREATE ... IF NOT EXISTS.
const schemaVersion = 1

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("session database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}
	if err := store.cleanup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session cleanup: %w", err)
	}
	return store, nil
}

// initSchema creates the schema on a fresh database and refuses databases
// written by a newer version.
func initSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == nil {
		if current > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
		}
		if current == schemaVersion {
			return nil
		}
	} else if !errors.Is(err, sql.ErrNoRows) && !strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("get current version: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("reset version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// cleanup enforces MaxCount, dropping the least recently updated sessions.
func (s *SQLiteStore) cleanup() error {
	if s.cfg.MaxCount <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCount)
	if err != nil {
		return fmt.Errorf("enforce max count: %w", err)
	}
	return nil
}

// Create inserts a new session.
func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, summary, provider, model, created_at, updated_at,
		                      turns, rounds, tool_calls, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.Name), nullString(sess.Summary), sess.Provider, sess.Model,
		sess.CreatedAt, sess.UpdatedAt,
		sess.Turns, sess.Rounds, sess.ToolCalls, sess.InputTokens, sess.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, summary, provider, model, created_at, updated_at,
		       turns, rounds, tool_calls, input_tokens, output_tokens
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var name, summary sql.NullString
	err := row.Scan(&sess.ID, &name, &summary, &sess.Provider, &sess.Model,
		&sess.CreatedAt, &sess.UpdatedAt,
		&sess.Turns, &sess.Rounds, &sess.ToolCalls, &sess.InputTokens, &sess.OutputTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Name = name.String
	sess.Summary = summary.String
	return &sess, nil
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	// Foreign key cascade handles messages
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	query := `
		SELECT s.id, s.name, s.summary, s.provider, s.model, s.updated_at,
		       (SELECT COUNT(*) FROM messages WHERE session_id = s.id) AS message_count,
		       s.turns, s.rounds, s.tool_calls, s.input_tokens, s.output_tokens
		FROM sessions s
		WHERE 1=1`
	args := []any{}
	if opts.Provider != "" {
		query += " AND s.provider = ?"
		args = append(args, opts.Provider)
	}
	query += " ORDER BY s.updated_at DESC, s.rowid DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		var sum Summary
		var name, summary sql.NullString
		if err := rows.Scan(&sum.ID, &name, &summary, &sum.Provider, &sum.Model,
			&sum.UpdatedAt, &sum.MessageCount,
			&sum.Turns, &sum.Rounds, &sum.ToolCalls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Name = name.String
		sum.Summary = summary.String
		results = append(results, sum)
	}
	return results, rows.Err()
}

// AddMessages appends msgs after the session's last stored message in one
// transaction. The first user message becomes the session summary.
func (s *SQLiteStore) AddMessages(ctx context.Context, sessionID string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID)
	if err != nil {
		return fmt.Errorf("update session timestamp: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	var firstUser string
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("serialize message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, sequence, role, content, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, seq, string(msg.Role), msg.Content, string(data), now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq++
		if firstUser == "" && msg.Role == llm.RoleUser {
			firstUser = TruncateSummary(msg.Content)
		}
	}

	if firstUser != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET summary = ?
			WHERE id = ? AND (summary IS NULL OR summary = '')`, firstUser, sessionID); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages returns the stored history of a session in order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message FROM messages
		WHERE session_id = ?
		ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []llm.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("deserialize message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateMetrics adds m to the session's counters.
func (s *SQLiteStore) UpdateMetrics(ctx context.Context, id string, m Metrics) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
		       turns = turns + ?,
		       rounds = rounds + ?,
		       tool_calls = tool_calls + ?,
		       input_tokens = input_tokens + ?,
		       output_tokens = output_tokens + ?,
		       updated_at = ?
		WHERE id = ?`,
		m.Turns, m.Rounds, m.ToolCalls, m.InputTokens, m.OutputTokens, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
