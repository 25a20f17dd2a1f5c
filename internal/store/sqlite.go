package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avelis/toolbridge/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls_json TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession records a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.SessionRecord) error {
	query := `INSERT INTO sessions (session_id, client_id, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.ClientID, session.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `SELECT session_id, client_id, created_at, closed_at FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var rec domain.SessionRecord
	var createdAt int64
	var closedAt sql.NullInt64

	err := row.Scan(&rec.ID, &rec.ClientID, &createdAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	if closedAt.Valid {
		ts := time.Unix(closedAt.Int64, 0)
		rec.ClosedAt = &ts
	}

	return &rec, nil
}

// CloseSession marks a session as closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	query := `UPDATE sessions SET closed_at = ? WHERE session_id = ? AND closed_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, closedAt.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("CloseSession affected 0 rows", "session_id", sessionID)
	}

	return nil
}

// AppendMessage appends one message at the given sequence number.
// Retries with exponential backoff on SQLite concurrency errors so a
// busy checkpoint does not drop audit rows.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, seq int, msg *domain.Message) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.appendMessageOnce(ctx, sessionID, seq, msg)
		if err == nil {
			return nil
		}

		if isSQLiteConflict(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("AppendMessage hit SQLITE_BUSY, retrying",
				"session_id", sessionID,
				"seq", seq,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("append message %s/%d: %w", sessionID, seq, err)
	}

	return nil
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, sessionID string, seq int, msg *domain.Message) error {
	var toolCallsJSON interface{}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}

	var toolCallID, toolName interface{}
	if msg.ToolCallID != "" {
		toolCallID = msg.ToolCallID
	}
	if msg.ToolName != "" {
		toolName = msg.ToolName
	}

	query := `
		INSERT INTO messages (session_id, seq, role, content, tool_calls_json, tool_call_id, tool_name, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sessionID, seq, string(msg.Role), msg.Content,
		toolCallsJSON, toolCallID, toolName, msg.IsError,
		msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT role, content, tool_calls_json, tool_call_id, tool_name, is_error, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var toolCallsJSON, toolCallID, toolName sql.NullString
		var createdAt int64

		if err := rows.Scan(&role, &msg.Content, &toolCallsJSON, &toolCallID, &toolName, &msg.IsError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		msg.CreatedAt = time.Unix(createdAt, 0)

		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether the error is a SQLite concurrency
// error (SQLITE_BUSY or "database is locked") that warrants a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
