// Package store keeps a local archive of chat transcripts in SQLite. It is
// a client-side convenience; the backend remains the source of truth for
// session history.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"devopspal/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite transcript archive.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time DATETIME,
		base_url TEXT
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		role TEXT,
		tool_call TEXT,
		content TEXT,
		timestamp DATETIME,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	if _, err := db.Exec(createSessionsTable); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveSession writes the session and its full transcript, replacing any
// transcript previously archived under the same id.
func (s *Store) SaveSession(sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("refusing to archive session without an id")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (id, start_time, base_url) VALUES (?, ?, ?)",
		sess.ID, sess.StartTime, sess.BaseURL,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}

	for _, msg := range sess.Messages {
		_, err = tx.Exec(
			"INSERT INTO messages (session_id, role, tool_call, content, timestamp) VALUES (?, ?, ?, ?, ?)",
			sess.ID, msg.Role, msg.ToolCall, msg.Content, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSession reads an archived session and its transcript by id.
func (s *Store) LoadSession(sessionID string) (*session.Session, error) {
	var baseURL string
	var startTime time.Time

	err := s.db.QueryRow("SELECT base_url, start_time FROM sessions WHERE id = ?", sessionID).
		Scan(&baseURL, &startTime)
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", err)
	}

	rows, err := s.db.Query(
		"SELECT role, tool_call, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		if err := rows.Scan(&msg.Role, &msg.ToolCall, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return &session.Session{
		ID:        sessionID,
		StartTime: startTime,
		BaseURL:   baseURL,
		Messages:  messages,
	}, nil
}

// ListSessions returns archived sessions, most recent first, without their
// transcripts.
func (s *Store) ListSessions() ([]session.Session, error) {
	rows, err := s.db.Query("SELECT id, start_time, base_url FROM sessions ORDER BY start_time DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []session.Session{}
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.StartTime, &sess.BaseURL); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
