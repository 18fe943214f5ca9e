// Package store persists the media index, conversations, artifacts and
// configuration in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db          *sql.DB
	dbPath      string
	artifactDir string

	// Recovered is set when the database file could not be read and was
	// moved aside; the caller should rebuild the media index.
	Recovered bool
	// RecoveredFrom is the path the unreadable file was moved to.
	RecoveredFrom string
}

func NewSQLiteStore(dbPath, artifactDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	if err := os.MkdirAll(artifactDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, artifactDir: artifactDir}
	db, err := open(dbPath)
	if err != nil {
		if _, statErr := os.Stat(dbPath); statErr != nil {
			return nil, err
		}
		aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
		if renameErr := os.Rename(dbPath, aside); renameErr != nil {
			return nil, fmt.Errorf("database unreadable (%v) and could not be moved aside: %w", err, renameErr)
		}
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
		s.Recovered, s.RecoveredFrom = true, aside
		if db, err = open(dbPath); err != nil {
			return nil, err
		}
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// open connects and runs an integrity check so a damaged file is noticed
// before the first query.
func open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("database integrity check: %w", err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("database integrity check: %s", result)
	}
	return db, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			status TEXT,
			created_at INTEGER,
			updated_at INTEGER,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT,
			seq INTEGER,
			role TEXT,
			content TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER,
			PRIMARY KEY(conversation_id, seq),
			FOREIGN KEY(conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			path TEXT,
			type TEXT,
			created_at INTEGER,
			digest TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS media_items (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			vector BLOB,
			mod_time INTEGER,
			size INTEGER,
			kind TEXT,
			state TEXT NOT NULL,
			indexed_at INTEGER
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

// GetConfig returns "" for unknown keys.
func (s *SQLiteStore) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Conversations

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	query := `INSERT INTO conversations (id, title, status, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, c.ID, c.Title, c.Status, unixNano(c.CreatedAt), unixNano(c.UpdatedAt), string(metaJSON))
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, title, status, created_at, updated_at, metadata FROM conversations WHERE id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	return c, err
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	c.UpdatedAt = time.Now()
	query := `UPDATE conversations SET title = ?, status = ?, updated_at = ?, metadata = ? WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query, c.Title, c.Status, unixNano(c.UpdatedAt), string(metaJSON), c.ID)
	return err
}

// ListConversations returns the most recently updated conversations first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, title, status, created_at, updated_at, metadata FROM conversations ORDER BY updated_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	var metaJSON string
	if err := row.Scan(&c.ID, &c.Title, &c.Status, &created, &updated, &metaJSON); err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &c, nil
}

// AppendMessages stores msgs in one transaction. Seq is assigned by the
// store, continuing after the last persisted message of each conversation.
func (s *SQLiteStore) AppendMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	next := make(map[string]int)
	for _, m := range msgs {
		seq, ok := next[m.ConversationID]
		if !ok {
			var last sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, m.ConversationID).Scan(&last); err != nil {
				return err
			}
			if last.Valid {
				seq = int(last.Int64) + 1
			}
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, seq, m.Role, m.Content, m.ToolCalls, m.ToolCallID, unixNano(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		next[m.ConversationID] = seq + 1
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `SELECT conversation_id, seq, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnixNano(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Artifacts

func (s *SQLiteStore) SaveArtifact(ctx context.Context, a *Artifact, content []byte) error {
	fullPath := filepath.Join(s.artifactDir, a.Path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write artifact content: %w", err)
	}

	query := `INSERT INTO artifacts (id, conversation_id, path, type, created_at, digest) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.ConversationID, a.Path, a.Type, unixNano(a.CreatedAt), a.Digest)
	return err
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, []byte, error) {
	query := `SELECT id, conversation_id, path, type, created_at, digest FROM artifacts WHERE id = ?`
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("artifact not found: %s", id)
		}
		return nil, nil, err
	}

	content, err := os.ReadFile(filepath.Join(s.artifactDir, a.Path)) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact content: %w", err)
	}
	return a, content, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, conversationID string) ([]*Artifact, error) {
	query := `SELECT id, conversation_id, path, type, created_at, digest FROM artifacts WHERE conversation_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	var created sql.NullInt64
	var typ, digest sql.NullString
	if err := row.Scan(&a.ID, &a.ConversationID, &a.Path, &typ, &created, &digest); err != nil {
		return nil, err
	}
	a.Type, a.Digest = typ.String, digest.String
	a.CreatedAt = fromUnixNano(created.Int64)
	return &a, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
