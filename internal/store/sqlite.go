// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Pure-Go modernc.org/sqlite by default, mattn/go-sqlite3 selectable via driver name

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverCGo is the cgo driver registered by mattn/go-sqlite3.
	DriverCGo = "sqlite3"

	// appendAttempts bounds retries when another writer takes the computed id.
	appendAttempts = 3

	// timeFormat is fixed width so stored timestamps sort lexically.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// appendMu serializes message appends so ids stay monotonic per conversation
	appendMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path using the default driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store with the named driver ("sqlite" or "sqlite3").
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas are per connection and every pooled connection to :memory:
	// would get its own empty database, so keep a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			party_a    TEXT NOT NULL,
			party_b    TEXT NOT NULL,
			pair_key   TEXT NOT NULL,
			mode       TEXT NOT NULL DEFAULT 'human',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (mode IN ('human', 'bot')),
			CHECK (party_a <> party_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(pair_key);
		CREATE INDEX IF NOT EXISTS idx_conversations_party_a ON conversations(party_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_party_b ON conversations(party_b);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			id              INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			body            TEXT NOT NULL,
			sent_at         TEXT NOT NULL,
			origin          TEXT NOT NULL,
			client_id       TEXT,

			PRIMARY KEY (conversation_id, id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (origin IN ('operator', 'counterpart', 'assistant'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if isForeignKeyViolation(err) {
		return false
	}
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isForeignKeyViolation reports a message referencing a missing conversation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CreateConversation inserts a new conversation.
// If a conversation for the same unordered pair already exists,
// it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, party_a, party_b, pair_key, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.PartyA,
		conv.PartyB,
		conv.PairKey(),
		string(conv.Mode),
		conv.CreatedAt.UTC().Format(timeFormat),
		conv.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "party_a", conv.PartyA, "party_b", conv.PartyB)
	return nil
}

const conversationColumns = `id, party_a, party_b, mode, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var mode, createdAtStr, updatedAtStr string

	if err := row.Scan(&conv.ID, &conv.PartyA, &conv.PartyB, &mode, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	conv.Mode = Mode(mode)

	var err error
	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByPair retrieves the conversation between two parties in either order.
// This uses the idx_conversations_pair index.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, partyA, partyB string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, PairKey(partyA, partyB))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return conv, nil
}

// UpdateConversationMode sets the response mode of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationMode(ctx context.Context, id string, mode Mode, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET mode = ?, updated_at = ? WHERE id = ?`,
		string(mode), updatedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("updating conversation mode: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation mode", "id", id, "mode", mode)
	return nil
}

// ListConversationsByParty returns the conversations a party takes part in,
// most recently active first.
func (s *SQLiteStore) ListConversationsByParty(ctx context.Context, party string, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE party_a = ? OR party_b = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, party, party, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// AppendMessage stores a message, assigning the next id for its conversation.
// The conversation's updated_at is bumped in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		stored, err := s.appendOnce(ctx, msg)
		if err == nil {
			return stored, nil
		}
		if !isConstraintViolation(err) {
			return nil, err
		}
		// Another process appended with the same id; recompute and retry
		lastErr = err
		s.logger.Debug("message id conflict, retrying",
			"conversation_id", msg.ConversationID,
			"attempt", attempt+1)
	}
	return nil, fmt.Errorf("appending message after %d attempts: %w", appendAttempts, lastErr)
}

func (s *SQLiteStore) appendOnce(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&lastID); err != nil {
		return nil, fmt.Errorf("reading last message id: %w", err)
	}

	stored := msg.Clone()
	stored.ID = nextMessageID(lastID, time.Now())
	stored.SentAt = time.UnixMilli(stored.ID).UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, sender_id, receiver_id, body, sent_at, origin, client_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ConversationID,
		stored.ID,
		stored.SenderID,
		stored.ReceiverID,
		stored.Body,
		stored.SentAt.Format(timeFormat),
		string(stored.Origin),
		nullString(stored.ClientID),
	); err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		if isConstraintViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		stored.SentAt.Format(timeFormat), stored.ConversationID); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", stored.ID, "conversation_id", stored.ConversationID, "origin", stored.Origin)
	return stored, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	const columns = `conversation_id, id, sender_id, receiver_id, body, sent_at, origin, client_id`

	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT ` + columns + ` FROM (
				SELECT ` + columns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY id DESC
				LIMIT ?
			)
			ORDER BY id ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + columns + ` FROM messages WHERE conversation_id = ? ORDER BY id ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sentAtStr, origin string
		var clientID sql.NullString

		if err := rows.Scan(&msg.ConversationID, &msg.ID, &msg.SenderID, &msg.ReceiverID,
			&msg.Body, &sentAtStr, &origin, &clientID); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message sent_at: %w", err)
		}
		msg.Origin = Origin(origin)
		if clientID.Valid {
			msg.ClientID = clientID.String
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
