// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides bot and forward-mapping persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: writers queue in the pool instead of contending for the file lock
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		q:      db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// dsn applies the pragmas to every connection the pool opens, and makes transactions
// take the write lock when they begin.
func dsn(path string) string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS forwarding_bots (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			secret TEXT NOT NULL UNIQUE,
			target_chat_id INTEGER NOT NULL,
			owner_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_forwarding_bots_owner
			ON forwarding_bots(owner_id);

		CREATE TABLE IF NOT EXISTS forwarding_messages (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			source_chat_id INTEGER NOT NULL,
			source_message_id INTEGER NOT NULL,
			forward_message_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (bot_id) REFERENCES forwarding_bots(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_forwarding_messages_forward
			ON forwarding_messages(bot_id, forward_message_id);

		CREATE INDEX IF NOT EXISTS idx_forwarding_messages_source
			ON forwarding_messages(bot_id, source_chat_id, source_message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// WithTx runs fn inside a transaction. Calls made on an already-transactional view
// join the open transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	view := &SQLiteStore{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateBot inserts a bot. ID and timestamps are filled in when empty.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	if bot.UpdatedAt.IsZero() {
		bot.UpdatedAt = now
	}

	query := `
		INSERT INTO forwarding_bots (id, token, secret, target_chat_id, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		bot.ID,
		bot.Token,
		bot.Secret,
		bot.TargetChatID,
		bot.OwnerID,
		bot.CreatedAt.UTC().Format(time.RFC3339),
		bot.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBot
		}
		return fmt.Errorf("inserting bot: %w", err)
	}

	s.logger.Debug("created forwarding bot", "id", bot.ID, "owner_id", bot.OwnerID)
	return nil
}

// GetBot retrieves a bot by ID.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	return s.getBot(ctx, "id", id)
}

// GetBotByToken retrieves a bot by its token.
func (s *SQLiteStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	return s.getBot(ctx, "token", token)
}

func (s *SQLiteStore) getBot(ctx context.Context, column, value string) (*Bot, error) {
	query := `
		SELECT id, token, secret, target_chat_id, owner_id, created_at, updated_at
		FROM forwarding_bots
		WHERE ` + column + ` = ?
	`

	bot, err := scanBot(s.q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bot: %w", err)
	}
	return bot, nil
}

// DeleteBot removes a bot together with its forward mappings.
func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteStore).q
		if _, err := q.ExecContext(ctx, `DELETE FROM forwarding_messages WHERE bot_id = ?`, id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		result, err := q.ExecContext(ctx, `DELETE FROM forwarding_bots WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting bot: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListBotsByOwner returns all bots created by ownerID, oldest first.
func (s *SQLiteStore) ListBotsByOwner(ctx context.Context, ownerID int64) ([]*Bot, error) {
	query := `
		SELECT id, token, secret, target_chat_id, owner_id, created_at, updated_at
		FROM forwarding_bots
		WHERE owner_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot: %w", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bots: %w", err)
	}
	return bots, nil
}

// RecordMessage inserts a forward mapping. ID and timestamps are filled in when empty.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}

	query := `
		INSERT INTO forwarding_messages (id, bot_id, source_chat_id, source_message_id, forward_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		msg.ID,
		msg.BotID,
		msg.SourceChatID,
		msg.SourceMessageID,
		msg.ForwardMessageID,
		msg.CreatedAt.UTC().Format(time.RFC3339),
		msg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessageByForwardID looks up the mapping for a message the bot sent into its target chat.
func (s *SQLiteStore) GetMessageByForwardID(ctx context.Context, botID string, forwardMessageID int64) (*Message, error) {
	query := `
		SELECT id, bot_id, source_chat_id, source_message_id, forward_message_id, created_at, updated_at
		FROM forwarding_messages
		WHERE bot_id = ? AND forward_message_id = ?
	`

	var msg Message
	var createdAtStr, updatedAtStr string

	err := s.q.QueryRowContext(ctx, query, botID, forwardMessageID).Scan(
		&msg.ID,
		&msg.BotID,
		&msg.SourceChatID,
		&msg.SourceMessageID,
		&msg.ForwardMessageID,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var bot Bot
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&bot.ID,
		&bot.Token,
		&bot.Secret,
		&bot.TargetChatID,
		&bot.OwnerID,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if bot.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if bot.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &bot, nil
}

// isUniqueViolation reports a UNIQUE constraint violation. NOT NULL and foreign
// key failures are not duplicates.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
