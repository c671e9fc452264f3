package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists history in a SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	logger  zerolog.Logger
	clock   *Clock
	writeMu sync.Mutex // keeps CreatedAt and seq assignment in the same order
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps the PRAGMAs below in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var last int64
	if err := db.QueryRow("SELECT COALESCE(MAX(created_at), 0) FROM messages").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last timestamp: %w", err)
	}
	s.clock = NewClock(fromUnixNano(last))

	s.logger.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			pair_key TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages(pair_key, created_at, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

const messageColumns = "seq, id, sender, receiver, content, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg              Message
		created, updated int64
	)
	if err := row.Scan(&msg.Seq, &msg.ID, &msg.Sender, &msg.Receiver, &msg.Content, &created, &updated); err != nil {
		return Message{}, err
	}
	msg.CreatedAt = fromUnixNano(created)
	msg.UpdatedAt = fromUnixNano(updated)
	return msg, nil
}

// Append inserts a new message.
func (s *SQLiteStore) Append(ctx context.Context, sender, receiver, content string) (Message, error) {
	if err := validateAppend(sender, receiver, content); err != nil {
		return Message{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Next()
	msg := Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, pair_key, sender, receiver, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, PairKey(sender, receiver), sender, receiver, content, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return Message{}, storeErr("append", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, storeErr("append", err)
	}
	msg.Seq = uint64(seq)
	return msg, nil
}

// ListByPair returns the pair's history in ascending order.
func (s *SQLiteStore) ListByPair(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	key := PairKey(userA, userB)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages WHERE pair_key = ?
				ORDER BY created_at DESC, seq DESC LIMIT ?
			) ORDER BY created_at ASC, seq ASC`, key, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE pair_key = ?
			 ORDER BY created_at ASC, seq ASC`, key)
	}
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

// UpdateContent replaces the content of an existing message.
func (s *SQLiteStore) UpdateContent(ctx context.Context, id, newContent string) (Message, error) {
	if err := validateUpdate(id, newContent); err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storeErr("update", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE messages SET content = ?, updated_at = ? WHERE id = ?",
		newContent, s.clock.Next().UnixNano(), id)
	if err != nil {
		return Message{}, storeErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, storeErr("update", err)
	}
	if n == 0 {
		return Message{}, &NotFoundError{ID: id}
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return Message{}, storeErr("update", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, storeErr("update", err)
	}
	return msg, nil
}

// Remove deletes a message permanently.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if blank(id) {
		return missing("id")
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return storeErr("remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("remove", err)
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
