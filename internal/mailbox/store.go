// Package mailbox persists messages delivered to the local node in SQLite.
package mailbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a message ID is not in the mailbox.
var ErrNotFound = errors.New("mailbox: message not found")

// Message is one delivered message.
type Message struct {
	ID         int64     `json:"id"`
	From       string    `json:"from"`
	FromID     string    `json:"from_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store manages delivered messages stored on this node using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path.
// Pass ":memory:" for an in-memory database (useful for tests).
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mailbox: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL,
		received_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Put stores a message and returns it with its assigned ID.
func (s *Store) Put(from, fromID, text string) (Message, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO messages (sender, sender_id, body, received_at) VALUES (?, ?, ?, ?)`,
		from, fromID, text, now.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, From: from, FromID: fromID, Text: text, ReceivedAt: time.UnixMilli(now.UnixMilli())}, nil
}

// List returns up to limit messages, newest first. A limit <= 0 returns all.
func (s *Store) List(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, sender, sender_id, body, received_at FROM messages ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var at int64
		if err := rows.Scan(&m.ID, &m.From, &m.FromID, &m.Text, &at); err != nil {
			return nil, err
		}
		m.ReceivedAt = time.UnixMilli(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a message by ID.
func (s *Store) Delete(id int64) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// PruneOlderThan removes messages received more than age ago and returns
// the count removed.
func (s *Store) PruneOlderThan(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM messages WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	return s.db.Close()
}
