// Package storage keeps broker-side profiles and confirmed messages in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

var ErrInvalidMessage = errors.New("storage: invalid message")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	content    TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_id, to_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, created_at);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertUser creates or replaces the profile p.ID.
func (s *Store) UpsertUser(ctx context.Context, p protocol.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("storage: empty user id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, image) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, image = excluded.image`,
		p.ID, p.Name, p.Image)
	return err
}

// GetUser returns protocol.ErrNotFound for an unknown id.
func (s *Store) GetUser(ctx context.Context, id string) (protocol.Profile, error) {
	var p protocol.Profile
	err := s.db.QueryRowContext(ctx, `SELECT id, name, image FROM users WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Profile{}, fmt.Errorf("user %s: %w", id, protocol.ErrNotFound)
	}
	return p, err
}

// SaveMessage stores m unless its id is already known, and reports whether a
// row was written.
func (s *Store) SaveMessage(ctx context.Context, m protocol.Message) (bool, error) {
	if m.ID == "" || m.FromID == "" || m.ToID == "" {
		return false, ErrInvalidMessage
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, from_id, to_id, content, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromID, m.ToID, m.Content, m.State, m.CreatedAt.UTC().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSeen moves the listed messages sent by senderID to readerID to SEEN and
// returns the number of rows changed.
func (s *Store) MarkSeen(ctx context.Context, readerID, senderID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+3)
	args = append(args, protocol.StateSeen, readerID, senderID)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `UPDATE messages SET state = ? WHERE to_id = ? AND from_id = ? AND id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Messages returns up to limit messages between userID and partnerID, oldest
// first. limit <= 0 means all of them.
func (s *Store) Messages(ctx context.Context, userID, partnerID string, limit int) ([]protocol.Message, error) {
	q := `SELECT id, from_id, to_id, content, state, created_at FROM (
		SELECT rowid AS seq, * FROM messages
		WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
		ORDER BY created_at DESC, seq DESC`
	args := []any{userID, partnerID, partnerID, userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	q += `) ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []protocol.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations returns every conversation of userID keyed by partner id. A
// partner without a stored profile gets one holding only its id.
func (s *Store) Conversations(ctx context.Context, userID string) (map[string]protocol.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.from_id, m.to_id, m.content, m.state, m.created_at,
		       COALESCE(u.name, ''), COALESCE(u.image, '')
		FROM messages m
		LEFT JOIN users u ON u.id = CASE WHEN m.from_id = ? THEN m.to_id ELSE m.from_id END
		WHERE m.from_id = ? OR m.to_id = ?
		ORDER BY m.created_at, m.rowid`, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]protocol.History{}
	for rows.Next() {
		var (
			m           protocol.Message
			nanos       int64
			name, image string
		)
		if err := rows.Scan(&m.ID, &m.FromID, &m.ToID, &m.Content, &m.State, &nanos, &name, &image); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, nanos).UTC()
		partner := m.Partner(userID)
		h := out[partner]
		h.User = protocol.Profile{ID: partner, Name: name, Image: image}
		h.Messages = append(h.Messages, m)
		out[partner] = h
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (protocol.Message, error) {
	var (
		m     protocol.Message
		nanos int64
	)
	if err := row.Scan(&m.ID, &m.FromID, &m.ToID, &m.Content, &m.State, &nanos); err != nil {
		return protocol.Message{}, err
	}
	m.CreatedAt = time.Unix(0, nanos).UTC()
	return m, nil
}
