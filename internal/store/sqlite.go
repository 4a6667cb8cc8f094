package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper/relay/internal/chat"
)

// SQLiteStore is a single-file store for single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database file at path and optionally runs migrations.
func OpenSQLite(ctx context.Context, path string, migrate bool) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if migrate {
		if err := Migrate(DriverSQLite, dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// InsertMessage persists one message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg chat.Message) error {
	return s.InsertMessages(ctx, []chat.Message{msg})
}

// InsertMessages inserts msgs in one transaction, ignoring duplicates.
func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, sender_id, nickname, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SenderID, m.Nickname, m.Content, toMillis(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// FetchRecent returns up to limit messages, newest first.
func (s *SQLiteStore) FetchRecent(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_id, m.nickname, m.content, m.created_at, COALESCE(u.username, '')
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		ORDER BY m.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch recent: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m  chat.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Nickname, &m.Content, &ts, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = fromMillis(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch recent: %w", err)
	}
	return out, nil
}

// GetUser returns the user record, or nil if there is none.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, nickname FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Nickname)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// CreateUser adds a user record. Registration normally happens elsewhere;
// this seeds single-node deployments.
func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, nickname, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.Nickname, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
