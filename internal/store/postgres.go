package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/chat"
)

// PostgresStore stores messages in a table partitioned by day.
type PostgresStore struct {
	db *sql.DB

	mu         sync.Mutex
	partitions map[string]bool // "2006-01-02" days known to exist
}

// OpenPostgres connects with lib/pq and optionally runs migrations.
func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*PostgresStore, error) {
	if migrate {
		if err := Migrate(DriverPostgres, dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, partitions: make(map[string]bool)}
}

// InsertMessage persists one message.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg chat.Message) error {
	return s.InsertMessages(ctx, []chat.Message{msg})
}

// InsertMessages ensures the daily partitions exist, then inserts msgs in one
// transaction. Duplicates of (id, created_at) are ignored.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if err := s.ensurePartition(ctx, m.CreatedAt); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, sender_id, nickname, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id, created_at) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, m.SenderID, m.Nickname, m.Content, m.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("store: insert message %s: %w", m.ID, describe(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ensurePartition creates the partition covering t's UTC day once per
// process. A failure is not cached.
func (s *PostgresStore) ensurePartition(ctx context.Context, t time.Time) error {
	day := t.UTC().Format("2006-01-02")

	s.mu.Lock()
	known := s.partitions[day]
	s.mu.Unlock()
	if known {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `SELECT create_time_partition('messages', $1::date)`, day); err != nil {
		return fmt.Errorf("store: create partition %s: %w", day, describe(err))
	}
	log.Printf("[store] ensured messages partition for %s", day)

	s.mu.Lock()
	s.partitions[day] = true
	s.mu.Unlock()
	return nil
}

// FetchRecent returns up to limit messages, newest first.
func (s *PostgresStore) FetchRecent(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_id, m.nickname, m.content, m.created_at, COALESCE(u.username, '')
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		ORDER BY m.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch recent: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Nickname, &m.Content, &m.CreatedAt, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch recent: %w", err)
	}
	return out, nil
}

// GetUser returns the user record, or nil if id is not a known user. IDs that
// are not UUIDs cannot exist and are reported as unknown.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, nickname FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Nickname)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// describe adds the Postgres error code to driver errors for the logs.
func describe(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}
