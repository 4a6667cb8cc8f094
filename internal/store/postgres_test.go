package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

func testPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func seedUser(t *testing.T, db *sql.DB) string {
	t.Helper()
	userID := uuid.NewString()
	if _, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, username, nickname) VALUES ($1, $2, $3)`,
		userID, "test_"+userID[:8], "T"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

// openTestPostgres requires RELAY_TEST_POSTGRES_DSN to point at a scratch
// database.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := testPostgresDSN(t)
	s, err := OpenPostgres(context.Background(), dsn, true)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_InsertAcrossDays(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	userID := seedUser(t, s.db)

	day := time.Date(2031, 1, 1, 23, 59, 0, 0, time.UTC)
	msgs := []chat.Message{
		chat.NewMessage(userID, "", "T", "late", day),
		chat.NewMessage(userID, "", "T", "early next day", day.Add(2*time.Minute)),
	}
	if err := s.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	// Second insert exercises the partition cache and the conflict clause.
	if err := s.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if len(s.partitions) != 2 {
		t.Errorf("expected 2 cached partitions, got %d", len(s.partitions))
	}

	var n int
	s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE sender_id = $1`, userID).Scan(&n)
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}

	u, err := s.GetUser(ctx, userID)
	if err != nil || u == nil || u.Nickname != "T" {
		t.Errorf("GetUser = %+v, %v", u, err)
	}
	if u, err := s.GetUser(ctx, "not-a-uuid"); u != nil || err != nil {
		t.Errorf("expected unknown for a malformed id, got %+v, %v", u, err)
	}
}

// A session TimeZone ahead of UTC must not shift the daily partition bounds:
// 20:00Z still belongs to the partition named for its UTC day.
func TestPostgres_PartitionBoundsIgnoreSessionTimeZone(t *testing.T) {
	dsn := testPostgresDSN(t)
	if err := Migrate(DriverPostgres, dsn); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// One connection so the SET applies to every statement below.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `SET TIME ZONE 'Asia/Seoul'`); err != nil {
		t.Fatalf("set time zone: %v", err)
	}
	s := NewPostgresStore(db)
	userID := seedUser(t, db)

	at := time.Date(2032, 3, 4, 20, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		chat.NewMessage(userID, "", "T", "evening utc", at),
		chat.NewMessage(userID, "", "T", "morning utc", at.Add(-19*time.Hour)),
	}
	if err := s.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}

	var partition string
	if err := db.QueryRowContext(ctx,
		`SELECT tableoid::regclass::text FROM messages WHERE id = $1`, msgs[0].ID).Scan(&partition); err != nil {
		t.Fatalf("lookup partition: %v", err)
	}
	if partition != "messages_2032_03_04" {
		t.Errorf("message stored in %s, want messages_2032_03_04", partition)
	}
}
