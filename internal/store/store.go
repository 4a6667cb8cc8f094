// Package store is the durable message store. It persists broadcast messages
// and resolves user records, on PostgreSQL (daily partitions) or SQLite.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/relay/internal/chat"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnknownDriver is returned for a driver name other than the supported ones.
var ErrUnknownDriver = errors.New("store: unknown driver")

// User is the subset of a user record the relay needs.
type User struct {
	ID       string
	Username string
	Nickname string
}

// Store is implemented by the Postgres and SQLite stores.
type Store interface {
	// InsertMessage persists one message. Re-inserting the same message is a
	// no-op.
	InsertMessage(ctx context.Context, msg chat.Message) error
	// InsertMessages persists msgs in one transaction with the same
	// idempotency as InsertMessage.
	InsertMessages(ctx context.Context, msgs []chat.Message) error
	// FetchRecent returns up to limit messages, newest first, with the
	// sender's username filled in.
	FetchRecent(ctx context.Context, limit int) ([]chat.Message, error)
	// GetUser returns the user with the given ID, or nil if there is none.
	GetUser(ctx context.Context, id string) (*User, error)
	Close() error
}

// Open connects to the store selected by driver and, when migrate is set,
// applies the embedded schema migrations.
func Open(ctx context.Context, driver, dsn string, migrate bool) (Store, error) {
	switch driver {
	case DriverPostgres:
		s, err := OpenPostgres(ctx, dsn, migrate)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, dsn, migrate)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
