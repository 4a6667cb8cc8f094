// Package messaging connects relay instances through a publish/subscribe bus
// so a message accepted on one node reaches sessions on every node. NATS and
// RabbitMQ (fanout exchange) implementations are provided.
package messaging

import (
	"context"
	"errors"
)

// DefaultSubject is the subject (NATS) or exchange (RabbitMQ) carrying
// broadcast events.
const DefaultSubject = "relay.broadcast"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("messaging: client closed")

// Bus is a fire-and-forget broadcast channel between relay instances.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe delivers payloads published on subject to the returned
	// channel. The channel is closed when ctx is cancelled or the
	// subscription is lost.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	Close() error
}

var (
	_ Bus = (*NATSClient)(nil)
	_ Bus = (*AMQPClient)(nil)
)
