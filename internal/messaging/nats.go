package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// subscriptionBuffer bounds how many undelivered payloads a subscription
// holds before NATS reports it as a slow consumer.
const subscriptionBuffer = 1024

// NATSClient wraps the NATS connection for relay broadcast traffic.
type NATSClient struct {
	conn *nats.Conn

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed chan struct{}
	once   sync.Once
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	c := &NATSClient{
		subs:   make(map[*nats.Subscription]struct{}),
		closed: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
			c.markClosed()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] subscription %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe forwards every payload on subject to the returned channel until
// ctx is cancelled or the connection is closed for good. Reconnects are
// handled by the NATS client and do not end the subscription.
func (c *NATSClient) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	in := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := c.conn.ChanSubscribe(subject, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer c.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case msg := <-in:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				case <-c.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	var err error
	if !c.conn.IsClosed() {
		if err = c.conn.Drain(); err != nil {
			log.Printf("[nats] connection drain: %v", err)
		}
	}
	c.markClosed()

	log.Printf("[nats] client closed")
	return err
}

func (c *NATSClient) unsubscribe(sub *nats.Subscription) {
	c.mu.Lock()
	_, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()

	if ok && sub.IsValid() {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", sub.Subject, err)
		}
	}
}

func (c *NATSClient) markClosed() {
	c.once.Do(func() { close(c.closed) })
}

func (c *NATSClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
