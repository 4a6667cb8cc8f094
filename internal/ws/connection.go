package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/session"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames. It
// is the session.Transport of the session it carries.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // user the connection was opened for
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 where epoll is not used
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	lastSeen     atomic.Int64
	session      atomic.Pointer[session.Session]
	closeOnce    sync.Once
	closeErr     error
	onClose      func(*Connection) // set by the server before the connection is shared
}

var _ session.Transport = (*Connection)(nil)

// Send writes a WebSocket text frame, bounded by the write timeout. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// CloseWithStatus sends a close frame carrying code and reason, then closes
// the connection.
func (c *Connection) CloseWithStatus(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying network connection and, on the first call,
// lets the server drop it from its tables. Later calls return the result of
// the first one.
func (c *Connection) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeErr = c.Conn.Close()
	})
	if first && c.onClose != nil {
		c.onClose(c)
	}
	return c.closeErr
}

// Session returns the registry session bound to this connection, or nil
// before registration.
func (c *Connection) Session() *session.Session {
	return c.session.Load()
}

// LastSeen is the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// ConnectionManager is a thread-safe registry of the open connections on this
// server, indexed by connection ID and by net.Conn for O(1) lookups from both
// the API and the readiness loop.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
