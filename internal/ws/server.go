// Package ws handles WebSocket connection management: upgrading HTTP
// connections for known users, binding them to registry sessions, reading
// frames through epoll and a bounded worker pool, and dispatching incoming
// messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/store"
)

// StatusUnknownUser is the close code sent when the path names no known user.
const StatusUnknownUser ws.StatusCode = 4000

// maxFrameSize caps a single client data frame.
const maxFrameSize = 64 << 10

// UserLookup resolves the user a connection is opened for.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config   ServerConfig
	epoll    *Epoll
	conns    *ConnectionManager
	registry *session.Registry
	users    UserLookup
	limiter  *ratelimit.Limiter // nil disables connect rate limiting

	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection, left bool)
	health       map[string]func() interface{}

	mux        *http.ServeMux
	httpServer *http.Server
	baseCtx    context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received. limiter may
// be nil.
func NewServer(config ServerConfig, registry *session.Registry, users UserLookup, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		registry:   registry,
		users:      users,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		baseCtx:    ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		health:     make(map[string]func() interface{}),
	}
	s.mux.HandleFunc("GET /ws/{user_id}", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler, e.g. /metrics.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// AddHealthDetail adds fn's result under name in the /health body. It must
// be called before Start.
func (s *Server) AddHealthDetail(name string, fn func() interface{}) {
	s.health[name] = fn
}

// SetOnMessage replaces the frame callback. It must be called before Start.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnConnect registers a callback invoked once a connection is bound to a
// registry session and ready to read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, close frame, pruning or shutdown). left reports whether the
// user no longer has any session on this node, as opposed to having been
// superseded by a newer connection.
func (s *Server) SetOnDisconnect(fn func(conn *Connection, left bool)) {
	s.onDisconnect = fn
}

// Context is cancelled when the server shuts down.
func (s *Server) Context() context.Context {
	return s.baseCtx
}

// init creates the epoll instance and starts the event loop.
func (s *Server) init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	go s.startEventLoop()
	return nil
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade admits a connection for the user named in the path. The
// connect rate limit is checked before the upgrade; the user lookup after it,
// so an unknown user gets a WebSocket close frame the client can act on.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if d, _ := s.limiter.Hit(r.Context(), ip, ratelimit.RuleConnect); !d.Allowed {
			log.Printf("ws: connect rate limited ip=%s", ip)
			tooManyRequests(w, d, "too many connection attempts")
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	netConn := raw
	fd := socketFD(raw)
	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Fd:           fd,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.touch(c.CreatedAt)

	ctx, cancel := context.WithTimeout(s.baseCtx, 3*time.Second)
	defer cancel()

	user, err := s.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		c.Conn = netConn
		if err != nil {
			log.Printf("ws: user lookup failed user=%s: %v", userID, err)
			c.CloseWithStatus(ws.StatusInternalServerError, "user lookup failed")
			return
		}
		log.Printf("ws: rejected unknown user=%s", userID)
		c.CloseWithStatus(StatusUnknownUser, "unknown user")
		return
	}

	c.Conn = s.epoll.Wrap(netConn)
	// Whoever closes the connection (supersede, failed fan-out, heartbeat)
	// also removes it here.
	c.onClose = s.RemoveConnection
	s.conns.Add(c)

	sess := s.registry.Register(ctx, userID, user.Username, user.Nickname, c)
	c.session.Store(sess)

	if err := s.epoll.Add(c.Conn); err != nil {
		log.Printf("ws: epoll add failed for connection %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection id=%s user=%s fd=%d (total=%d)", c.ID, userID, fd, s.conns.Count())

	if s.onConnect != nil {
		s.onConnect(c)
	}
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON: connection
// and session counts, uptime, and any details added with AddHealthDetail.
// It is used by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := make(map[string]interface{}, len(s.health))
	for name, fn := range s.health {
		details[name] = fn()
	}

	resp := struct {
		Status      string                 `json:"status"`
		Connections int                    `json:"connections"`
		Sessions    int                    `json:"sessions"`
		Uptime      string                 `json:"uptime"`
		Details     map[string]interface{} `json:"details,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Details:     details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > maxFrameSize {
		log.Printf("ws: frame too large (%d bytes) id=%s", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection stops reading from c, closes it and unregisters its
// session. It is safe to call more than once and from several goroutines;
// only the first call has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	left := false
	if sess := c.Session(); sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		s.registry.Unregister(ctx, sess)
		cancel()
		left = s.registry.Get(sess.UserID) == nil
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c, left)
	}

	log.Printf("ws: connection closed id=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(s.shutdown)
	return nil
}

func (s *Server) shutdown() {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
		if sess := c.Session(); sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.registry.Unregister(ctx, sess)
			cancel()
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.cancel()

	log.Printf("ws: server stopped, all connections closed")
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
