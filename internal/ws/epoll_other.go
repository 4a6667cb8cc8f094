//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. A monitor
// goroutine peeks at each connection and reports it ready; it waits for
// Resume before peeking again so it never reads concurrently with a worker.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	gone   chan struct{}
}

// peekConn reads through a bufio.Reader so the monitor can Peek without
// consuming the bytes the server is about to read.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a connection that Add can monitor. The server must use the
// returned value for all reads.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{resume: make(chan struct{}, 1), gone: make(chan struct{})}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	for {
		// Blocks until data is available or the connection errors. A read
		// error is reported as readiness so the server's read path sees it.
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame on conn.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w := e.conns[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.gone)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is not used by the fallback.
func socketFD(net.Conn) int {
	return -1
}
