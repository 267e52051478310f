package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/whisper/internal/ratelimit"
)

const dialTimeout = 3 * time.Second

// Transport moves length-prefixed frames over TCP. Every outbound frame uses
// a fresh connection that is closed once written; inbound connections are
// read until EOF and each frame is handed to the registered handler.
type Transport struct {
	log           *zap.Logger
	framesPerConn int

	mu       sync.Mutex
	handler  func(data []byte, remote net.Addr)
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewTransport creates a transport. framesPerConn caps the frames accepted
// per second on a single inbound connection.
func NewTransport(log *zap.Logger, framesPerConn int) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		log:           log,
		framesPerConn: framesPerConn,
		conns:         make(map[net.Conn]struct{}),
	}
}

// OnFrame registers the callback for inbound frames. It must be set before
// Listen.
func (t *Transport) OnFrame(handler func(data []byte, remote net.Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Listen binds ip:port. Port 0 picks a free port; see Port.
func (t *Transport) Listen(ip string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.wg.Add(1)
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

// readLoop reads frames from one inbound connection until EOF or error.
func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	limiter := ratelimit.New(t.framesPerConn, time.Second)
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
		if n := limiter.Dropped(); n > 0 {
			t.log.Warn("frame rate exceeded", zap.Stringer("remote", conn.RemoteAddr()), zap.Int("dropped", n))
		}
	}()

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Warn("read frame", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			continue
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(data, conn.RemoteAddr())
		}
	}
}

// Send dials addr, writes one frame and closes the connection.
func (t *Transport) Send(ctx context.Context, addr string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: dial %s: %w", ErrUnreachable, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := WriteFrame(conn, data); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// Addr returns the listening address, or "" before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 before Listen.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	if a, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close stops the listener, closes inbound connections and waits for their
// goroutines to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}
