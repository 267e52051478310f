package dht

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// testTransport creates a Transport that is not yet listening, so handlers
// can be registered first.
func testTransport(t *testing.T, framesPerConn int) *Transport {
	t.Helper()
	return NewTransport(zaptest.NewLogger(t), framesPerConn)
}

// listen binds tr to a random loopback port and closes it when the test
// finishes.
func listen(t *testing.T, tr *Transport) {
	t.Helper()
	if err := tr.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("a"), []byte(`{"id":"x"}`), bytes.Repeat([]byte{7}, 70000)} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range []int{1, 10, 70000} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != want {
			t.Fatalf("frame length = %d, want %d", len(got), want)
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("err at end = %v, want io.EOF", err)
	}
}

func TestFrameLimits(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("empty frame err = %v, want ErrFrameSize", err)
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("oversized frame err = %v, want ErrFrameSize", err)
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(oversized)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("oversized header err = %v, want ErrFrameSize", err)
	}

	truncated, _ := EncodeFrame([]byte("hello"))
	if _, err := ReadFrame(bytes.NewReader(truncated[:6])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated frame err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestTransportSendReceive(t *testing.T) {
	a := testTransport(t, 64)
	b := testTransport(t, 64)

	var (
		mu       sync.Mutex
		received [][]byte
	)
	b.OnFrame(func(data []byte, remote net.Addr) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	})
	listen(t, a)
	listen(t, b)

	for _, s := range []string{"one", "two", "three"} {
		if err := a.Send(context.Background(), b.Addr(), []byte(s)); err != nil {
			t.Fatalf("send %s: %v", s, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("received %d frames, want 3", len(received))
	}
	seen := map[string]bool{}
	for _, r := range received {
		seen[string(r)] = true
	}
	for _, s := range []string{"one", "two", "three"} {
		if !seen[s] {
			t.Fatalf("frame %q not received", s)
		}
	}
}

func TestTransportRateLimit(t *testing.T) {
	tr := testTransport(t, 2)
	var (
		mu    sync.Mutex
		count int
	)
	tr.OnFrame(func([]byte, net.Addr) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	listen(t, tr)

	// Several frames on one connection; only the first two pass.
	conn, err := net.Dial("tcp", tr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := WriteFrame(conn, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	conn.Close()
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("handled %d frames, want 2", count)
	}
}

func TestTransportSendUnreachable(t *testing.T) {
	tr := testTransport(t, 64)
	listen(t, tr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if err := tr.Send(context.Background(), addr, []byte("x")); err == nil {
		t.Fatal("expected error sending to a closed port")
	}
}

func TestTransportClose(t *testing.T) {
	tr := testTransport(t, 64)
	if err := tr.Listen("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	addr := tr.Addr()

	// Hold an inbound connection open; Close must not wait on it forever.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if err := tr.Send(context.Background(), addr, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close err = %v, want ErrClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
