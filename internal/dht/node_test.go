package dht

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/whisper/internal/crypto"
)

// testKeyBits keeps key generation cheap in tests. OAEP-SHA256 of the 48
// byte session parameters still fits in a 1024-bit modulus.
const testKeyBits = 1024

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := crypto.GenerateKeyPair(testKeyBits)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// testConfig returns a node config suited to loopback tests. Handler
// goroutines may still log while a test is being torn down, so only
// warnings reach the test log.
func testConfig(t *testing.T, username string) Config {
	t.Helper()
	return Config{
		Username:        username,
		IP:              "127.0.0.1",
		PrivateKey:      testKey(t),
		ResponseTimeout: 2 * time.Second,
		PingTimeout:     500 * time.Millisecond,
		Logger:          zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
	}
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node %s: %v", cfg.Username, err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start node %s: %v", cfg.Username, err)
	}
	t.Cleanup(func() { node.Close() })
	return node
}

// testNodes creates n nodes named "0" .. "n-1", each listening on a random
// port. All nodes are closed when the test finishes.
func testNodes(t *testing.T, n int) []*Node {
	t.Helper()
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = startNode(t, testConfig(t, fmt.Sprint(i)))
	}
	return nodes
}

// waitForTableSize polls until the routing table reaches the expected size,
// or fails after a timeout.
func waitForTableSize(t *testing.T, n *Node, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.Table().Size() >= expected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("node %s table size = %d, want >= %d (timed out)",
		n.Username(), n.Table().Size(), expected)
}

func TestNewNodeRequiresUsername(t *testing.T) {
	if _, err := NewNode(Config{}); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestNodeIdentity(t *testing.T) {
	n := startNode(t, testConfig(t, "alice"))
	if n.ID() != KeyFromUsername("alice") {
		t.Fatal("node id is not sha1(username)")
	}
	c := n.Contact()
	if c.Port == 0 {
		t.Fatal("contact should carry the bound port")
	}
	if c.PublicKey != n.PublicKey() || c.PublicKey == "" {
		t.Fatal("contact should carry the node's public key")
	}
	if _, err := crypto.ParsePublicKey(n.PublicKey()); err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
}

func TestNodePing(t *testing.T) {
	nodes := testNodes(t, 2)
	a, b := nodes[0], nodes[1]

	if err := a.Ping(context.Background(), b.Contact()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// B records A when handling the ping, A records B from the response.
	waitForTableSize(t, a, 1, 2*time.Second)
	waitForTableSize(t, b, 1, 2*time.Second)

	if _, ok := a.Table().Get(b.ID()); !ok {
		t.Fatal("A's routing table does not contain B")
	}
	if _, ok := b.Table().Get(a.ID()); !ok {
		t.Fatal("B's routing table does not contain A")
	}
}

func TestNodePingAddrLearnsKey(t *testing.T) {
	nodes := testNodes(t, 2)
	a, b := nodes[0], nodes[1]

	peer, err := a.PingAddr(context.Background(), b.Addr())
	if err != nil {
		t.Fatalf("ping addr: %v", err)
	}
	if peer.ID != b.ID() || peer.Username != "1" {
		t.Fatalf("learned %s/%s, want node 1", peer.Username, peer.ID.Short())
	}
	if a.Table().PublicKey(b.ID()) != b.PublicKey() {
		t.Fatal("A should hold B's public key after PingAddr")
	}
}

func TestNodePingSelfAddr(t *testing.T) {
	a := startNode(t, testConfig(t, "solo"))
	if _, err := a.PingAddr(context.Background(), a.Addr()); !errors.Is(err, ErrSelfContact) {
		t.Fatalf("err = %v, want ErrSelfContact", err)
	}
}

func TestNodePingUnreachable(t *testing.T) {
	a := startNode(t, testConfig(t, "a"))

	// Grab a free port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := a.PingAddr(context.Background(), addr); err == nil {
		t.Fatal("expected error pinging a closed port")
	}
}

func TestNodePingTimeout(t *testing.T) {
	a := startNode(t, testConfig(t, "a"))

	// A listener that accepts frames but never answers.
	silent := NewTransport(zap.NewNop(), 10)
	if err := silent.Listen("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { silent.Close() })

	c := NewContact("quiet", "127.0.0.1", silent.Port(), "")

	start := time.Now()
	err := a.Ping(context.Background(), c)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < a.config.ResponseTimeout {
		t.Fatal("ping returned before the response timeout")
	}
}

func TestNodeCloseFailsPending(t *testing.T) {
	a, err := NewNode(testConfig(t, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	silent := NewTransport(zap.NewNop(), 10)
	if err := silent.Listen("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { silent.Close() })

	errc := make(chan error, 1)
	go func() {
		errc <- a.Ping(context.Background(), NewContact("quiet", "127.0.0.1", silent.Port(), ""))
	}()
	time.Sleep(100 * time.Millisecond)
	a.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending ping did not fail on Close")
	}
}

func TestNodeConnect(t *testing.T) {
	nodes := testNodes(t, 3)
	ctx := context.Background()

	if err := nodes[1].Connect(ctx, nodes[0].Contact()); err != nil {
		t.Fatalf("connect 1->0: %v", err)
	}
	// Node 2 knows only node 0's address.
	seed := Contact{ID: nodes[0].ID(), IP: "127.0.0.1", Port: nodes[0].Contact().Port}
	if err := nodes[2].Connect(ctx, seed); err != nil {
		t.Fatalf("connect 2->0: %v", err)
	}

	for _, n := range nodes {
		waitForTableSize(t, n, 2, 2*time.Second)
	}
	if nodes[2].Table().PublicKey(nodes[1].ID()) != nodes[1].PublicKey() {
		t.Fatal("node 2 should have learned node 1 with its key")
	}
}

func TestNodeConnectSelf(t *testing.T) {
	a := startNode(t, testConfig(t, "a"))
	if err := a.Connect(context.Background(), a.Contact()); !errors.Is(err, ErrSelfContact) {
		t.Fatalf("err = %v, want ErrSelfContact", err)
	}
}

func TestHopBudget(t *testing.T) {
	tests := []struct {
		depth int
		want  time.Duration
	}{
		{0, 4 * time.Second},
		{1, 3 * time.Second},
		{3, time.Second},
		{9, time.Second},
		{-1, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := hopBudget(4*time.Second, tt.depth, 3); got != tt.want {
			t.Errorf("hopBudget(depth=%d) = %v, want %v", tt.depth, got, tt.want)
		}
	}
}
