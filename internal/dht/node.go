package dht

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/whisper/internal/crypto"
)

// Config holds overlay node configuration. Zero values take the defaults
// noted on each field.
type Config struct {
	Username   string
	IP         string          // listen and advertised address (default 127.0.0.1)
	Port       int             // listen port (0 = random)
	PrivateKey *rsa.PrivateKey // generated when nil
	KeyBits    int             // size of a generated key (default 2048)

	K                  int           // bucket size (default 20)
	Alpha              int           // concurrency per round (default 3)
	EliThreshold       int           // keys collected before a key lookup stops (default 3)
	ApprovalPercentage float64       // share of agreeing keys required (default 1.0)
	MinKeyResponses    int           // keys required for any consensus (default 1)
	ResponseTimeout    time.Duration // per-request wait (default 5s)
	PingTimeout        time.Duration // eviction ping wait (default 1s)
	MaxHops            int           // forwarding depth for queries (default 3)
	QueryCacheTTL      time.Duration // how long query IDs are remembered (default 10m)
	FramesPerConn      int           // inbound frames per second per connection (default 64)

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.IP == "" {
		c.IP = "127.0.0.1"
	}
	if c.KeyBits == 0 {
		c.KeyBits = crypto.DefaultKeyBits
	}
	if c.K == 0 {
		c.K = 20
	}
	if c.Alpha == 0 {
		c.Alpha = 3
	}
	if c.EliThreshold == 0 {
		c.EliThreshold = 3
	}
	if c.ApprovalPercentage == 0 {
		c.ApprovalPercentage = 1.0
	}
	if c.MinKeyResponses == 0 {
		c.MinKeyResponses = 1
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = time.Second
	}
	if c.MaxHops == 0 {
		c.MaxHops = 3
	}
	if c.QueryCacheTTL == 0 {
		c.QueryCacheTTL = 10 * time.Minute
	}
	if c.FramesPerConn == 0 {
		c.FramesPerConn = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Viewer receives messages delivered to this node.
type Viewer func(from Contact, text string)

// Node is an overlay peer. It ties together a routing table, the TCP
// transport and the protocol handlers for discovery, key resolution and
// message relay.
type Node struct {
	id        Key
	config    Config
	priv      *rsa.PrivateKey
	publicKey string
	log       *zap.Logger

	table     *RoutingTable
	transport *Transport
	queries   *queryCache

	ctx    context.Context
	cancel context.CancelFunc

	// Pending RPC tracking: command ID -> response channel.
	mu      sync.Mutex
	pending map[string]chan *Command
	port    int
	viewer  Viewer
}

// NewNode creates a node for cfg.Username. It does not listen until Start.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Username == "" {
		return nil, errors.New("dht: username required")
	}
	cfg.setDefaults()

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, err = crypto.GenerateKeyPair(cfg.KeyBits)
		if err != nil {
			return nil, err
		}
	}
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	id := KeyFromUsername(cfg.Username)
	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.Logger.Named("dht").With(zap.String("node", cfg.Username))
	n := &Node{
		id:        id,
		config:    cfg,
		priv:      priv,
		publicKey: pub,
		log:       log,
		transport: NewTransport(log.Named("transport"), cfg.FramesPerConn),
		queries:   newQueryCache(cfg.QueryCacheTTL),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]chan *Command),
		port:      cfg.Port,
	}
	n.table = NewRoutingTable(id, cfg.K, n.Ping, cfg.PingTimeout)
	n.transport.OnFrame(n.handleFrame)
	return n, nil
}

// Start listens on the configured address. With port 0 the node's contact
// takes the port actually bound.
func (n *Node) Start() error {
	if err := n.transport.Listen(n.config.IP, n.config.Port); err != nil {
		return err
	}
	n.mu.Lock()
	n.port = n.transport.Port()
	n.mu.Unlock()
	n.log.Info("listening", zap.String("addr", n.Addr()), zap.String("id", n.id.Short()))
	return nil
}

// Close stops the listener, fails every pending request with ErrClosed and
// waits for in-flight handlers.
func (n *Node) Close() error {
	n.cancel()
	err := n.transport.Close()
	n.mu.Lock()
	for id := range n.pending {
		delete(n.pending, id)
	}
	n.mu.Unlock()
	return err
}

// ID returns this node's key.
func (n *Node) ID() Key { return n.id }

func (n *Node) Username() string { return n.config.Username }

// PublicKey returns this node's public key in contact encoding.
func (n *Node) PublicKey() string { return n.publicKey }

// Addr returns the advertised host:port.
func (n *Node) Addr() string { return n.Contact().Addr() }

// Contact returns this node as a contact other peers can store.
func (n *Node) Contact() Contact {
	n.mu.Lock()
	port := n.port
	n.mu.Unlock()
	return NewContact(n.config.Username, n.config.IP, port, n.publicKey)
}

// Table returns the routing table (useful for testing and inspection).
func (n *Node) Table() *RoutingTable { return n.table }

// Buckets returns a snapshot of the non-empty k-buckets.
func (n *Node) Buckets() map[int][]Contact { return n.table.Buckets() }

// SetViewer installs the callback for delivered messages.
func (n *Node) SetViewer(v Viewer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.viewer = v
}

func (n *Node) sender() Sender {
	c := n.Contact()
	return Sender{ID: c.ID, Username: c.Username, IP: c.IP, Port: c.Port, PublicKey: c.PublicKey}
}

// Ping sends a PING to c and waits for the PING_RESPONSE.
func (n *Node) Ping(ctx context.Context, c Contact) error {
	_, err := n.sendRPC(ctx, &Command{
		Destination: c,
		Payload:     &PingPayload{Sender: n.sender()},
	})
	return err
}

// PingAddr pings a peer known only by address and learns its identity and
// public key from the response. The peer is added to the routing table.
func (n *Node) PingAddr(ctx context.Context, addr string) (Contact, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Contact{}, fmt.Errorf("ping %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Contact{}, fmt.Errorf("ping %s: bad port: %w", addr, err)
	}

	resp, err := n.sendRPC(ctx, &Command{
		Destination: Contact{IP: host, Port: port},
		Payload:     &PingPayload{Sender: n.sender()},
	})
	if err != nil {
		return Contact{}, fmt.Errorf("ping %s: %w", addr, err)
	}
	peer := resp.Payload.From().Contact()
	if peer.ID == n.id {
		return Contact{}, ErrSelfContact
	}
	n.table.Update(ctx, peer)
	return peer, nil
}

// Connect joins the overlay through c: it checks c is alive (learning its
// key when missing), stores it, looks up its own key and then refreshes
// every bucket beyond the closest neighbour.
func (n *Node) Connect(ctx context.Context, c Contact) error {
	if c.ID == n.id {
		return ErrSelfContact
	}
	if c.PublicKey == "" {
		learned, err := n.PingAddr(ctx, c.Addr())
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		c = learned
	} else if err := n.Ping(ctx, c); err != nil {
		return fmt.Errorf("connect: ping %s: %w", c.Username, err)
	}
	n.table.Update(ctx, c)

	if _, err := n.Lookup(ctx, n.id); err != nil {
		return fmt.Errorf("connect: self lookup: %w", err)
	}
	if err := n.RefreshBucketsBeyondClosest(ctx); err != nil {
		return fmt.Errorf("connect: refresh: %w", err)
	}
	n.log.Info("connected", zap.String("via", c.Username), zap.Int("contacts", n.table.Size()))
	return nil
}

// RefreshBucketsBeyondClosest runs a lookup for a random key in every bucket
// from the lowest non-empty one up to B-1.
func (n *Node) RefreshBucketsBeyondClosest(ctx context.Context) error {
	low, ok := n.table.LowestNonEmpty()
	if !ok {
		return nil
	}
	for i := low; i < B; i++ {
		if _, err := n.Lookup(ctx, RandomInBucketRange(n.id, i)); err != nil {
			if ctx.Err() != nil {
				return err
			}
			n.log.Debug("bucket refresh failed", zap.Int("bucket", i), zap.Error(err))
		}
	}
	return nil
}

// hopBudget bounds the time a node at the given depth spends forwarding a
// query, so that every hop answers before its caller gives up.
func (n *Node) hopBudget(depth int) time.Duration {
	return hopBudget(n.config.ResponseTimeout, depth, n.config.MaxHops)
}

func hopBudget(timeout time.Duration, depth, maxHops int) time.Duration {
	hops := maxHops + 1
	if depth >= hops {
		depth = hops - 1
	}
	if depth < 0 {
		depth = 0
	}
	return timeout * time.Duration(hops-depth) / time.Duration(hops)
}

// handleFrame is the callback registered with the transport. It decodes the
// frame, resolves pending requests for responses, records the sender and
// answers requests.
func (n *Node) handleFrame(data []byte, remote net.Addr) {
	cmd, err := decodeCommand(data, n.priv, n.table.PublicKey)
	if err != nil {
		n.log.Warn("dropping frame", zap.Stringer("remote", remote), zap.Error(err))
		return
	}
	if dst := cmd.Destination.ID; !dst.IsZero() && dst != n.id {
		n.log.Warn("dropping misaddressed frame", zap.String("destination", dst.Short()))
		return
	}
	from := cmd.Payload.From().Contact()
	n.log.Debug("received", zap.Stringer("kind", cmd.Kind()), zap.String("from", from.Username))

	if cmd.Kind().IsResponse() {
		n.deliverResponse(cmd)
	}
	if from.Valid() {
		n.table.Update(n.ctx, from)
	}
	if cmd.Kind().IsResponse() {
		return
	}

	resp := n.handleRequest(n.ctx, cmd)
	if resp == nil {
		return
	}
	if k := n.table.PublicKey(from.ID); k != "" {
		from.PublicKey = k
	}
	reply := &Command{ID: cmd.ID, Destination: from, Payload: resp}
	if _, err := n.sendRPC(n.ctx, reply); err != nil {
		n.log.Warn("reply failed", zap.Stringer("kind", resp.Kind()), zap.String("to", from.Username), zap.Error(err))
	}
}

func (n *Node) handleRequest(ctx context.Context, cmd *Command) Payload {
	switch p := cmd.Payload.(type) {
	case *PingPayload:
		return &PingResponsePayload{Sender: n.sender()}
	case *RetrieveContactsPayload:
		return n.handleRetrieveContacts(ctx, p)
	case *KeyRequestPayload:
		return n.handleKeyRequest(ctx, p)
	case *MessagePayload:
		return n.handleMessage(ctx, p)
	}
	return nil
}

// sendRPC sends cmd and, for request kinds, waits for the response with the
// same command ID.
func (n *Node) sendRPC(ctx context.Context, cmd *Command) (*Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	kind := cmd.Kind()

	var ch chan *Command
	if kind.ExpectsResponse() {
		ch = make(chan *Command, 1)
		n.mu.Lock()
		n.pending[cmd.ID] = ch
		n.mu.Unlock()
		defer n.forget(cmd.ID)
	}

	data, err := encodeCommand(cmd, n.priv)
	if err != nil {
		return nil, err
	}
	addr := cmd.Destination.Addr()
	if err := n.transport.Send(ctx, addr, data); err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}

	timer := time.NewTimer(n.config.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Kind() != kind.Response() {
			return nil, fmt.Errorf("%w: %s answered with %s", ErrVerify, kind, resp.Kind())
		}
		if dst := cmd.Destination.ID; !dst.IsZero() && resp.Payload.From().ID != dst {
			return nil, fmt.Errorf("%w: %s answered by %s", ErrVerify, kind, resp.Payload.From().Username)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, kind, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrClosed
	}
}

func (n *Node) forget(id string) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

// deliverResponse routes an incoming response to the waiting RPC caller by
// matching the command ID.
func (n *Node) deliverResponse(cmd *Command) {
	n.mu.Lock()
	ch, ok := n.pending[cmd.ID]
	if ok {
		delete(n.pending, cmd.ID)
	}
	n.mu.Unlock()
	if ok {
		ch <- cmd
	}
}
