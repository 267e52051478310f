package dht

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/whisper/internal/crypto"
)

// maxRelayHops bounds how far a message travels before it is given up.
const maxRelayHops = 10

// SendMessage delivers text to username through the overlay. The text is
// sealed to the recipient's resolved public key and signed by this node, so
// relays learn nothing but the target key. It reports whether the recipient
// confirmed delivery.
func (n *Node) SendMessage(ctx context.Context, username, text string) (bool, error) {
	target := KeyFromUsername(username)
	if target == n.id {
		n.deliver(n.Contact(), text)
		return true, nil
	}

	key, err := n.FindPublicKey(ctx, username)
	if err != nil {
		return false, fmt.Errorf("resolve key for %s: %w", username, err)
	}
	pub, err := crypto.ParsePublicKey(key)
	if err != nil {
		return false, fmt.Errorf("key for %s: %w", username, err)
	}
	body, err := crypto.Seal([]byte(text), pub, n.priv)
	if err != nil {
		return false, err
	}

	p := &MessagePayload{
		QueryID: uuid.NewString(),
		Origin:  n.Contact(),
		Target:  target,
		Path:    []Key{n.id},
		Depth:   1,
		Body:    body,
	}
	n.queries.markSeen(p.QueryID)
	delivered, err := n.relay(ctx, p)
	if err != nil {
		return false, err
	}
	if !delivered {
		return false, fmt.Errorf("%w: %s", ErrNoRoute, username)
	}
	n.log.Info("message delivered", zap.String("to", username))
	return true, nil
}

// relay forwards p one hop at a time until a next hop reports delivery or
// Alpha hops were tried.
func (n *Node) relay(ctx context.Context, p *MessagePayload) (bool, error) {
	s := &relayStrategy{n: n, msg: p, skip: make(map[Key]bool)}
	for _, id := range p.Path {
		s.skip[id] = true
	}
	s.skip[p.Origin.ID] = true
	s.skip[n.id] = true

	err := n.route(ctx, s)
	return s.delivered, err
}

// relayStrategy sends a MESSAGE to a single next hop per round.
type relayStrategy struct {
	n         *Node
	msg       *MessagePayload
	skip      map[Key]bool
	attempts  int
	delivered bool
}

func (s *relayStrategy) Gather() []Contact {
	if s.attempts >= s.n.config.Alpha {
		return nil
	}
	if c, ok := s.n.table.Get(s.msg.Target); ok && !s.skip[c.ID] {
		return []Contact{c}
	}
	var cands []Contact
	for _, c := range s.n.table.Nearest(s.msg.Target, s.n.config.K) {
		if !s.skip[c.ID] {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	return []Contact{pickWeighted(cands, s.msg.Target)}
}

func (s *relayStrategy) Build(c Contact) *Command {
	fwd := *s.msg
	fwd.Sender = s.n.sender()
	return &Command{Destination: c, Payload: &fwd}
}

func (s *relayStrategy) OnResults(results []Result) {
	for _, r := range results {
		s.attempts++
		s.skip[r.Contact.ID] = true
		if r.Err != nil {
			s.n.log.Debug("relay hop failed", zap.String("peer", r.Contact.Username), zap.Error(r.Err))
			continue
		}
		if p, ok := r.Response.Payload.(*MessageResponsePayload); ok && p.Delivered {
			s.delivered = true
		}
	}
}

func (s *relayStrategy) Done() bool {
	return s.delivered || s.attempts >= s.n.config.Alpha
}

// pickWeighted chooses one contact at random, favouring those near target.
// Contacts are ranked by decreasing distance and rank r (from 0) gets weight
// (r+1)^2/n^2, so the nearest contact is the likeliest pick.
func pickWeighted(cs []Contact, target Key) Contact {
	ranked := append([]Contact(nil), cs...)
	sortByDistance(ranked, target)
	n := len(ranked)
	// Reverse to decreasing distance.
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	}

	weights := make([]float64, n)
	var total float64
	for r := range ranked {
		w := float64((r+1)*(r+1)) / float64(n*n)
		weights[r] = w
		total += w
	}
	x := rand.Float64() * total
	for r, w := range weights {
		if x < w {
			return ranked[r]
		}
		x -= w
	}
	return ranked[n-1]
}

// handleMessage delivers a MESSAGE addressed to this node, or relays it one
// hop further. Undecryptable or badly signed messages are dropped.
func (n *Node) handleMessage(ctx context.Context, p *MessagePayload) Payload {
	resp := &MessageResponsePayload{Sender: n.sender()}
	origin := p.Origin
	if origin.ID != KeyFromUsername(origin.Username) {
		n.log.Warn("dropping message with forged origin", zap.String("origin", origin.Username))
		return resp
	}
	if origin.ID != n.id && origin.Valid() {
		n.table.Update(ctx, origin)
	}

	if p.QueryID == "" || !n.queries.markSeen(p.QueryID) {
		n.log.Debug("duplicate message", zap.String("query", p.QueryID))
		return resp
	}

	if p.Target == n.id {
		if p.Body == nil {
			return resp
		}
		text, err := crypto.Open(p.Body, n.priv)
		if err != nil {
			n.log.Warn("dropping undecryptable message", zap.String("origin", origin.Username), zap.Error(err))
			return resp
		}
		keyStr := n.table.PublicKey(origin.ID)
		if keyStr == "" {
			keyStr = origin.PublicKey
		}
		pub, err := crypto.ParsePublicKey(keyStr)
		if err != nil || !crypto.Verify(p.Body, pub) {
			n.log.Warn("dropping unverified message", zap.String("origin", origin.Username))
			return resp
		}
		n.deliver(origin, string(text))
		resp.Delivered = true
		return resp
	}

	if p.Depth >= maxRelayHops {
		n.log.Debug("message hop limit reached", zap.String("query", p.QueryID))
		return resp
	}

	fwd := *p
	fwd.Path = append(append([]Key(nil), p.Path...), n.id)
	fwd.Depth++
	fctx, cancel := context.WithTimeout(ctx, hopBudget(n.config.ResponseTimeout, p.Depth, maxRelayHops))
	defer cancel()
	delivered, err := n.relay(fctx, &fwd)
	if err != nil {
		n.log.Debug("relay cut short", zap.Error(err))
	}
	resp.Delivered = delivered
	return resp
}

func (n *Node) deliver(from Contact, text string) {
	n.mu.Lock()
	v := n.viewer
	n.mu.Unlock()
	n.log.Info("message received", zap.String("from", from.Username))
	if v != nil {
		v(from, text)
	}
}
