package dht

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// keyStrategy drives KEY_REQUEST through route: ask the nearest known
// contacts to the target, Alpha at a time, until enough keys are collected
// or K requests were made.
type keyStrategy struct {
	n          *Node
	username   string
	queryID    string
	origin     Contact
	depth      int
	candidates []Contact

	keys     []string
	requests int
}

func (n *Node) newKeyStrategy(username, queryID string, origin Contact, depth int, exclude ...Key) *keyStrategy {
	target := KeyFromUsername(username)
	var cands []Contact
next:
	for _, c := range n.table.Nearest(target, n.config.K) {
		for _, x := range exclude {
			if c.ID == x {
				continue next
			}
		}
		cands = append(cands, c)
	}
	return &keyStrategy{
		n:          n,
		username:   username,
		queryID:    queryID,
		origin:     origin,
		depth:      depth,
		candidates: cands,
	}
}

func (s *keyStrategy) Gather() []Contact { return s.candidates }

func (s *keyStrategy) Build(c Contact) *Command {
	return &Command{
		Destination: c,
		Payload: &KeyRequestPayload{
			Sender:  s.n.sender(),
			QueryID: s.queryID,
			Origin:  s.origin,
			Target:  s.username,
			Depth:   s.depth + 1,
		},
	}
}

func (s *keyStrategy) OnResults(results []Result) {
	for _, r := range results {
		s.requests++
		if r.Err != nil {
			s.n.log.Debug("key request failed", zap.String("peer", r.Contact.Username), zap.Error(r.Err))
			continue
		}
		if p, ok := r.Response.Payload.(*KeyResponsePayload); ok && p.Key != "" {
			s.keys = append(s.keys, p.Key)
		}
	}
}

func (s *keyStrategy) Done() bool {
	return len(s.keys) >= s.n.config.EliThreshold || s.requests >= s.n.config.K
}

func (s *keyStrategy) tally() KeyTally {
	return tallyKeys(s.keys, s.n.config.ApprovalPercentage, s.n.config.MinKeyResponses)
}

// FindPublicKey resolves the public key of username. It answers locally for
// its own name or a contact whose key is already known, and otherwise asks
// the network and accepts a key only on consensus.
func (n *Node) FindPublicKey(ctx context.Context, username string) (string, error) {
	target := KeyFromUsername(username)
	if target == n.id {
		return n.publicKey, nil
	}
	if k := n.table.PublicKey(target); k != "" {
		return k, nil
	}

	queryID := uuid.NewString()
	n.queries.markSeen(queryID)
	s := n.newKeyStrategy(username, queryID, n.Contact(), 0, n.id)
	if err := n.route(ctx, s); err != nil {
		return "", err
	}
	t := s.tally()
	if err := t.err(); err != nil {
		n.log.Info("public key unresolved", zap.String("username", username), zap.Error(err))
		return "", err
	}
	return t.Key, nil
}

// handleKeyRequest answers a KEY_REQUEST with this node's own key, a key it
// already holds, or the consensus of its own forwarded request. Repeated
// queries and failed lookups get the null answer.
func (n *Node) handleKeyRequest(ctx context.Context, p *KeyRequestPayload) Payload {
	resp := &KeyResponsePayload{Sender: n.sender()}
	target := KeyFromUsername(p.Target)
	if target == n.id {
		resp.Key = n.publicKey
		return resp
	}
	if !n.queries.markSeen(p.QueryID) {
		return resp
	}
	if k := n.table.PublicKey(target); k != "" {
		resp.Key = k
		return resp
	}
	if p.Depth >= n.config.MaxHops {
		return resp
	}

	fctx, cancel := context.WithTimeout(ctx, n.hopBudget(p.Depth))
	defer cancel()
	s := n.newKeyStrategy(p.Target, p.QueryID, p.Origin, p.Depth, n.id, p.From().ID, p.Origin.ID)
	if err := n.route(fctx, s); err != nil {
		n.log.Debug("forwarded key request cut short", zap.Error(err))
	}
	if t := s.tally(); t.Consensus {
		resp.Key = t.Key
	}
	return resp
}
