package dht

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueryState is the travelling state of one RETRIEVE_CONTACTS lookup. The
// origin creates it, every forwarding node extends it and sends it back.
type QueryState struct {
	Key                 Key       `json:"key"`
	QueryID             string    `json:"queryId"`
	Origin              Contact   `json:"origin"`
	Limit               int       `json:"limit"`
	Contacted           []Key     `json:"contacted"`
	ContactList         []Contact `json:"contactList"`
	ClosestNode         *Contact  `json:"closestNode,omitempty"`
	ClosestNodeDistance *Key      `json:"closestNodeDistance,omitempty"`
	PreviousClosestNode *Contact  `json:"previousClosestNode,omitempty"`
	Depth               int       `json:"depth"`
}

func (q *QueryState) hasContacted(id Key) bool {
	for _, c := range q.Contacted {
		if c == id {
			return true
		}
	}
	return false
}

func (q *QueryState) markContacted(id Key) {
	if !q.hasContacted(id) {
		q.Contacted = append(q.Contacted, id)
	}
}

func (q *QueryState) hasContact(id Key) bool {
	for _, c := range q.ContactList {
		if c.ID == id {
			return true
		}
	}
	return false
}

// addContacts appends the contacts not yet listed, skipping exclude.
func (q *QueryState) addContacts(cs []Contact, exclude ...Key) int {
	added := 0
next:
	for _, c := range cs {
		for _, x := range exclude {
			if c.ID == x {
				continue next
			}
		}
		if c.ID.IsZero() || q.hasContact(c.ID) {
			continue
		}
		q.ContactList = append(q.ContactList, c)
		added++
	}
	return added
}

// updateClosest recomputes the closest listed contact to Key and reports
// whether it got strictly closer.
func (q *QueryState) updateClosest() bool {
	if len(q.ContactList) == 0 {
		return false
	}
	best := q.ContactList[0]
	for _, c := range q.ContactList[1:] {
		if DistanceLess(q.Key, c.ID, best.ID) {
			best = c
		}
	}
	d := Distance(q.Key, best.ID)
	if q.ClosestNodeDistance != nil && Compare(d, *q.ClosestNodeDistance) >= 0 {
		return false
	}
	q.PreviousClosestNode = q.ClosestNode
	q.ClosestNode = &best
	q.ClosestNodeDistance = &d
	return true
}

// uncontacted returns listed contacts not yet contacted, nearest first.
func (q *QueryState) uncontacted() []Contact {
	var out []Contact
	for _, c := range q.ContactList {
		if !q.hasContacted(c.ID) {
			out = append(out, c)
		}
	}
	sortByDistance(out, q.Key)
	return out
}

// merge folds a state returned by a peer into q.
func (q *QueryState) merge(other *QueryState, exclude ...Key) {
	if other == nil {
		return
	}
	for _, id := range other.Contacted {
		q.markContacted(id)
	}
	q.addContacts(other.ContactList, exclude...)
}

func (q *QueryState) clone() *QueryState {
	c := *q
	c.Contacted = append([]Key(nil), q.Contacted...)
	c.ContactList = append([]Contact(nil), q.ContactList...)
	return &c
}

// lookupStrategy drives RETRIEVE_CONTACTS through route.
type lookupStrategy struct {
	n         *Node
	state     *QueryState
	maxRounds int // 0 = unlimited

	rounds      int
	improved    bool
	unreachable map[Key]bool
}

func (s *lookupStrategy) Gather() []Contact {
	return s.state.uncontacted()
}

func (s *lookupStrategy) Build(c Contact) *Command {
	st := s.state.clone()
	st.Depth++
	return &Command{
		Destination: c,
		Payload:     &RetrieveContactsPayload{Sender: s.n.sender(), State: st},
	}
}

func (s *lookupStrategy) OnResults(results []Result) {
	for _, r := range results {
		s.state.markContacted(r.Contact.ID)
		if r.Err != nil {
			if errors.Is(r.Err, ErrUnreachable) {
				if s.unreachable == nil {
					s.unreachable = map[Key]bool{}
				}
				s.unreachable[r.Contact.ID] = true
			}
			s.n.log.Debug("retrieve contacts failed", zap.String("peer", r.Contact.Username), zap.Error(r.Err))
			continue
		}
		p, ok := r.Response.Payload.(*RetrieveContactsResponsePayload)
		if !ok {
			continue
		}
		s.state.merge(p.State, s.n.id, s.state.Origin.ID)
	}
	s.improved = s.state.updateClosest()
	s.rounds++
}

func (s *lookupStrategy) Done() bool {
	if s.maxRounds > 0 && s.rounds >= s.maxRounds {
		return true
	}
	return s.rounds > 0 && !s.improved && len(s.state.ContactList) >= s.state.Limit
}

// Lookup finds the contacts nearest to target. It seeds the query from the
// routing table, lets route fan RETRIEVE_CONTACTS out Alpha at a time, and
// stores every contact discovered on the way.
func (n *Node) Lookup(ctx context.Context, target Key) (*QueryState, error) {
	st := &QueryState{
		Key:     target,
		QueryID: uuid.NewString(),
		Origin:  n.Contact(),
		Limit:   n.config.K,
	}
	n.queries.markSeen(st.QueryID)
	st.markContacted(n.id)
	st.addContacts(n.table.Nearest(target, n.config.K), n.id)
	st.updateClosest()

	s := &lookupStrategy{n: n, state: st}
	err := n.route(ctx, s)
	for _, c := range st.ContactList {
		if c.Valid() && !s.unreachable[c.ID] {
			n.table.Update(ctx, c)
		}
	}
	if err != nil {
		return st, err
	}
	n.log.Debug("lookup done",
		zap.String("target", target.Short()),
		zap.Int("found", len(st.ContactList)),
		zap.Int("contacted", len(st.Contacted)))
	return st, nil
}

// handleRetrieveContacts answers a forwarded lookup. A repeated query is
// answered unchanged; otherwise the node adds its own nearest contacts and,
// depth permitting, runs one round of its own before replying.
func (n *Node) handleRetrieveContacts(ctx context.Context, p *RetrieveContactsPayload) Payload {
	st := p.State
	if st == nil {
		return nil
	}
	requester := p.From().ID
	if o := st.Origin; o.ID != n.id && o.Valid() {
		n.table.Update(ctx, o)
	}

	if !n.queries.markSeen(st.QueryID) {
		st.markContacted(n.id)
		return &RetrieveContactsResponsePayload{Sender: n.sender(), State: st}
	}

	st.markContacted(n.id)
	st.addContacts(n.table.Nearest(st.Key, n.config.K), requester, st.Origin.ID, n.id)
	st.updateClosest()

	if st.Depth < n.config.MaxHops {
		fctx, cancel := context.WithTimeout(ctx, n.hopBudget(st.Depth))
		s := &lookupStrategy{n: n, state: st, maxRounds: 1}
		if err := n.route(fctx, s); err != nil {
			n.log.Debug("forwarded lookup cut short", zap.Error(err))
		}
		cancel()
	}
	return &RetrieveContactsResponsePayload{Sender: n.sender(), State: st}
}
