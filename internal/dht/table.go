package dht

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pinger checks whether a contact is alive. The routing table calls it on
// the least-recently-seen entry of a full bucket.
type Pinger func(ctx context.Context, c Contact) error

// bucket is a single k-bucket, ordered from least to most recently seen.
type bucket struct {
	contacts []Contact
}

func (b *bucket) indexOf(id Key) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) removeAt(i int) Contact {
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	return c
}

// RoutingTable is a Kademlia routing table with B k-buckets. It never holds
// the local node.
type RoutingTable struct {
	mu      sync.RWMutex
	self    Key
	k       int
	buckets [B]*bucket

	ping        Pinger
	pingTimeout time.Duration
}

// NewRoutingTable creates a routing table for self with bucket capacity k.
// When a bucket is full, ping decides whether its oldest contact survives;
// a nil ping keeps the oldest contact and drops the newcomer.
func NewRoutingTable(self Key, k int, ping Pinger, pingTimeout time.Duration) *RoutingTable {
	rt := &RoutingTable{
		self:        self,
		k:           k,
		ping:        ping,
		pingTimeout: pingTimeout,
	}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// Self returns the local node's key.
func (rt *RoutingTable) Self() Key {
	return rt.self
}

// Update records that c was seen.
//
//   - self is ignored;
//   - a known contact moves to the tail with refreshed address and LastSeen,
//     and gains a public key if it had none;
//   - a new contact is appended when the bucket has room;
//   - otherwise the oldest contact is pinged. If it fails to answer within
//     the ping timeout it is replaced by c, else it moves to the tail and c
//     is dropped.
func (rt *RoutingTable) Update(ctx context.Context, c Contact) {
	if c.ID == rt.self {
		return
	}
	idx := BucketIndex(rt.self, c.ID)
	c.LastSeen = time.Now()

	rt.mu.Lock()
	b := rt.buckets[idx]
	if i := b.indexOf(c.ID); i >= 0 {
		old := b.removeAt(i)
		if c.PublicKey == "" || old.PublicKey != "" {
			c.PublicKey = old.PublicKey
		}
		if c.Username == "" {
			c.Username = old.Username
		}
		b.contacts = append(b.contacts, c)
		rt.mu.Unlock()
		return
	}
	if len(b.contacts) < rt.k {
		b.contacts = append(b.contacts, c)
		rt.mu.Unlock()
		return
	}
	oldest := b.contacts[0]
	rt.mu.Unlock()

	if rt.ping == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, rt.pingTimeout)
	err := rt.ping(pctx, oldest)
	cancel()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	i := b.indexOf(oldest.ID)
	if err == nil {
		if i >= 0 {
			alive := b.removeAt(i)
			alive.LastSeen = time.Now()
			b.contacts = append(b.contacts, alive)
		}
		return
	}
	if i >= 0 {
		b.removeAt(i)
	}
	if b.indexOf(c.ID) < 0 && len(b.contacts) < rt.k {
		b.contacts = append(b.contacts, c)
	}
}

// Get returns the contact with the given key, if present.
func (rt *RoutingTable) Get(id Key) (Contact, bool) {
	if id == rt.self {
		return Contact{}, false
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[BucketIndex(rt.self, id)]
	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i], true
	}
	return Contact{}, false
}

// PublicKey returns the stored public key for id, or "".
func (rt *RoutingTable) PublicKey(id Key) string {
	c, ok := rt.Get(id)
	if !ok {
		return ""
	}
	return c.PublicKey
}

// Remove deletes a contact by key.
func (rt *RoutingTable) Remove(id Key) {
	if id == rt.self {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[BucketIndex(rt.self, id)]
	if i := b.indexOf(id); i >= 0 {
		b.removeAt(i)
	}
}

// Nearest returns up to limit contacts closest to target, sorted by
// ascending distance. Buckets are visited outward from target's own bucket
// (index, index+1, index-1, index+2, ...) until enough contacts are
// gathered or both directions run out.
func (rt *RoutingTable) Nearest(target Key, limit int) []Contact {
	if limit <= 0 {
		return nil
	}
	start := BucketIndex(rt.self, target)
	if start == B {
		start = 0
	}

	rt.mu.RLock()
	var out []Contact
	out = append(out, rt.buckets[start].contacts...)
	for step := 1; len(out) < limit; step++ {
		up, down := start+step, start-step
		if up >= B && down < 0 {
			break
		}
		if up < B {
			out = append(out, rt.buckets[up].contacts...)
		}
		if down >= 0 && len(out) < limit {
			out = append(out, rt.buckets[down].contacts...)
		}
	}
	rt.mu.RUnlock()

	sortByDistance(out, target)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += len(b.contacts)
	}
	return total
}

// Buckets returns a copy of every non-empty bucket keyed by index.
func (rt *RoutingTable) Buckets() map[int][]Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[int][]Contact)
	for i, b := range rt.buckets {
		if len(b.contacts) == 0 {
			continue
		}
		out[i] = append([]Contact(nil), b.contacts...)
	}
	return out
}

// LowestNonEmpty returns the smallest index holding a contact.
func (rt *RoutingTable) LowestNonEmpty() (int, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for i, b := range rt.buckets {
		if len(b.contacts) > 0 {
			return i, true
		}
	}
	return 0, false
}

// sortByDistance orders contacts by ascending distance to target, in place.
func sortByDistance(cs []Contact, target Key) {
	sort.SliceStable(cs, func(i, j int) bool {
		return DistanceLess(target, cs[i].ID, cs[j].ID)
	})
}
