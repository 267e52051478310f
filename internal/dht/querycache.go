package dht

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// queryCache remembers processed query IDs for a bounded time so a node
// handles each forwarded query at most once.
type queryCache struct {
	seen *gocache.Cache
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{seen: gocache.New(ttl, 2*ttl)}
}

// markSeen records id and reports whether it was new. The check and the
// insert happen atomically.
func (q *queryCache) markSeen(id string) bool {
	if id == "" {
		return true
	}
	return q.seen.Add(id, struct{}{}, gocache.DefaultExpiration) == nil
}

// len counts the remembered query IDs, expired ones included until the
// next cleanup.
func (q *queryCache) len() int {
	return q.seen.ItemCount()
}
