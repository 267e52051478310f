package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
)

// makeContact creates a Contact with a deterministic ID built from a single
// non-zero byte at position byteIdx with value val.
func makeContact(byteIdx int, val byte, port int) Contact {
	var id Key
	id[byteIdx] = val
	return Contact{ID: id, Username: fmt.Sprintf("c%d-%d", byteIdx, val), IP: "127.0.0.1", Port: port}
}

// fullBucket returns k+1 contacts that all land in bucket B-1 of the zero key.
func fullBucket(k int) []Contact {
	cs := make([]Contact, k+1)
	for i := range cs {
		var id Key
		id[0] = 0x80
		id[1] = byte(i + 1)
		cs[i] = Contact{ID: id, Username: fmt.Sprintf("peer%d", i), IP: "127.0.0.1", Port: 4000 + i}
	}
	return cs
}

func TestRoutingTableUpdateAndGet(t *testing.T) {
	var self Key
	rt := NewRoutingTable(self, 20, nil, 0)

	c := makeContact(0, 0x80, 4000)
	rt.Update(context.Background(), c)

	got, ok := rt.Get(c.ID)
	if !ok {
		t.Fatal("contact not found after Update")
	}
	if got.Port != 4000 {
		t.Fatalf("port = %d, want 4000", got.Port)
	}
	if got.LastSeen.IsZero() {
		t.Fatal("LastSeen should be set")
	}
	if rt.Size() != 1 {
		t.Fatalf("size = %d, want 1", rt.Size())
	}
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	self := KeyFromUsername("me")
	rt := NewRoutingTable(self, 20, nil, 0)
	rt.Update(context.Background(), Contact{ID: self, Username: "me"})
	if rt.Size() != 0 {
		t.Fatalf("size = %d, want 0", rt.Size())
	}
}

func TestRoutingTableExistingMovesToTail(t *testing.T) {
	var self Key
	rt := NewRoutingTable(self, 20, nil, 0)
	ctx := context.Background()

	cs := fullBucket(2)
	for _, c := range cs {
		rt.Update(ctx, c)
	}
	rt.Update(ctx, cs[0])

	b := rt.Buckets()[B-1]
	if len(b) != 3 {
		t.Fatalf("bucket size = %d, want 3", len(b))
	}
	if b[2].ID != cs[0].ID {
		t.Fatal("re-seen contact should be at the tail")
	}
	if b[0].ID != cs[1].ID {
		t.Fatal("oldest contact should now be cs[1]")
	}
}

func TestRoutingTableKeepsKnownKey(t *testing.T) {
	var self Key
	rt := NewRoutingTable(self, 20, nil, 0)
	ctx := context.Background()

	c := makeContact(0, 0x81, 4000)
	rt.Update(ctx, c)
	c.PublicKey = "first"
	rt.Update(ctx, c)
	c.PublicKey = "second"
	rt.Update(ctx, c)

	if got := rt.PublicKey(c.ID); got != "first" {
		t.Fatalf("public key = %q, want first", got)
	}
}

func TestRoutingTableFullBucketNoPinger(t *testing.T) {
	var self Key
	k := 3
	rt := NewRoutingTable(self, k, nil, 0)
	cs := fullBucket(k)
	for _, c := range cs {
		rt.Update(context.Background(), c)
	}
	if rt.Size() != k {
		t.Fatalf("size = %d, want %d", rt.Size(), k)
	}
	if _, ok := rt.Get(cs[k].ID); ok {
		t.Fatal("newcomer should be dropped without a pinger")
	}
}

func TestRoutingTableEvictsDeadOldest(t *testing.T) {
	var self Key
	k := 3
	var pinged []Key
	ping := func(ctx context.Context, c Contact) error {
		pinged = append(pinged, c.ID)
		return errors.New("unreachable")
	}
	rt := NewRoutingTable(self, k, ping, 0)
	cs := fullBucket(k)
	for _, c := range cs {
		rt.Update(context.Background(), c)
	}

	if len(pinged) != 1 || pinged[0] != cs[0].ID {
		t.Fatalf("expected exactly one ping of the oldest contact, got %d", len(pinged))
	}
	if rt.Size() != k {
		t.Fatalf("size = %d, want %d", rt.Size(), k)
	}
	if _, ok := rt.Get(cs[0].ID); ok {
		t.Fatal("dead oldest contact should be evicted")
	}
	b := rt.Buckets()[B-1]
	if b[len(b)-1].ID != cs[k].ID {
		t.Fatal("newcomer should be appended at the tail")
	}
}

func TestRoutingTableKeepsLiveOldest(t *testing.T) {
	var self Key
	k := 3
	ping := func(ctx context.Context, c Contact) error { return nil }
	rt := NewRoutingTable(self, k, ping, 0)
	cs := fullBucket(k)
	for _, c := range cs {
		rt.Update(context.Background(), c)
	}

	if _, ok := rt.Get(cs[k].ID); ok {
		t.Fatal("newcomer should be dropped when the oldest answers")
	}
	b := rt.Buckets()[B-1]
	if b[len(b)-1].ID != cs[0].ID {
		t.Fatal("live oldest contact should move to the tail")
	}
}

func TestRoutingTableBucketBound(t *testing.T) {
	self := KeyFromUsername("bound")
	k := 4
	rt := NewRoutingTable(self, k, nil, 0)
	for i := 0; i < 200; i++ {
		c := NewContact(fmt.Sprintf("user%d", i), "127.0.0.1", 5000+i, "")
		rt.Update(context.Background(), c)
	}
	for idx, cs := range rt.Buckets() {
		if len(cs) > k {
			t.Fatalf("bucket %d holds %d contacts, want <= %d", idx, len(cs), k)
		}
		for _, c := range cs {
			if BucketIndex(self, c.ID) != idx {
				t.Fatalf("contact %s in bucket %d, belongs in %d", c.Username, idx, BucketIndex(self, c.ID))
			}
		}
	}
}

func TestRoutingTableNearestOrdering(t *testing.T) {
	self := KeyFromUsername("0")
	rt := NewRoutingTable(self, 20, nil, 0)
	var all []Contact
	for i := 1; i < 60; i++ {
		c := NewContact(fmt.Sprint(i), "127.0.0.1", 6000+i, "")
		rt.Update(context.Background(), c)
		all = append(all, c)
	}

	target := KeyFromUsername("target")
	got := rt.Nearest(target, 10)
	if len(got) != 10 {
		t.Fatalf("Nearest returned %d, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if DistanceLess(target, got[i].ID, got[i-1].ID) {
			t.Fatalf("result %d is closer than result %d", i, i-1)
		}
	}

	// Asking for everything returns every stored contact in exact order.
	everything := rt.Nearest(target, 1000)
	if len(everything) != rt.Size() {
		t.Fatalf("Nearest(all) = %d, want %d", len(everything), rt.Size())
	}
	want := rt.Nearest(target, rt.Size())
	sort.Slice(want, func(i, j int) bool { return DistanceLess(target, want[i].ID, want[j].ID) })
	for i := range want {
		if want[i].ID != everything[i].ID {
			t.Fatalf("position %d differs from brute-force order", i)
		}
	}
}

func TestRoutingTableNearestSelfTarget(t *testing.T) {
	self := KeyFromUsername("0")
	rt := NewRoutingTable(self, 20, nil, 0)
	for i := 1; i < 20; i++ {
		rt.Update(context.Background(), NewContact(fmt.Sprint(i), "127.0.0.1", 7000+i, ""))
	}
	got := rt.Nearest(self, 5)
	if len(got) != 5 {
		t.Fatalf("Nearest(self) returned %d, want 5", len(got))
	}
	if got[0].Username != "10" && got[0].Username != "19" {
		t.Fatalf("closest to self = %s, want one of bucket 154", got[0].Username)
	}
}

func TestRoutingTableRemove(t *testing.T) {
	var self Key
	rt := NewRoutingTable(self, 20, nil, 0)
	c := makeContact(2, 0x10, 4000)
	rt.Update(context.Background(), c)
	rt.Remove(c.ID)
	if rt.Size() != 0 {
		t.Fatalf("size = %d after Remove, want 0", rt.Size())
	}
}

func TestRoutingTableLowestNonEmpty(t *testing.T) {
	var self Key
	rt := NewRoutingTable(self, 20, nil, 0)
	if _, ok := rt.LowestNonEmpty(); ok {
		t.Fatal("empty table should have no non-empty bucket")
	}
	rt.Update(context.Background(), makeContact(0, 0x80, 4000))
	rt.Update(context.Background(), makeContact(19, 0x02, 4001))

	idx, ok := rt.LowestNonEmpty()
	if !ok || idx != 1 {
		t.Fatalf("LowestNonEmpty = %d,%v, want 1,true", idx, ok)
	}
}
