// Package dht implements a Kademlia-style overlay for private messaging.
// Nodes are addressed by 160-bit keys derived from their usernames; the
// package provides the XOR key space, a k-bucket routing table, a TCP RPC
// layer carrying signed and encrypted commands, and the three overlay
// protocols built on a shared routing engine: peer discovery, public-key
// resolution by quorum, and end-to-end encrypted message relay.
package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
)

const (
	// B is the key length in bits and the number of k-buckets.
	B = 160
	// KeyLength is the byte length of a Key.
	KeyLength = B / 8
)

// Key is a 160-bit identifier in the overlay key space.
type Key [KeyLength]byte

// KeyFromUsername derives a node key as SHA-1 of the username.
func KeyFromUsername(username string) Key {
	return sha1.Sum([]byte(username))
}

// ParseKey decodes a 40-character hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse key: %w", err)
	}
	if len(b) != KeyLength {
		return k, fmt.Errorf("parse key: length %d, want %d", len(b), KeyLength)
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short returns the first four bytes in hex, for log fields.
func (k Key) Short() string { return hex.EncodeToString(k[:4]) }

func (k Key) IsZero() bool { return k == Key{} }

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Distance returns the XOR distance between two keys.
func Distance(a, b Key) Key {
	var d Key
	for i := 0; i < KeyLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare orders two distances as unsigned big-endian integers.
func Compare(d1, d2 Key) int {
	return bytes.Compare(d1[:], d2[:])
}

// DistanceLess returns true if a is strictly closer to target than b.
func DistanceLess(target, a, b Key) bool {
	return Compare(Distance(target, a), Distance(target, b)) < 0
}

// BucketIndex returns the k-bucket index for other relative to self:
// B-1 minus the number of leading zero bits of their distance. Bucket B-1
// holds the farthest half of the key space, bucket 0 the single nearest key.
// Identical keys return B, which no bucket uses.
func BucketIndex(self, other Key) int {
	d := Distance(self, other)
	for i := 0; i < KeyLength; i++ {
		if d[i] != 0 {
			lz := i*8 + bits.LeadingZeros8(d[i])
			return B - 1 - lz
		}
	}
	return B
}

// RandomInBucketRange returns a random key that falls into bucket index of
// self. It panics if index is outside [0, B).
func RandomInBucketRange(self Key, index int) Key {
	if index < 0 || index >= B {
		panic(fmt.Sprintf("dht: bucket index %d out of range", index))
	}
	var d Key
	if _, err := rand.Read(d[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	// Highest set bit of the distance sits at position lz from the top.
	lz := B - 1 - index
	byteIdx, bit := lz/8, uint(lz%8)
	for i := 0; i < byteIdx; i++ {
		d[i] = 0
	}
	d[byteIdx] = d[byteIdx]&(byte(0xff)>>(bit+1)) | byte(0x80)>>bit
	return Distance(self, d)
}
