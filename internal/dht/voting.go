package dht

import "fmt"

// KeyTally is the outcome of counting public-key answers from peers.
type KeyTally struct {
	Key       string // most frequent answer
	Votes     int    // answers agreeing with Key
	Total     int    // non-null answers counted
	Approval  float64
	Consensus bool
}

// tallyKeys counts non-null answers. Consensus requires at least minVotes
// answers and the most frequent key to hold at least approval of them.
// Ties go to the key seen first.
func tallyKeys(answers []string, approval float64, minVotes int) KeyTally {
	counts := make(map[string]int)
	var order []string
	for _, a := range answers {
		if a == "" {
			continue
		}
		if counts[a] == 0 {
			order = append(order, a)
		}
		counts[a]++
	}

	var t KeyTally
	for _, k := range order {
		t.Total += counts[k]
		if counts[k] > t.Votes {
			t.Key, t.Votes = k, counts[k]
		}
	}
	if t.Total == 0 {
		return t
	}
	t.Approval = float64(t.Votes) / float64(t.Total)
	t.Consensus = t.Total >= minVotes && t.Approval >= approval
	return t
}

// err maps a failed tally onto the overlay's sentinel errors.
func (t KeyTally) err() error {
	switch {
	case t.Consensus:
		return nil
	case t.Total == 0:
		return ErrKeyNotFound
	default:
		return fmt.Errorf("%w: %d of %d answers agree", ErrNoConsensus, t.Votes, t.Total)
	}
}
