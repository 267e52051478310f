package dht

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one request sent by route.
type Result struct {
	Contact  Contact
	Response *Command
	Err      error
}

// Strategy drives route for one protocol. Route calls its methods from a
// single goroutine, so implementations need no locking of their own state.
type Strategy interface {
	// Gather returns the current candidates in preference order.
	Gather() []Contact
	// Build returns the request to send to c.
	Build(c Contact) *Command
	// OnResults folds a finished chunk of requests into the strategy state.
	OnResults(results []Result)
	// Done reports whether the strategy has what it needs.
	Done() bool
}

// route is the shared engine behind the overlay protocols. Each round it
// takes up to Alpha candidates not yet tried in this run, sends them their
// requests concurrently, waits for every one of them to finish or fail, and
// hands the results to the strategy. Contacts that refuse the connection
// are dropped from the routing table. It stops when the strategy is done, no
// untried candidates remain, or ctx ends.
func (n *Node) route(ctx context.Context, s Strategy) error {
	tried := map[Key]bool{n.id: true}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Done() {
			return nil
		}

		var chunk []Contact
		for _, c := range s.Gather() {
			if tried[c.ID] {
				continue
			}
			tried[c.ID] = true
			chunk = append(chunk, c)
			if len(chunk) == n.config.Alpha {
				break
			}
		}
		if len(chunk) == 0 {
			return nil
		}

		cmds := make([]*Command, len(chunk))
		for i, c := range chunk {
			cmds[i] = s.Build(c)
		}
		results := make([]Result, len(chunk))
		var g errgroup.Group
		for i, c := range chunk {
			g.Go(func() error {
				resp, err := n.sendRPC(ctx, cmds[i])
				results[i] = Result{Contact: c, Response: resp, Err: err}
				return nil
			})
		}
		g.Wait()
		for _, r := range results {
			if errors.Is(r.Err, ErrUnreachable) {
				n.table.Remove(r.Contact.ID)
				n.log.Debug("dropped unreachable contact", zap.String("peer", r.Contact.Username))
			}
		}
		s.OnResults(results)
	}
}
