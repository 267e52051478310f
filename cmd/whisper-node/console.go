package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ssd-technologies/whisper/internal/dht"
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	dimColor   = color.New(color.Faint)
)

// banner prints the node's identity and endpoints.
func banner(w io.Writer, node *dht.Node, apiAddr string) {
	titleColor.Fprintln(w, "whisper-node started")
	fmt.Fprintf(w, "  Username: %s\n", node.Username())
	fmt.Fprintf(w, "  Node ID:  %s\n", node.ID())
	fmt.Fprintf(w, "  P2P:      %s\n", node.Addr())
	fmt.Fprintf(w, "  API:      http://%s/local/\n", apiAddr)
	dimColor.Fprintln(w, "Type 'help' for commands.")
}

const consoleHelp = `Commands:
  ping <host:port>        ping a peer and learn its key
  connect <host:port>     join the overlay through a peer
  key <username>          resolve a username's public key
  msg <username> <text>   send an encrypted message
  buckets                 list the routing table
  inbox [n]               show the n newest delivered messages
  exit                    leave the overlay and stop the node`

// console is the interactive command loop on stdin.
type console struct {
	node  *dht.Node
	inbox dht.Inbox
	out   io.Writer
}

// run reads commands until EOF, exit or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether the loop should go on.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "exit", "quit", "close":
		return false
	case "ping":
		if len(args) != 1 {
			c.usage("ping <host:port>")
			return true
		}
		peer, err := c.node.PingAddr(ctx, args[0])
		if err != nil {
			c.fail(err)
			return true
		}
		okColor.Fprintf(c.out, "pong from %s (%s)\n", peer.Username, peer.ID.Short())
	case "connect":
		if len(args) != 1 {
			c.usage("connect <host:port>")
			return true
		}
		peer, err := c.node.PingAddr(ctx, args[0])
		if err == nil {
			err = c.node.Connect(ctx, peer)
		}
		if err != nil {
			c.fail(err)
			return true
		}
		okColor.Fprintf(c.out, "connected via %s, %d contacts\n", peer.Username, c.node.Table().Size())
	case "key":
		if len(args) != 1 {
			c.usage("key <username>")
			return true
		}
		key, err := c.node.FindPublicKey(ctx, args[0])
		if err != nil {
			c.fail(err)
			return true
		}
		fmt.Fprintln(c.out, key)
	case "msg", "message":
		if len(args) < 2 {
			c.usage("msg <username> <text>")
			return true
		}
		delivered, err := c.node.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			c.fail(err)
			return true
		}
		if delivered {
			okColor.Fprintf(c.out, "delivered to %s\n", args[0])
		}
	case "buckets":
		c.printBuckets()
	case "inbox":
		limit := 10
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				c.usage("inbox [n]")
				return true
			}
			limit = n
		}
		c.printInbox(limit)
	default:
		errColor.Fprintf(c.out, "unknown command %q, try 'help'\n", cmd)
	}
	return true
}

func (c *console) printBuckets() {
	buckets := c.node.Buckets()
	if len(buckets) == 0 {
		dimColor.Fprintln(c.out, "routing table is empty")
		return
	}
	idx := make([]int, 0, len(buckets))
	for i := range buckets {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		titleColor.Fprintf(c.out, "bucket %d\n", i)
		for _, ct := range buckets[i] {
			fmt.Fprintf(c.out, "  %-16s %s %s\n", ct.Username, ct.ID.Short(), ct.Addr())
		}
	}
}

func (c *console) printInbox(limit int) {
	if c.inbox == nil {
		dimColor.Fprintln(c.out, "no mailbox")
		return
	}
	msgs, err := c.inbox.List(limit)
	if err != nil {
		c.fail(err)
		return
	}
	if len(msgs) == 0 {
		dimColor.Fprintln(c.out, "inbox is empty")
		return
	}
	for _, m := range msgs {
		dimColor.Fprintf(c.out, "%s ", m.ReceivedAt.Format(time.Kitchen))
		titleColor.Fprintf(c.out, "%s", m.From)
		fmt.Fprintf(c.out, ": %s\n", m.Text)
	}
}

func (c *console) usage(s string) {
	errColor.Fprintf(c.out, "usage: %s\n", s)
}

func (c *console) fail(err error) {
	errColor.Fprintf(c.out, "error: %v\n", err)
}
