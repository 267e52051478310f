package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/whisper/internal/mailbox"
)

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (p *countingPruner) PruneOlderThan(time.Duration) (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestPruneMailboxDisabled(t *testing.T) {
	p := &countingPruner{}
	pruneMailbox(context.Background(), p, 0, time.Millisecond, zap.NewNop())
	if p.calls.Load() != 0 {
		t.Fatal("zero retention must not prune")
	}
}

func TestPruneMailboxTicks(t *testing.T) {
	p := &countingPruner{err: errors.New("disk full")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneMailbox(ctx, p, time.Hour, 5*time.Millisecond, zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel)))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if p.calls.Load() < 3 {
		t.Fatalf("pruned %d times, want at least 3", p.calls.Load())
	}
}

func TestPruneMailboxRemovesOld(t *testing.T) {
	box, err := mailbox.Open(filepath.Join(t.TempDir(), "mailbox.db"))
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	t.Cleanup(func() { box.Close() })
	if _, err := box.Put("alice", "aa", "old"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pruneMailbox(ctx, box, 10*time.Millisecond, time.Hour, zap.NewNop())

	msgs, err := box.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("mailbox kept %d expired messages", len(msgs))
	}
}
