// cmd/whisper-node/main.go
//
// whisper-node runs one peer of the whisper overlay. It listens for peers
// over TCP, optionally joins the network through a seed peer, keeps
// delivered messages in a local mailbox and serves a localhost API plus an
// interactive console on stdin.
//
// Usage:
//
//	whisper-node --username alice [--port 3000] [--api-port 3001] [--seed host:port]
//
// Every flag may also be set through a WHISPER_* environment variable or a
// .env file; flags win.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ssd-technologies/whisper/internal/config"
	"github.com/ssd-technologies/whisper/internal/crypto"
	"github.com/ssd-technologies/whisper/internal/dht"
	"github.com/ssd-technologies/whisper/internal/mailbox"
	"github.com/ssd-technologies/whisper/internal/viewer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "whisper-node: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	if cfg.Username == "" {
		return errors.New("--username is required")
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	dir, err := ensureDataDir(cfg.DataDir, cfg.Username)
	if err != nil {
		return err
	}

	priv, err := crypto.LoadOrGenerateKeyPair(filepath.Join(dir, "node.key"), cfg.KeyPassphrase, cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	node, err := dht.NewNode(dht.Config{
		Username:        cfg.Username,
		IP:              cfg.IP,
		Port:            cfg.Port,
		PrivateKey:      priv,
		K:               cfg.K,
		Alpha:           cfg.Alpha,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Close()

	box, err := mailbox.Open(filepath.Join(dir, "mailbox.db"))
	if err != nil {
		return err
	}
	defer box.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go pruneMailbox(ctx, box, cfg.MailboxRetention, time.Hour, log)

	hub := viewer.NewHub(log.Named("viewer"))
	defer hub.Close()
	node.SetViewer(func(from dht.Contact, text string) {
		m, err := box.Put(from.Username, from.ID.String(), text)
		if err != nil {
			log.Error("store message", zap.Error(err))
			return
		}
		hub.Broadcast("message", m)
	})

	api := dht.NewLocalAPI(node, box, hub)
	apiAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.APIPort))
	apiServer := &http.Server{Addr: apiAddr, Handler: api.Handler()}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server", zap.Error(err))
		}
	}()

	banner(os.Stdout, node, apiAddr)

	if cfg.Seed != "" {
		if err := join(ctx, node, cfg.Seed, log); err != nil {
			log.Warn("join failed, running standalone", zap.String("seed", cfg.Seed), zap.Error(err))
		}
	}

	go func() {
		c := &console{node: node, inbox: box, out: os.Stdout}
		c.run(ctx, os.Stdin)
		stop()
	}()

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// parseConfig layers command-line flags over the environment.
func parseConfig(args []string) (config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return cfg, err
	}
	fs := flag.NewFlagSet("whisper-node", flag.ContinueOnError)
	fs.StringVar(&cfg.Username, "username", cfg.Username, "node username (required)")
	fs.StringVar(&cfg.IP, "ip", cfg.IP, "listen and advertised IP")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "P2P listen port")
	fs.IntVar(&cfg.APIPort, "api-port", cfg.APIPort, "localhost API port")
	fs.StringVar(&cfg.Seed, "seed", cfg.Seed, "host:port of a peer to join through")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory (default ~/.whisper/<username>)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.IntVar(&cfg.KeyBits, "key-bits", cfg.KeyBits, "RSA key size for a new key")
	fs.DurationVar(&cfg.MailboxRetention, "mailbox-retention", cfg.MailboxRetention, "how long delivered messages are kept (0 keeps them)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return zc.Build()
}

// ensureDataDir creates the data directory if it does not exist and returns
// the path. It defaults to ~/.whisper/<username>.
func ensureDataDir(explicit, username string) (string, error) {
	dir := explicit
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".whisper", username)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

type pruner interface {
	PruneOlderThan(age time.Duration) (int, error)
}

// pruneMailbox drops messages older than retention now and then every
// interval until ctx ends. A zero retention disables it.
func pruneMailbox(ctx context.Context, box pruner, retention, interval time.Duration, log *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := box.PruneOlderThan(retention)
		if err != nil {
			log.Warn("prune mailbox", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned mailbox", zap.Int("removed", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// join connects to the overlay through seed, retrying with exponential
// backoff while the seed is unreachable.
func join(ctx context.Context, node *dht.Node, seed string, log *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Minute

	return backoff.Retry(func() error {
		peer, err := node.PingAddr(ctx, seed)
		if errors.Is(err, dht.ErrSelfContact) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Info("seed not reachable yet", zap.String("seed", seed), zap.Error(err))
			return err
		}
		return node.Connect(ctx, peer)
	}, backoff.WithContext(b, ctx))
}
