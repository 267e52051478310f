// Package config loads node settings from a .env file and WHISPER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of a whisper node process.
type Config struct {
	Username        string
	IP              string
	Port            int
	APIPort         int
	Seed            string // host:port of a peer to join through
	DataDir         string
	KeyPassphrase   string
	KeyBits         int
	LogLevel        string
	K               int
	Alpha           int
	ResponseTimeout time.Duration
	// MailboxRetention is how long delivered messages are kept. Zero keeps
	// them forever.
	MailboxRetention time.Duration
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		IP:              "127.0.0.1",
		Port:            3000,
		APIPort:         3001,
		KeyBits:         2048,
		LogLevel:        "info",
		K:               20,
		Alpha:           3,
		ResponseTimeout: 5 * time.Second,

		MailboxRetention: 30 * 24 * time.Hour,
	}
}

// Load reads envFile (if it exists) into the environment without overriding
// variables already set, then builds a Config from WHISPER_* variables on top
// of Default. An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	c := Default()
	c.Username = getString("WHISPER_USERNAME", c.Username)
	c.IP = getString("WHISPER_IP", c.IP)
	c.Seed = getString("WHISPER_SEED", c.Seed)
	c.DataDir = getString("WHISPER_DATA_DIR", c.DataDir)
	c.KeyPassphrase = getString("WHISPER_KEY_PASSPHRASE", c.KeyPassphrase)
	c.LogLevel = getString("WHISPER_LOG_LEVEL", c.LogLevel)

	var err error
	if c.Port, err = getInt("WHISPER_PORT", c.Port); err != nil {
		return Config{}, err
	}
	if c.APIPort, err = getInt("WHISPER_API_PORT", c.APIPort); err != nil {
		return Config{}, err
	}
	if c.KeyBits, err = getInt("WHISPER_KEY_BITS", c.KeyBits); err != nil {
		return Config{}, err
	}
	if c.K, err = getInt("WHISPER_K", c.K); err != nil {
		return Config{}, err
	}
	if c.Alpha, err = getInt("WHISPER_ALPHA", c.Alpha); err != nil {
		return Config{}, err
	}
	if c.ResponseTimeout, err = getDuration("WHISPER_RESPONSE_TIMEOUT", c.ResponseTimeout); err != nil {
		return Config{}, err
	}
	if c.MailboxRetention, err = getDuration("WHISPER_MAILBOX_RETENTION", c.MailboxRetention); err != nil {
		return Config{}, err
	}
	return c, nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
