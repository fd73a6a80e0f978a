// Package config loads forumchat settings.
//
// Sources, later ones winning:
//   - built-in defaults
//   - a TOML file (path given on the command line, optional)
//   - a .env file in the working directory (optional)
//   - FORUMCHAT_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Broker BrokerConfig `toml:"broker"`
	Client ClientConfig `toml:"client"`
	Log    LogConfig    `toml:"log"`
}

type BrokerConfig struct {
	// Listen is the address the broker binds, e.g. "127.0.0.1:3000".
	Listen string `toml:"listen"`
	// DBPath is the SQLite file holding profiles and confirmed messages.
	DBPath string `toml:"db_path"`
	// RateLimit is the number of inbound events per second allowed per connection.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
	// SendBuffer is the outbound queue size of each connection.
	SendBuffer int  `toml:"send_buffer"`
	Metrics    bool `toml:"metrics"`
	// Users are upserted into the profile table on start.
	Users []UserSeed `toml:"users"`
}

type UserSeed struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Image string `toml:"image"`
}

type ClientConfig struct {
	// BrokerURL is the http(s) base of the broker; the websocket URL is derived from it.
	BrokerURL string `toml:"broker_url"`
	UserID    string `toml:"user_id"`
	// AckTimeoutMs is the delivery deadline of a sent message.
	AckTimeoutMs int  `toml:"ack_timeout_ms"`
	ReadReceipts bool `toml:"read_receipts"`
	// RequestTimeoutMs bounds profile and history fetches.
	RequestTimeoutMs int `toml:"request_timeout_ms"`
	// SendBuffer is the outbound queue of the client's broker connection.
	SendBuffer int `toml:"send_buffer"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration usable for a local broker and client.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Listen:     "127.0.0.1:3000",
			DBPath:     "forumchat.db",
			RateLimit:  5,
			RateBurst:  10,
			SendBuffer: 16,
			Metrics:    true,
		},
		Client: ClientConfig{
			BrokerURL:        "http://127.0.0.1:3000",
			AckTimeoutMs:     10000,
			ReadReceipts:     true,
			RequestTimeoutMs: 5000,
			SendBuffer:       16,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty or missing), the .env file and the
// environment on top of Default, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Broker.Listen = getEnv("FORUMCHAT_LISTEN", c.Broker.Listen)
	c.Broker.DBPath = getEnv("FORUMCHAT_DB_PATH", c.Broker.DBPath)
	c.Broker.RateLimit = getEnvFloat("FORUMCHAT_RATE_LIMIT", c.Broker.RateLimit)
	c.Broker.RateBurst = getEnvInt("FORUMCHAT_RATE_BURST", c.Broker.RateBurst)
	c.Broker.Metrics = getEnvBool("FORUMCHAT_METRICS", c.Broker.Metrics)

	c.Client.BrokerURL = getEnv("FORUMCHAT_BROKER_URL", c.Client.BrokerURL)
	c.Client.UserID = getEnv("FORUMCHAT_USER_ID", c.Client.UserID)
	c.Client.AckTimeoutMs = getEnvInt("FORUMCHAT_ACK_TIMEOUT_MS", c.Client.AckTimeoutMs)
	c.Client.ReadReceipts = getEnvBool("FORUMCHAT_READ_RECEIPTS", c.Client.ReadReceipts)
	c.Client.SendBuffer = getEnvInt("FORUMCHAT_CLIENT_SEND_BUFFER", c.Client.SendBuffer)

	c.Log.Level = getEnv("FORUMCHAT_LOG_LEVEL", c.Log.Level)
}

// Validate rejects settings the broker or client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Broker.Listen) == "" {
		return errors.New("broker.listen is required")
	}
	if c.Broker.RateLimit <= 0 || c.Broker.RateBurst <= 0 {
		return errors.New("broker.rate_limit and broker.rate_burst must be positive")
	}
	if c.Broker.SendBuffer <= 0 {
		return errors.New("broker.send_buffer must be positive")
	}
	if !strings.HasPrefix(c.Client.BrokerURL, "http://") && !strings.HasPrefix(c.Client.BrokerURL, "https://") {
		return fmt.Errorf("client.broker_url must be http(s), got %q", c.Client.BrokerURL)
	}
	if c.Client.AckTimeoutMs <= 0 {
		return errors.New("client.ack_timeout_ms must be positive")
	}
	if c.Client.SendBuffer <= 0 {
		return errors.New("client.send_buffer must be positive")
	}
	for i, u := range c.Broker.Users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("broker.users[%d]: id is required", i)
		}
	}
	return nil
}

func (c ClientConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

func (c ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
