// Package config loads ~/.chatsync/config.toml and applies CHATSYNC_*
// environment overrides, optionally read from a .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Server configures chatsyncd.
type Server struct {
	Listen        string   `toml:"listen"`
	DataDir       string   `toml:"data_dir"`
	RedisURL      string   `toml:"redis_url"`
	CachePrefix   string   `toml:"cache_prefix"`
	SweepInterval Duration `toml:"sweep_interval"`
	StaleGrace    Duration `toml:"stale_grace"`
	ListTTL       Duration `toml:"list_ttl"`
	DetailTTL     Duration `toml:"detail_ttl"`
	StatsTTL      Duration `toml:"stats_ttl"`
	CORSOrigins   []string `toml:"cors_origins"`
	RateLimit     float64  `toml:"rate_limit"`
	RateBurst     int      `toml:"rate_burst"`
}

// Client configures chatctl and the client session.
type Client struct {
	APIURL         string   `toml:"api_url"`
	PushURL        string   `toml:"push_url"`
	UserID         string   `toml:"user_id"`
	BatchWindow    Duration `toml:"batch_window"`
	StaleGrace     Duration `toml:"stale_grace"`
	AckTimeout     Duration `toml:"ack_timeout"`
	TypingWindow   Duration `toml:"typing_window"`
	TypingIdle     Duration `toml:"typing_idle"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Client         Client `toml:"client"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:        ":8080",
			CachePrefix:   "chatsync:",
			SweepInterval: Duration{5 * time.Minute},
			StaleGrace:    Duration{10 * time.Minute},
			ListTTL:       Duration{5 * time.Minute},
			DetailTTL:     Duration{10 * time.Minute},
			StatsTTL:      Duration{30 * time.Minute},
			CORSOrigins:   []string{"*"},
			RateLimit:     20,
			RateBurst:     40,
		},
		Client: Client{
			APIURL:         "http://localhost:8080",
			PushURL:        "ws://localhost:8080/ws",
			BatchWindow:    Duration{25 * time.Millisecond},
			StaleGrace:     Duration{time.Hour},
			AckTimeout:     Duration{30 * time.Second},
			TypingWindow:   Duration{5 * time.Second},
			TypingIdle:     Duration{3 * time.Second},
			ReconnectDelay: Duration{2 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFiles (missing files are skipped) into the process
// environment and then overlays CHATSYNC_* variables onto cfg.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("CHATSYNC_LISTEN", &cfg.Server.Listen)
	str("CHATSYNC_DATA_DIR", &cfg.Server.DataDir)
	str("CHATSYNC_REDIS_URL", &cfg.Server.RedisURL)
	str("CHATSYNC_CACHE_PREFIX", &cfg.Server.CachePrefix)
	str("CHATSYNC_API_URL", &cfg.Client.APIURL)
	str("CHATSYNC_PUSH_URL", &cfg.Client.PushURL)
	str("CHATSYNC_USER", &cfg.Client.UserID)

	if v := os.Getenv("CHATSYNC_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("CHATSYNC_RATE_LIMIT"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.New("CHATSYNC_RATE_LIMIT: " + err.Error())
		}
		cfg.Server.RateLimit = n
	}
	if v := os.Getenv("CHATSYNC_ACK_TIMEOUT"); v != "" {
		if err := cfg.Client.AckTimeout.UnmarshalText([]byte(v)); err != nil {
			return errors.New("CHATSYNC_ACK_TIMEOUT: " + err.Error())
		}
	}
	return nil
}
