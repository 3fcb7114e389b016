// Package config loads service settings from defaults, an optional TOML file
// and HEALTHMATE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"healthmate/internal/push"
	"healthmate/internal/ws"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "HEALTHMATE_"

type Config struct {
	DBFile            string        `koanf:"db_file"`
	AdminAddr         string        `koanf:"admin_addr"`
	APIAddr           string        `koanf:"api_addr"`
	BaseURL           string        `koanf:"base_url"`
	LogLevel          string        `koanf:"log_level"`
	TokenExpiry       time.Duration `koanf:"token_expiry"`
	DeliveredAckDelay time.Duration `koanf:"delivered_ack_delay"`

	WS   ws.ServerConfig `koanf:"ws"`
	Push push.Config     `koanf:"push"`
}

func defaults() map[string]any {
	return map[string]any{
		"db_file":             "healthmate.db",
		"admin_addr":          "localhost:8081",
		"api_addr":            ":8080",
		"base_url":            "http://localhost:8080",
		"log_level":           "info",
		"token_expiry":        "24h",
		"delivered_ack_delay": "500ms",
		"ws.send_queue_size":  64,
		"ws.rate_events":      20.0,
		"ws.rate_burst":       40,
		"push.subject":        "mailto:admin@localhost",
		"push.ttl":            "24h",
	}
}

// sections are the nested tables; their env names use the first underscore
// as the separator (HEALTHMATE_WS_RATE_BURST is ws.rate_burst).
var sections = []string{"ws", "push"}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// Load reads the configuration. A missing file at path is an error; an empty
// path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DBFile == "" {
		errs = append(errs, errors.New("db_file is required"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api_addr is required"))
	}
	if c.AdminAddr == "" {
		errs = append(errs, errors.New("admin_addr is required"))
	}
	if c.TokenExpiry <= 0 {
		errs = append(errs, errors.New("token_expiry must be greater than 0"))
	}
	if c.DeliveredAckDelay < 0 {
		errs = append(errs, errors.New("delivered_ack_delay must not be negative"))
	}
	if c.WS.SendQueueSize <= 0 {
		errs = append(errs, errors.New("ws.send_queue_size must be greater than 0"))
	}
	if c.WS.RateEvents <= 0 || c.WS.RateBurst <= 0 {
		errs = append(errs, errors.New("ws.rate_events and ws.rate_burst must be greater than 0"))
	}
	if (c.Push.PublicKey == "") != (c.Push.PrivateKey == "") {
		errs = append(errs, errors.New("push.public_key and push.private_key must be set together"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel (debug, info, warn, error).
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
