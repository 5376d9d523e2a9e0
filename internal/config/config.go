// Package config loads relay and client settings from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronologos/huddle/internal/attachment"
	"github.com/chronologos/huddle/internal/telemetry"
)

const (
	DefaultListen    = ":5000"
	DefaultUsersFile = "users.json"
)

// Config is the on-disk configuration. Empty listen addresses disable
// the corresponding listener, except Listen which always has a value.
type Config struct {
	Listen     string     `yaml:"listen"`
	QUICListen string     `yaml:"quic_listen"`
	HTTPListen string     `yaml:"http_listen"`
	UsersFile  string     `yaml:"users_file"`
	Log        LogConfig        `yaml:"log"`
	Relay      RelayConfig      `yaml:"relay"`
	Tracing    telemetry.Config `yaml:"tracing"`
	Sink       SinkConfig       `yaml:"sink"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RelayConfig tunes per-session delivery. Zero values use the session
// package defaults.
type RelayConfig struct {
	QueueLen     int           `yaml:"queue_len"`     // frames buffered per peer
	FlushTimeout time.Duration `yaml:"flush_timeout"` // e.g. "1s"
}

// SinkConfig selects where `huddle connect` stores received attachments.
// S3 wins when set.
type SinkConfig struct {
	Dir string               `yaml:"dir"`
	S3  *attachment.S3Config `yaml:"s3"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:    DefaultListen,
		UsersFile: DefaultUsersFile,
		Log:       LogConfig{Level: "info", Format: "text"},
		Sink:      SinkConfig{Dir: "."},
	}
}

// Load reads path over the defaults. An empty path returns Default().
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that yaml decoding cannot.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen must not be empty")
	}
	if c.UsersFile == "" {
		return errors.New("users_file must not be empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	if c.Relay.QueueLen < 0 {
		return errors.New("relay.queue_len must not be negative")
	}
	if c.Relay.FlushTimeout < 0 {
		return errors.New("relay.flush_timeout must not be negative")
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if s3 := c.Sink.S3; s3 != nil && s3.Bucket == "" {
		return errors.New("sink.s3.bucket must not be empty")
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger builds a logger writing to w in the configured format.
func NewLogger(w io.Writer, lc LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", lc.Format)
	}
	return slog.New(h), nil
}
