// Package config loads zapd runtime settings from flags and ZAPD_*
// environment variables.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for zapd.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir         string
	HTTPPort        int
	TLSCert         string
	TLSKey          string
	LogLevel        string
	LogFormat       string // "text" or "json"
	JWTSecret       string // hex-encoded 32-byte HMAC key for admin tokens
	AdminPassword   string // bootstraps the "admin" operator on an empty store
	RTPAddr         string // local IP the rtp driver binds channels to
	RTPPortMin      int
	RTPPortMax      int
	DefaultToneMap  string // tone map for spans that name none
	EventPollMs     int    // span event loop poll timeout
	MaxChannelsSpan int
}

const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultRTPAddr         = "127.0.0.1"
	defaultRTPPortMin      = 16000
	defaultRTPPortMax      = 16998
	defaultToneMap         = "us"
	defaultEventPollMs     = 100
	defaultMaxChannelsSpan = 513
)

// MaxChannelsLimit is the largest span capacity accepted.
const MaxChannelsLimit = 513

// envPrefix is the prefix for all zapd environment variables.
const envPrefix = "ZAPD_"

// Load parses os.Args.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses args as command line flags, applies environment overrides
// for flags not given, and validates the result.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("zapd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the span and tone map store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin HTTP listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin tokens (stored in the database if empty)")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "password for the admin operator created on first start")
	fs.StringVar(&cfg.RTPAddr, "rtp-addr", defaultRTPAddr, "local IP address for rtp channels")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "lowest UDP port for rtp channels")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "highest UDP port for rtp channels")
	fs.StringVar(&cfg.DefaultToneMap, "default-tonemap", defaultToneMap, "tone map loaded by spans that name none")
	fs.IntVar(&cfg.EventPollMs, "event-poll-timeout", defaultEventPollMs, "span event poll timeout in milliseconds")
	fs.IntVar(&cfg.MaxChannelsSpan, "max-channels-span", defaultMaxChannelsSpan, "channel capacity of each span")

	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnvName returns the environment variable that overrides flag name.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, through the flag's own parser.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("%s: %w", EnvName(f.Name), serr)
		}
	})
	return err
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP takes the even port, RTCP the odd one above it.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.EventPollMs <= 0 {
		return fmt.Errorf("event-poll-timeout must be positive, got %d", c.EventPollMs)
	}
	if c.MaxChannelsSpan < 1 || c.MaxChannelsSpan > MaxChannelsLimit {
		return fmt.Errorf("max-channels-span must be between 1 and %d, got %d", MaxChannelsLimit, c.MaxChannelsSpan)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.JWTSecret != "" {
		if _, err := c.JWTSecretBytes(); err != nil {
			return err
		}
	}
	return nil
}

// TLSEnabled reports whether the admin API serves HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// EventPollTimeout is EventPollMs as a duration.
func (c *Config) EventPollTimeout() time.Duration {
	return time.Duration(c.EventPollMs) * time.Millisecond
}

// JWTSecretBytes decodes the configured admin token key. It returns nil
// without error when none is configured.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// RTPOptions renders the rtp driver settings as its Configure map.
func (c *Config) RTPOptions() map[string]string {
	return map[string]string{
		"addr":     c.RTPAddr,
		"port-min": strconv.Itoa(c.RTPPortMin),
		"port-max": strconv.Itoa(c.RTPPortMax),
	}
}

// SlogHandler returns a handler writing to w in the configured format at the
// configured level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level for the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
