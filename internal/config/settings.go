package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the ingest process. Hosts bind all interfaces; the store URI
// has no default and must be supplied.
const (
	DefaultGRPCHost        = "[::]:50332"
	DefaultHTTPHost        = "[::]:3000"
	DefaultAdminHost       = "[::]:3001"
	DefaultSessionLockTime = 5 * time.Minute
)

// ErrDBPathEmpty is returned when no store URI is configured.
var ErrDBPathEmpty = errors.New("db_path cannot be empty")

// Config is the full configuration of the ingest process. Values load in
// three layers: defaults, then an optional YAML file, then CLI flags.
type Config struct {
	GRPCHost  string `yaml:"grpc_host"`
	HTTPHost  string `yaml:"http_host"`
	AdminHost string `yaml:"admin_host"`

	// DBPath is the store URI: sqlite://<path> or postgres://<libpq-URI>.
	DBPath string `yaml:"db_path"`

	// PrintMessage is the initial debug-print regex; empty disables it.
	PrintMessage string `yaml:"print_message"`

	// AllowLocal gates file:// artifact reads.
	AllowLocal bool `yaml:"allow_local"`

	// BytestreamOverrides maps artifact hosts to replacement URLs.
	BytestreamOverrides map[string]string `yaml:"bytestream_override"`

	// Retention is the invocation retention window; zero disables sweeping.
	Retention time.Duration `yaml:"retention"`

	SessionLockTime time.Duration `yaml:"session_lock_time"`

	LogLevel string `yaml:"log_level"`

	// NotifyBrokers and NotifyTopic configure the completion notifier;
	// empty brokers disable it.
	NotifyBrokers []string `yaml:"notify_brokers"`
	NotifyTopic   string   `yaml:"notify_topic"`
}

// NewConfig returns a Config carrying the defaults.
func NewConfig() *Config {
	return &Config{
		GRPCHost:            DefaultGRPCHost,
		HTTPHost:            DefaultHTTPHost,
		AdminHost:           DefaultAdminHost,
		SessionLockTime:     DefaultSessionLockTime,
		BytestreamOverrides: map[string]string{},
		LogLevel:            "info",
	}
}

// LoadFile overlays settings from a YAML file onto the config.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return ErrDBPathEmpty
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.SessionLockTime <= 0 {
		return errors.New("session_lock_time must be positive")
	}

	if c.Retention < 0 {
		return errors.New("retention cannot be negative")
	}

	return nil
}

// AddBytestreamOverride records one host=url mapping, as passed on the
// repeatable --bytestream_override flag.
func (c *Config) AddBytestreamOverride(spec string) error {
	host, url, ok := strings.Cut(spec, "=")
	if !ok || host == "" || url == "" {
		return fmt.Errorf("bytestream_override %q: want host=url", spec)
	}

	if c.BytestreamOverrides == nil {
		c.BytestreamOverrides = map[string]string{}
	}

	c.BytestreamOverrides[host] = url

	return nil
}

// Sanitized returns the config as a map safe for the /config endpoint:
// credentials in the store URI are masked.
func (c *Config) Sanitized() map[string]any {
	return map[string]any{
		"grpc_host":           c.GRPCHost,
		"http_host":           c.HTTPHost,
		"admin_host":          c.AdminHost,
		"db_path":             maskURI(c.DBPath),
		"print_message":       c.PrintMessage,
		"allow_local":         c.AllowLocal,
		"bytestream_override": c.BytestreamOverrides,
		"retention":           c.Retention.String(),
		"session_lock_time":   c.SessionLockTime.String(),
		"log_level":           c.LogLevel,
		"notify_brokers":      c.NotifyBrokers,
		"notify_topic":        c.NotifyTopic,
	}
}

// ParseLogLevel maps a level name onto a slog level. Unknown names error so
// the admin log-filter endpoint can reject them.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// maskURI replaces any password in a scheme://user:pw@host URI with "***".
func maskURI(uri string) string {
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return uri
	}

	afterScheme := uri[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return uri
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 || userInfo[colon+1:] == "" {
		return uri
	}

	return uri[:schemeEnd] + "://" + userInfo[:colon] + ":***" + afterScheme[lastAt:]
}
