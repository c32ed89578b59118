// Package config handles client configuration from an optional TOML file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all client configuration.
type Config struct {
	// Backend
	APIURL    string // REST base URL
	SocketURL string // push channel origin, defaults to the API origin
	Token     string // bearer credential

	// Behavior
	PollInterval      time.Duration // notification re-fetch period
	AlertDuration     time.Duration // how long an alert stays visible
	Audio             bool          // ring the terminal bell on new alerts
	DashboardInterval time.Duration // dashboard auto-refresh, 0 disables
	RequestTimeout    time.Duration // per REST call
	ActionTimeout     time.Duration // per insight/forecast run
	Theme             string        // "dark" or "light"

	// Local status API, empty disables it
	Listen string

	// Logging
	LogLevel string // debug, info, warn, error
	LogFile  string // optional rotating log file
}

// fileConfig mirrors Config in the TOML file. Durations are Go duration
// strings ("30s") or plain seconds.
type fileConfig struct {
	APIURL            string `toml:"api_url"`
	SocketURL         string `toml:"socket_url"`
	Token             string `toml:"token"`
	PollInterval      string `toml:"poll_interval"`
	AlertDuration     string `toml:"alert_duration"`
	Audio             *bool  `toml:"audio"`
	DashboardInterval string `toml:"dashboard_interval"`
	RequestTimeout    string `toml:"request_timeout"`
	ActionTimeout     string `toml:"action_timeout"`
	Theme             string `toml:"theme"`
	Listen            string `toml:"listen"`
	LogLevel          string `toml:"log_level"`
	LogFile           string `toml:"log_file"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:   30 * time.Second,
		AlertDuration:  5 * time.Second,
		Audio:          true,
		RequestTimeout: 30 * time.Second,
		ActionTimeout:  2 * time.Minute,
		Theme:          "dark",
		LogLevel:       "info",
	}
}

// Load builds the configuration: defaults, then the TOML file at path (or
// EPIWATCH_CONFIG when path is empty), then environment variables. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("EPIWATCH_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the TOML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.APIURL, fc.APIURL)
	setString(&c.SocketURL, fc.SocketURL)
	setString(&c.Token, fc.Token)
	setString(&c.Theme, fc.Theme)
	setString(&c.Listen, fc.Listen)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFile, fc.LogFile)
	if fc.Audio != nil {
		c.Audio = *fc.Audio
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"alert_duration", fc.AlertDuration, &c.AlertDuration},
		{"dashboard_interval", fc.DashboardInterval, &c.DashboardInterval},
		{"request_timeout", fc.RequestTimeout, &c.RequestTimeout},
		{"action_timeout", fc.ActionTimeout, &c.ActionTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// ApplyEnv overrides c with EPIWATCH_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.APIURL, os.Getenv("EPIWATCH_API_URL"))
	setString(&c.SocketURL, os.Getenv("EPIWATCH_SOCKET_URL"))
	setString(&c.Token, os.Getenv("EPIWATCH_TOKEN"))
	setString(&c.Theme, os.Getenv("EPIWATCH_THEME"))
	setString(&c.Listen, os.Getenv("EPIWATCH_LISTEN"))
	setString(&c.LogLevel, os.Getenv("EPIWATCH_LOG_LEVEL"))
	setString(&c.LogFile, os.Getenv("EPIWATCH_LOG_FILE"))

	if v := os.Getenv("EPIWATCH_AUDIO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("EPIWATCH_AUDIO must be a boolean")
		}
		c.Audio = b
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"EPIWATCH_POLL_INTERVAL", &c.PollInterval},
		{"EPIWATCH_ALERT_DURATION", &c.AlertDuration},
		{"EPIWATCH_DASHBOARD_INTERVAL", &c.DashboardInterval},
		{"EPIWATCH_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"EPIWATCH_ACTION_TIMEOUT", &c.ActionTimeout},
	}
	for _, d := range durations {
		raw := os.Getenv(d.env)
		if raw == "" {
			continue
		}
		v, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s must be a duration or a number of seconds", d.env)
		}
		*d.dst = v
	}
	return nil
}

// ParseDuration accepts a Go duration string or a plain number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("API URL is required (EPIWATCH_API_URL)")
	}
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("API URL: %w", err)
	}
	if c.SocketURL != "" {
		if err := checkURL(c.SocketURL, "http", "https", "ws", "wss"); err != nil {
			return fmt.Errorf("socket URL: %w", err)
		}
	}
	if c.PollInterval < time.Second {
		return errors.New("poll interval must be at least 1 second")
	}
	if c.AlertDuration <= 0 {
		return errors.New("alert duration must be positive")
	}
	if c.DashboardInterval < 0 {
		return errors.New("dashboard interval must not be negative")
	}
	if c.RequestTimeout <= 0 || c.ActionTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.Theme {
	case "dark", "light":
	default:
		return fmt.Errorf("unknown theme %q", c.Theme)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q: unsupported scheme %q", raw, u.Scheme)
}

// PushURL returns the push channel origin: SocketURL when set, otherwise the
// scheme and host of APIURL.
func (c *Config) PushURL() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return c.APIURL
	}
	return u.Scheme + "://" + u.Host
}
