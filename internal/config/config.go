// Package config provides YAML-based configuration loading for the relay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/schedule"
)

// DefaultPlatformURL is the platform relay endpoint used when none is set.
const DefaultPlatformURL = "https://api.developers.remake.ai"

// Mode selects the robot backend.
type Mode string

const (
	ModePlatform   Mode = "platform"
	ModeLocal      Mode = "local"
	ModeStandalone Mode = "standalone"
)

// Config is the top-level relay configuration, loaded from relay.yaml.
type Config struct {
	ListenPort int             `yaml:"listen_port"`
	StaticDir  string          `yaml:"static_dir"`
	Log        LogConfig       `yaml:"log"`
	Session    SessionConfig   `yaml:"session"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	Local      LocalConfig     `yaml:"local"`
	Limits     LimitsConfig    `yaml:"limits"`
	Heartbeat  HeartbeatConfig `yaml:"heartbeat"`
	Journal    JournalConfig   `yaml:"journal"`
	Alerts     AlertsConfig    `yaml:"alerts"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SessionConfig identifies the robot session on the platform.
type SessionConfig struct {
	ID          string `yaml:"id"`
	Token       string `yaml:"token"`
	PlatformURL string `yaml:"platform_url"`
}

// UpstreamConfig tunes the platform link.
type UpstreamConfig struct {
	ConfirmTimeoutSec    float64 `yaml:"confirm_timeout_sec"`
	ReconnectDelaySec    float64 `yaml:"reconnect_delay_sec"`
	ReconnectDelayMaxSec float64 `yaml:"reconnect_delay_max_sec"`
	ReconnectAttempts    int     `yaml:"reconnect_attempts"`
}

// LocalConfig enables the local middleware bridge.
type LocalConfig struct {
	Enabled        bool `yaml:"enabled"`
	PoseIntervalMs int  `yaml:"pose_interval_ms"`
}

// LimitsConfig bounds browser command rates per connection.
type LimitsConfig struct {
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
}

// HeartbeatConfig schedules the periodic status broadcast.
type HeartbeatConfig struct {
	Cron string `yaml:"cron"`
}

// JournalConfig holds the link journal database settings.
type JournalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	RetentionHours int    `yaml:"retention_hours"`
	PruneCron      string `yaml:"prune_cron"`
}

// AlertsConfig configures operator notifications. A destination is enabled
// when both its token and channel are set.
type AlertsConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig is a bot token and the channel to post to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// Load reads a YAML config file from path, applies environment overrides and
// returns a validated Config. A missing file is not an error when allowMissing
// is set; defaults and the environment are used instead.
func Load(path string, allowMissing bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !(allowMissing && errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = nil
	}
	return parse(data, os.LookupEnv)
}

// Parse unmarshals YAML bytes into a validated Config. The environment is
// not consulted.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) (string, bool) { return "", false })
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with SESSION_ID, SESSION_TOKEN,
// PLATFORM_URL, PORT and LOG_LEVEL when set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SESSION_ID"); ok && v != "" {
		c.Session.ID = v
	}
	if v, ok := lookup("SESSION_TOKEN"); ok && v != "" {
		c.Session.Token = v
	}
	if v, ok := lookup("PLATFORM_URL"); ok && v != "" {
		c.Session.PlatformURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q is not a number", v)
		}
		c.ListenPort = port
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Session.PlatformURL == "" {
		c.Session.PlatformURL = DefaultPlatformURL
	}
	c.Session.PlatformURL = strings.TrimRight(c.Session.PlatformURL, "/")
	if c.Upstream.ConfirmTimeoutSec == 0 {
		c.Upstream.ConfirmTimeoutSec = 10
	}
	if c.Upstream.ReconnectDelaySec == 0 {
		c.Upstream.ReconnectDelaySec = 1
	}
	if c.Upstream.ReconnectDelayMaxSec == 0 {
		c.Upstream.ReconnectDelayMaxSec = 5
	}
	if c.Upstream.ReconnectAttempts == 0 {
		c.Upstream.ReconnectAttempts = 5
	}
	if c.Local.PoseIntervalMs == 0 {
		c.Local.PoseIntervalMs = 500
	}
	if c.Heartbeat.Cron == "" {
		c.Heartbeat.Cron = "@every 15s"
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.DSN == "" && c.Journal.Driver == "sqlite" {
		c.Journal.DSN = "relay-journal.db"
	}
	if c.Journal.RetentionHours == 0 {
		c.Journal.RetentionHours = 168
	}
	if c.Journal.PruneCron == "" {
		c.Journal.PruneCron = "@hourly"
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("listen_port %d out of range", c.ListenPort))
	}
	if (c.Session.ID == "") != (c.Session.Token == "") {
		errs = append(errs, "session.id and session.token must be set together")
	}
	if u, err := url.Parse(c.Session.PlatformURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("session.platform_url %q must be an http(s) URL", c.Session.PlatformURL))
	}
	if c.Upstream.ConfirmTimeoutSec < 0 {
		errs = append(errs, "upstream.confirm_timeout_sec must be positive")
	}
	if c.Upstream.ReconnectDelaySec < 0 || c.Upstream.ReconnectDelayMaxSec < 0 {
		errs = append(errs, "upstream reconnect delays must be positive")
	}
	if c.Upstream.ReconnectDelayMaxSec < c.Upstream.ReconnectDelaySec {
		errs = append(errs, "upstream.reconnect_delay_max_sec must not be below reconnect_delay_sec")
	}
	if c.Local.PoseIntervalMs < 0 {
		errs = append(errs, "local.pose_interval_ms must be positive")
	}
	if c.Limits.CommandsPerSecond < 0 || c.Limits.Burst < 0 {
		errs = append(errs, "limits must not be negative")
	}
	if err := schedule.Validate(c.Heartbeat.Cron); err != nil {
		errs = append(errs, fmt.Sprintf("heartbeat.cron %q: %v", c.Heartbeat.Cron, err))
	}
	if c.Journal.Driver != "sqlite" && c.Journal.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("journal.driver %q must be sqlite or mysql", c.Journal.Driver))
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		errs = append(errs, "journal.dsn is required")
	}
	if c.Journal.RetentionHours < 0 {
		errs = append(errs, "journal.retention_hours must be positive")
	}
	if err := schedule.Validate(c.Journal.PruneCron); err != nil {
		errs = append(errs, fmt.Sprintf("journal.prune_cron %q: %v", c.Journal.PruneCron, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Mode reports which backend the configuration selects: platform when
// session credentials are present, local when the bridge is enabled,
// standalone otherwise.
func (c *Config) Mode() Mode {
	switch {
	case c.Session.ID != "" && c.Session.Token != "":
		return ModePlatform
	case c.Local.Enabled:
		return ModeLocal
	}
	return ModeStandalone
}

// ConfirmTimeout returns the upstream confirm timeout.
func (c *Config) ConfirmTimeout() time.Duration { return seconds(c.Upstream.ConfirmTimeoutSec) }

// ReconnectDelay returns the first reconnect delay.
func (c *Config) ReconnectDelay() time.Duration { return seconds(c.Upstream.ReconnectDelaySec) }

// ReconnectDelayMax returns the reconnect delay cap.
func (c *Config) ReconnectDelayMax() time.Duration { return seconds(c.Upstream.ReconnectDelayMaxSec) }

// PoseInterval returns the local bridge odometry polling interval.
func (c *Config) PoseInterval() time.Duration {
	return time.Duration(c.Local.PoseIntervalMs) * time.Millisecond
}

// Retention returns how long journal events are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Journal.RetentionHours) * time.Hour
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
