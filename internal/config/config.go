// Package config loads endpointwatch settings from an optional YAML file and
// the environment. Environment variables override the file, which overrides
// the defaults.
//
// Example file:
//
//	database:
//	  driver: postgres
//	  url: ${DATABASE_URL}
//	monitor:
//	  check_interval: 30s
//	telegram:
//	  enabled: true
//	  bot_token: ${TELEGRAM_BOT_TOKEN}
//	endpoints:
//	  - name: API
//	    url: https://api.example.com/health
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"endpointwatch/internal/urlutil"
)

// Config holds the application's configuration values.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Server    ServerConfig     `yaml:"server"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Ntfy      NtfyConfig       `yaml:"ntfy"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Log       LogConfig        `yaml:"log"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type DatabaseConfig struct {
	// Driver is sqlite, mysql, postgres or memory.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type ServerConfig struct {
	Port          string   `yaml:"port"`
	DashboardURL  string   `yaml:"dashboard_url"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

type MonitorConfig struct {
	// SchedulerEnabled is turned off on API-only replicas so that a single
	// process owns probing and notifying.
	SchedulerEnabled   bool     `yaml:"scheduler_enabled"`
	CheckInterval      Duration `yaml:"check_interval"`
	NotifyEveryMinutes int      `yaml:"notify_every_minutes"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	MaxConcurrency     int      `yaml:"max_concurrency"`
	MaxRedirects       int      `yaml:"max_redirects"`
	ProbeMethod        string   `yaml:"probe_method"`
	HTTPFallback       bool     `yaml:"http_fallback"`
	RemindWhileDown    bool     `yaml:"remind_while_down"`
}

type NtfyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
	Topic   string `yaml:"topic"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	// ChatID is a comma separated list of direct chats.
	ChatID          string          `yaml:"chat_id"`
	MessageThreadID string          `yaml:"message_thread_id"`
	BotUsername     string          `yaml:"bot_username"`
	APIURL          string          `yaml:"api_url"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Group           GroupConfig     `yaml:"group"`
}

type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Timeout ends a listening session; zero means none.
	Timeout Duration `yaml:"timeout"`
	Mode    string   `yaml:"mode"`
}

type GroupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	ChatID   string `yaml:"chat_id"`
	ThreadID string `yaml:"thread_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EndpointConfig is an endpoint seeded at startup.
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Duration wraps time.Duration for YAML. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseSeconds(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// parseSeconds accepts "30" as 30 seconds or any Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a duration like 30s", s)
	}
	return d, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", URL: "endpointwatch.db"},
		Server: ServerConfig{
			Port:          "8080",
			DashboardURL:  "http://localhost:8080",
			ShutdownGrace: Duration(10 * time.Second),
		},
		Monitor: MonitorConfig{
			SchedulerEnabled:   true,
			CheckInterval:      Duration(10 * time.Second),
			NotifyEveryMinutes: 2,
			RequestTimeout:     Duration(5 * time.Second),
			MaxConcurrency:     8,
			MaxRedirects:       5,
			ProbeMethod:        "GET",
			HTTPFallback:       true,
		},
		Ntfy: NtfyConfig{Server: "https://ntfy.sh", Topic: "default_topic"},
		Telegram: TelegramConfig{
			APIURL: "https://api.telegram.org",
			Discovery: DiscoveryConfig{
				Enabled: true,
				Timeout: Duration(600 * time.Second),
				Mode:    "multi",
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it. All problems
// are reported together.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}

	var errs []error
	cfg.applyEnv(&errs)
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads YAML configuration on top of the defaults and validates it.
// The environment is not consulted apart from ${VAR} expansion.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(errs *[]error) {
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)

	c.Server.Port = getEnv("HTTP_PORT", c.Server.Port)
	c.Server.DashboardURL = getEnv("DASHBOARD_URL", c.Server.DashboardURL)
	c.Server.ShutdownGrace = Duration(getEnvDuration("SHUTDOWN_GRACE", c.Server.ShutdownGrace.Duration(), errs))

	m := &c.Monitor
	m.SchedulerEnabled = getEnvBool("SCHEDULER_ENABLED", m.SchedulerEnabled, errs)
	m.CheckInterval = Duration(getEnvDuration("CHECK_INTERVAL", m.CheckInterval.Duration(), errs))
	m.NotifyEveryMinutes = getEnvInt("NOTIFY_EVERY_MINUTES", m.NotifyEveryMinutes, errs)
	m.RequestTimeout = Duration(getEnvDuration("REQUEST_TIMEOUT", m.RequestTimeout.Duration(), errs))
	m.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", m.MaxConcurrency, errs)
	m.MaxRedirects = getEnvInt("MAX_REDIRECTS", m.MaxRedirects, errs)
	m.ProbeMethod = strings.ToUpper(getEnv("PROBE_METHOD", m.ProbeMethod))
	m.HTTPFallback = getEnvBool("PROBE_HTTP_FALLBACK", m.HTTPFallback, errs)
	m.RemindWhileDown = getEnvBool("REMIND_WHILE_DOWN", m.RemindWhileDown, errs)

	c.Ntfy.Enabled = getEnvBool("NTFY_ENABLED", c.Ntfy.Enabled, errs)
	c.Ntfy.Server = getEnv("NTFY_SERVER", c.Ntfy.Server)
	c.Ntfy.Topic = getEnv("NTFY_TOPIC", c.Ntfy.Topic)

	tg := &c.Telegram
	tg.Enabled = getEnvBool("TELEGRAM_ENABLED", tg.Enabled, errs)
	tg.BotToken = getEnv("TELEGRAM_BOT_TOKEN", tg.BotToken)
	tg.ChatID = getEnv("TELEGRAM_CHAT_ID", tg.ChatID)
	tg.MessageThreadID = getEnv("TELEGRAM_MESSAGE_THREAD_ID", tg.MessageThreadID)
	tg.BotUsername = getEnv("TELEGRAM_BOT_USERNAME", tg.BotUsername)
	tg.APIURL = getEnv("TELEGRAM_API_URL", tg.APIURL)
	tg.Discovery.Enabled = getEnvBool("TELEGRAM_DISCOVERY_ENABLED", tg.Discovery.Enabled, errs)
	tg.Discovery.Timeout = Duration(getEnvDuration("TELEGRAM_DISCOVERY_TIMEOUT", tg.Discovery.Timeout.Duration(), errs))
	tg.Discovery.Mode = strings.ToLower(getEnv("TELEGRAM_DISCOVERY_MODE", tg.Discovery.Mode))
	tg.Group.Enabled = getEnvBool("TELEGRAM_GROUP_ENABLED", tg.Group.Enabled, errs)
	tg.Group.ChatID = getEnv("TELEGRAM_GROUP_CHAT_ID", tg.Group.ChatID)
	tg.Group.ThreadID = getEnv("TELEGRAM_GROUP_THREAD_ID", tg.Group.ThreadID)

	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "mysql", "postgres":
		if c.Database.URL == "" {
			add("database.url is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		add("database.driver must be sqlite, mysql, postgres or memory, got %q", c.Database.Driver)
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		add("server.port must be a port number, got %q", c.Server.Port)
	}
	if c.Server.DashboardURL != "" {
		if u, err := url.Parse(c.Server.DashboardURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.dashboard_url must be an absolute URL, got %q", c.Server.DashboardURL)
		}
	}
	if c.Server.ShutdownGrace.Duration() <= 0 {
		add("server.shutdown_grace must be positive")
	}

	m := c.Monitor
	if m.CheckInterval.Duration() < time.Second {
		add("monitor.check_interval must be at least 1s, got %s", m.CheckInterval.Duration())
	}
	if m.NotifyEveryMinutes < 1 {
		add("monitor.notify_every_minutes must be at least 1, got %d", m.NotifyEveryMinutes)
	}
	if m.RequestTimeout.Duration() <= 0 {
		add("monitor.request_timeout must be positive")
	}
	if m.MaxConcurrency < 1 {
		add("monitor.max_concurrency must be at least 1, got %d", m.MaxConcurrency)
	}
	if m.MaxRedirects < 0 {
		add("monitor.max_redirects cannot be negative")
	}
	if m.ProbeMethod != "GET" && m.ProbeMethod != "HEAD" {
		add("monitor.probe_method must be GET or HEAD, got %q", m.ProbeMethod)
	}

	if c.Ntfy.Enabled {
		if u, err := url.Parse(c.Ntfy.Server); err != nil || u.Scheme == "" || u.Host == "" {
			add("ntfy.server must be an absolute URL, got %q", c.Ntfy.Server)
		}
		if strings.TrimSpace(c.Ntfy.Topic) == "" || strings.Contains(c.Ntfy.Topic, "/") {
			add("ntfy.topic must be a single path segment, got %q", c.Ntfy.Topic)
		}
	}

	tg := c.Telegram
	if (tg.Enabled || tg.Group.Enabled) && tg.BotToken == "" {
		add("telegram.bot_token is required when telegram notifications are enabled")
	}
	if _, err := parseThreadID(tg.MessageThreadID); err != nil {
		add("telegram.message_thread_id: %v", err)
	}
	if tg.Group.Enabled && tg.Group.ChatID == "" {
		add("telegram.group.chat_id is required when group notifications are enabled")
	}
	if _, err := parseThreadID(tg.Group.ThreadID); err != nil {
		add("telegram.group.thread_id: %v", err)
	}
	if tg.Discovery.Mode != "single" && tg.Discovery.Mode != "multi" {
		add("telegram.discovery.mode must be single or multi, got %q", tg.Discovery.Mode)
	}
	if tg.Discovery.Timeout.Duration() < 0 {
		add("telegram.discovery.timeout cannot be negative")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		normalized, err := urlutil.Normalize(ep.URL)
		if err != nil {
			add("endpoints[%d]: %v", i, err)
			continue
		}
		ep.URL = normalized
	}

	return errors.Join(errs...)
}

// ChatIDs returns the configured direct chats.
func (c *Config) ChatIDs() []string {
	var ids []string
	for _, id := range strings.Split(c.Telegram.ChatID, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// MessageThreadID returns the thread used for configured direct chats.
func (c *Config) MessageThreadID() int64 {
	id, _ := parseThreadID(c.Telegram.MessageThreadID)
	return id
}

// GroupThreadID returns the forum thread of the configured group.
func (c *Config) GroupThreadID() int64 {
	id, _ := parseThreadID(c.Telegram.Group.ThreadID)
	return id
}

// NotifyEvery returns the default throttle window.
func (m MonitorConfig) NotifyEvery() time.Duration {
	return time.Duration(m.NotifyEveryMinutes) * time.Minute
}

// BotConfigured reports whether a Telegram bot token is set.
func (c *Config) BotConfigured() bool {
	return c.Telegram.BotToken != ""
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseThreadID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("must be an integer, got %q", s)
	}
	return id, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment
// values. An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error
	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		hasDefault := sub[2] != ""

		value, exists := os.LookupEnv(name)
		if !exists {
			if hasDefault {
				return sub[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", name)
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Helper function to get an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

// Helper function to get an environment variable as an integer.
func getEnvInt(key string, fallback int, errs *[]error) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.Atoi(strings.TrimSpace(valueStr))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, valueStr))
			return fallback
		}
		return value
	}
	return fallback
}

// Helper function to get an environment variable as a boolean.
func getEnvBool(key string, fallback bool, errs *[]error) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, valueStr))
			return fallback
		}
		return value
	}
	return fallback
}

// Helper function to get an environment variable as a time.Duration. Bare
// integers are seconds.
func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := parseSeconds(valueStr)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return fallback
		}
		return value
	}
	return fallback
}
