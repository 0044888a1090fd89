// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 disables; SSE and wait requests stay open.

	// Tracker settings.
	DefaultTimeout  time.Duration // Deadline for ordinary operations.
	ManagerTimeout  time.Duration // Deadline for manager lifecycle operations.
	RetentionCount  int           // In-memory execution records kept by cleanup.
	CleanupInterval time.Duration

	// Dispatch settings.
	Agents              map[string]string // Agent name -> base URL, from "name=url,name=url".
	CallbackURL         string            // Hub URL agents report back to.
	DispatchConcurrency int
	DispatchRetries     int
	DispatchTimeout     time.Duration // Per-request timeout for agent calls.

	// Archive settings. Empty disables the archive; "sqlite:<path>" or a
	// postgres:// URL selects the backend.
	ArchiveURL        string
	ArchiveBufferSize int

	// Rate limiting for agent callbacks.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint       string
	ServiceName        string
	OTELInsecure       bool
	OTELMetricInterval time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.intVar("KANSHI_PORT", 8080),
		ReadTimeout:         l.durationVar("KANSHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.durationVar("KANSHI_WRITE_TIMEOUT", 0),
		DefaultTimeout:      l.durationVar("KANSHI_DEFAULT_TIMEOUT", 30*time.Second),
		ManagerTimeout:      l.durationVar("KANSHI_MANAGER_TIMEOUT", 30*time.Second),
		RetentionCount:      l.intVar("KANSHI_RETENTION_COUNT", 1000),
		CleanupInterval:     l.durationVar("KANSHI_CLEANUP_INTERVAL", 60*time.Second),
		Agents:              l.agentsVar("KANSHI_AGENTS", "KANSHI_AGENTS_FILE"),
		CallbackURL:         envStr("KANSHI_CALLBACK_URL", "http://localhost:8080"),
		DispatchConcurrency: l.intVar("KANSHI_DISPATCH_CONCURRENCY", 8),
		DispatchRetries:     l.intVar("KANSHI_DISPATCH_RETRIES", 3),
		DispatchTimeout:     l.durationVar("KANSHI_DISPATCH_TIMEOUT", 10*time.Second),
		ArchiveURL:          envStr("KANSHI_ARCHIVE_URL", ""),
		ArchiveBufferSize:   l.intVar("KANSHI_ARCHIVE_BUFFER_SIZE", 1024),
		RateLimitEnabled:    l.boolVar("KANSHI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        l.floatVar("KANSHI_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      l.intVar("KANSHI_RATE_LIMIT_BURST", 100),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kanshi"),
		OTELInsecure:        l.boolVar("KANSHI_OTEL_INSECURE", false),
		OTELMetricInterval:  l.durationVar("KANSHI_OTEL_METRIC_INTERVAL", 15*time.Second),
		LogLevel:            envStr("KANSHI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(l.intVar("KANSHI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		ShutdownTimeout:     l.durationVar("KANSHI_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if err := l.err(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: KANSHI_PORT must be between 1 and 65535"))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_DEFAULT_TIMEOUT must be positive"))
	}
	if c.ManagerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_MANAGER_TIMEOUT must be positive"))
	}
	if c.RetentionCount <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_RETENTION_COUNT must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_CLEANUP_INTERVAL must be positive"))
	}
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_DISPATCH_CONCURRENCY must be positive"))
	}
	if c.DispatchRetries < 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_DISPATCH_RETRIES must not be negative"))
	}
	if c.ArchiveURL != "" && !strings.HasPrefix(c.ArchiveURL, "sqlite:") &&
		!strings.HasPrefix(c.ArchiveURL, "postgres://") && !strings.HasPrefix(c.ArchiveURL, "postgresql://") {
		errs = append(errs, fmt.Errorf("config: KANSHI_ARCHIVE_URL must start with sqlite: or postgres://"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSHI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// AgentNames returns the configured agent names in sorted order.
func (c Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loader accumulates parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func (l *loader) err() error { return errors.Join(l.errs...) }

func (l *loader) intVar(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) floatVar(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) boolVar(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) durationVar(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

// agentsVar merges the inline agent list with the agents file, if any.
// An agent defined in both is an error.
func (l *loader) agentsVar(key, fileKey string) map[string]string {
	agents, err := parseAgents(key, os.Getenv(key))
	if err != nil {
		l.errs = append(l.errs, err)
	}
	if path := os.Getenv(fileKey); path != "" {
		if err := loadAgentsFile(fileKey, path, agents); err != nil {
			l.errs = append(l.errs, err)
		}
	}
	return agents
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// parseAgents parses "name=url,name=url". Names must be unique and URLs
// absolute http(s) URLs.
func parseAgents(key, raw string) (map[string]string, error) {
	agents := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return agents, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(pair, "=")
		if !ok {
			return agents, fmt.Errorf("%s: entry %q must be name=url", key, pair)
		}
		if err := addAgent(key, agents, name, rawURL); err != nil {
			return agents, err
		}
	}
	return agents, nil
}

// agentsFile is the YAML layout of KANSHI_AGENTS_FILE:
//
//	agents:
//	  web-1: http://10.0.0.1:9000
//	  db-1: https://db.internal
type agentsFile struct {
	Agents map[string]string `yaml:"agents"`
}

func loadAgentsFile(key, path string, agents map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%s: parse %s: %w", key, path, err)
	}
	names := make([]string, 0, len(f.Agents))
	for name := range f.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := addAgent(key, agents, name, f.Agents[name]); err != nil {
			return err
		}
	}
	return nil
}

func addAgent(key string, agents map[string]string, name, rawURL string) error {
	name, rawURL = strings.TrimSpace(name), strings.TrimSpace(rawURL)
	if name == "" || rawURL == "" {
		return fmt.Errorf("%s: entry %q must be name=url", key, name+"="+rawURL)
	}
	if name == "all" {
		return fmt.Errorf("%s: agent name %q is reserved", key, name)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: agent %q has invalid url %q", key, name, rawURL)
	}
	if _, dup := agents[name]; dup {
		return fmt.Errorf("%s: agent %q listed twice", key, name)
	}
	agents[name] = strings.TrimRight(rawURL, "/")
	return nil
}
