// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chatrelay.
//
// Supports TOML and YAML configuration files, with sensible defaults,
// environment variable overrides, and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatrelay configuration. It is resolved
// once at startup and then passed around by value.
type Config struct {
	// Inference backend
	Backend BackendConfig `toml:"backend" yaml:"backend" json:"backend"`

	// Prompt token budget
	Budget BudgetConfig `toml:"budget" yaml:"budget" json:"budget"`

	// HTTP server
	Server ServerConfig `toml:"server" yaml:"server" json:"server"`

	// Logging
	Log LogConfig `toml:"log" yaml:"log" json:"log"`
}

// BackendConfig describes the OpenAI-compatible inference backend.
type BackendConfig struct {
	// URL is the backend root, e.g. http://gpu-box:8000 (no /v1)
	URL string `toml:"url" yaml:"url" json:"url"`

	// APIKey is sent as a bearer token; empty sends "EMPTY"
	APIKey string `toml:"api_key" yaml:"api_key" json:"api_key"`

	// Model pins the served model; model discovery then skips the backend
	Model string `toml:"model" yaml:"model" json:"model"`

	// ModelsTimeout bounds model discovery and health probes
	ModelsTimeout time.Duration `toml:"models_timeout" yaml:"models_timeout" json:"models_timeout"`
}

// BudgetConfig controls prompt truncation.
type BudgetConfig struct {
	// TokenLimit is the context size the prompt and reply must share
	TokenLimit int `toml:"token_limit" yaml:"token_limit" json:"token_limit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr               string        `toml:"addr" yaml:"addr" json:"addr"`
	MaxRequestDuration time.Duration `toml:"max_request_duration" yaml:"max_request_duration" json:"max_request_duration"`
	MaxBodyBytes       int64         `toml:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`

	// AuthToken, when set, is required as a bearer token on /api routes
	AuthToken string `toml:"auth_token" yaml:"auth_token" json:"auth_token"`

	// AllowedIPs restricts clients to these IPs or CIDRs when non-empty
	AllowedIPs []string `toml:"allowed_ips" yaml:"allowed_ips" json:"allowed_ips"`

	// CORSOrigins lists browser origins allowed to call the API ("*" for any)
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins" json:"cors_origins"`

	// RateLimitRPS is the per-client request rate; 0 disables limiting
	RateLimitRPS   float64 `toml:"rate_limit_rps" yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst" yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// TrustedProxies may set X-Forwarded-For / X-Real-IP
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies" json:"trusted_proxies"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultAddr               = "127.0.0.1:8787"
	DefaultMaxRequestDuration = 900 * time.Second
	DefaultMaxBodyBytes       = 4 << 20
	DefaultModelsTimeout      = 3 * time.Second
	DefaultRateLimitRPS       = 5
	DefaultRateLimitBurst     = 20
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			ModelsTimeout: DefaultModelsTimeout,
		},
		Budget: BudgetConfig{
			TokenLimit: model.DefaultTokenLimit,
		},
		Server: ServerConfig{
			Addr:               DefaultAddr,
			MaxRequestDuration: DefaultMaxRequestDuration,
			MaxBodyBytes:       DefaultMaxBodyBytes,
			RateLimitRPS:       DefaultRateLimitRPS,
			RateLimitBurst:     DefaultRateLimitBurst,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatrelay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// DefaultPath returns the path used when no config file is named.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load resolves the configuration: defaults, then the config file, then
// environment overrides, then validation.
//
// path names the config file. When empty, $CHATRELAY_CONFIG is used, and
// failing that DefaultPath; a missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CHATRELAY_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := LoadFile(cfg, path); err != nil {
				return nil, err
			}
		} else if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes path into cfg, choosing the format by extension.
// Fields missing from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(cfg, path)
	default:
		return LoadTOML(cfg, path)
	}
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// empty document
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode YAML file %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path atomically, owner read/write only. A .yaml or
// .yml path is written as YAML, anything else as TOML.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# chatrelay configuration file\n")
	buf.WriteString("# Environment variables (VLLM_URL, VLLM_API_KEY, VLLM_TOKEN_LIMIT, VLLM_MODEL)\n")
	buf.WriteString("# override the values below.\n\n")

	if err := encode(&buf, cfg, path); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func encode(w io.Writer, cfg *Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	default:
		return toml.NewEncoder(w).Encode(cfg)
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
//	NEXT_PUBLIC_VLLM_URL, VLLM_URL                       backend.url
//	VLLM_API_KEY                                         backend.api_key
//	VLLM_MODEL                                           backend.model
//	NEXT_PUBLIC_VLLM_TOKEN_LIMIT, VLLM_TOKEN_LIMIT       budget.token_limit
//	CHATRELAY_ADDR                                       server.addr
//	CHATRELAY_AUTH_TOKEN                                 server.auth_token
//	CHATRELAY_LOG_LEVEL                                  log.level
//
// Where two variables map to one field, the later one wins.
func (c *Config) ApplyEnvOverrides() error {
	for _, name := range []string{"NEXT_PUBLIC_VLLM_URL", "VLLM_URL"} {
		if v := os.Getenv(name); v != "" {
			c.Backend.URL = v
		}
	}

	if v := os.Getenv("VLLM_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}

	if v := os.Getenv("VLLM_MODEL"); v != "" {
		c.Backend.Model = v
	}

	for _, name := range []string{"NEXT_PUBLIC_VLLM_TOKEN_LIMIT", "VLLM_TOKEN_LIMIT"} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", name, v)
			}
			c.Budget.TokenLimit = n
		}
	}

	if v := os.Getenv("CHATRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("CHATRELAY_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}

	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// SetDefaults fills zero values with defaults and normalizes fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	c.Backend.URL = strings.TrimSuffix(strings.TrimSpace(c.Backend.URL), "/")
	c.Backend.Model = strings.TrimSpace(c.Backend.Model)
	if c.Backend.ModelsTimeout == 0 {
		c.Backend.ModelsTimeout = defaults.Backend.ModelsTimeout
	}

	if c.Budget.TokenLimit == 0 {
		c.Budget.TokenLimit = defaults.Budget.TokenLimit
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.MaxRequestDuration == 0 {
		c.Server.MaxRequestDuration = defaults.Server.MaxRequestDuration
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
//
// A missing backend URL is allowed here; chat requests report it as a
// configuration error instead so the server can still start.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{Field: "backend.url", Message: err.Error()})
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, ValidationError{Field: "backend.url", Message: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)})
		case u.Host == "":
			errs = append(errs, ValidationError{Field: "backend.url", Message: "missing host"})
		}
	}
	if c.Backend.ModelsTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "backend.models_timeout", Message: "must be positive"})
	}

	if c.Budget.TokenLimit <= model.ReservedResponseTokens {
		errs = append(errs, ValidationError{
			Field:   "budget.token_limit",
			Message: fmt.Sprintf("must exceed the %d tokens reserved for the response, got %d", model.ReservedResponseTokens, c.Budget.TokenLimit),
		})
	}

	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Message: "must not be empty"})
	}
	if c.Server.MaxRequestDuration <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_request_duration", Message: "must be positive"})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must be positive"})
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_rps", Message: "must not be negative"})
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_burst", Message: "must be at least 1 when rate limiting is enabled"})
	}
	for _, entry := range c.Server.AllowedIPs {
		if !validIPOrCIDR(entry) {
			errs = append(errs, ValidationError{Field: "server.allowed_ips", Message: fmt.Sprintf("invalid IP or CIDR %q", entry)})
		}
	}
	for _, entry := range c.Server.TrustedProxies {
		if !validIPOrCIDR(entry) {
			errs = append(errs, ValidationError{Field: "server.trusted_proxies", Message: fmt.Sprintf("invalid IP or CIDR %q", entry)})
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, ValidationError{Field: "log.level", Message: err.Error()})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, ValidationError{Field: "log.format", Message: fmt.Sprintf("must be text or json, got %q", c.Log.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validIPOrCIDR(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// TokenBudget returns the configured prompt budget.
func (c Config) TokenBudget() model.TokenBudget {
	return model.NewTokenBudget(c.Budget.TokenLimit)
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	level, err := parseLevel(c.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q, must be one of: debug, info, warn, error", s)
	}
}

// Redacted returns a copy with secrets masked, safe to print or log.
func (c Config) Redacted() Config {
	safe := c
	if safe.Backend.APIKey != "" {
		safe.Backend.APIKey = "[REDACTED]"
	}
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}
	safe.Server.AllowedIPs = append([]string(nil), c.Server.AllowedIPs...)
	safe.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	safe.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	return safe
}

// String returns the redacted configuration as JSON for debugging.
func (c Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
