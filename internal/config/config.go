package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvConfigPath     = "CHATRELAY_CONFIG"
	EnvUpstreamAPIKey = "CHATRELAY_UPSTREAM_API_KEY"
	EnvJWTSecret      = "CHATRELAY_JWT_SECRET"
	EnvMediaKey       = "CHATRELAY_MEDIA_SIGNING_KEY"
)

type Config struct {
	Gateway           GatewayConfig         `yaml:"gateway"`
	Upstream          UpstreamConfig        `yaml:"upstream"`
	FallbackUpstreams []UpstreamConfig      `yaml:"fallbackUpstreams"`
	Models            ModelsConfig          `yaml:"models"`
	Guest             GuestConfig           `yaml:"guest"`
	Plans             map[string]PlanConfig `yaml:"plans"`
	Auth              AuthConfig            `yaml:"auth"`
	Media             MediaConfig           `yaml:"media"`
	Store             StoreConfig           `yaml:"store"`
	Log               LogConfig             `yaml:"log"`
	Metrics           MetricsConfig         `yaml:"metrics"`
	SystemPrompt      string                `yaml:"systemPrompt"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Metrics endpoint path (default: /metrics)
}

type GatewayConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
}

// UpstreamConfig describes one OpenAI-compatible completion endpoint
type UpstreamConfig struct {
	Name           string  `yaml:"name"`
	BaseURL        string  `yaml:"baseURL"`
	APIKey         string  `yaml:"apiKey"`
	TimeoutSeconds int     `yaml:"timeoutSeconds"` // bounds the wait for headers and for each stream read
	Temperature    float64 `yaml:"temperature"`
}

// ModelsConfig maps request selectors to upstream models
type ModelsConfig struct {
	General   string   `yaml:"general"`   // unmetered general-purpose model
	Fallback  string   `yaml:"fallback"`  // forced for guests and expert profiles
	Available []string `yaml:"available"` // metered models clients may select by name
	Expert    []string `yaml:"expert"`    // categories served as restricted expert profiles
}

type GuestConfig struct {
	DailyLimit   int    `yaml:"dailyLimit"`   // per IP per local day, clamped to [1,100] (default: 10)
	Header       string `yaml:"header"`       // explicit guest-mode header (default: X-Guest-Mode)
	IDHeader     string `yaml:"idHeader"`     // guest id header (default: X-Guest-Id)
	ContextTurns int    `yaml:"contextTurns"` // history turns forwarded for guests (default: 10)
}

// PlanConfig holds the allowances of one plan tier
type PlanConfig struct {
	MonthlyImages int `yaml:"monthlyImages"`
	MonthlyVideos int `yaml:"monthlyVideos"`
	MonthlyAudios int `yaml:"monthlyAudios"`
	DailyExternal int `yaml:"dailyExternal"`
	ContextTurns  int `yaml:"contextTurns"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwtSecret"`
	CookieName string `yaml:"cookieName"` // session cookie (default: session_token)
}

type MediaConfig struct {
	BaseURL    string `yaml:"baseURL"`
	SigningKey string `yaml:"signingKey"`
	TTLSeconds int    `yaml:"ttlSeconds"` // signed URL lifetime (default: 600)
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "localhost",
		},
		Upstream: UpstreamConfig{
			Name:           "primary",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 60,
			Temperature:    0.7,
		},
		Models: ModelsConfig{
			General:   "gpt-4o-mini",
			Fallback:  "gpt-4o-mini",
			Available: []string{"gpt-4o", "gpt-4.1"},
		},
		Guest: GuestConfig{
			DailyLimit:   10,
			Header:       "X-Guest-Mode",
			IDHeader:     "X-Guest-Id",
			ContextTurns: 10,
		},
		Plans: map[string]PlanConfig{
			"free": {MonthlyImages: 10, DailyExternal: 5, ContextTurns: 20},
			"pro":  {MonthlyImages: 300, MonthlyVideos: 30, MonthlyAudios: 100, DailyExternal: 200, ContextTurns: 50},
		},
		Auth: AuthConfig{
			CookieName: "session_token",
		},
		Media: MediaConfig{
			TTLSeconds: 600,
		},
		Store: StoreConfig{
			Path: filepath.Join(configDir(), "chatrelay.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay")
}

// Path returns the config file location, honoring CHATRELAY_CONFIG
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.yaml")
}

// Load reads the config from Path()
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config at path over the defaults and applies
// environment overrides for secrets
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config not found: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyEnv()

	return cfg, nil
}

// ApplyEnv overrides secrets from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvUpstreamAPIKey); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvMediaKey); v != "" {
		c.Media.SigningKey = v
	}
}

// Upstreams returns the primary upstream followed by the fallbacks
func (c *Config) Upstreams() []UpstreamConfig {
	out := make([]UpstreamConfig, 0, 1+len(c.FallbackUpstreams))
	out = append(out, c.Upstream)
	for i, u := range c.FallbackUpstreams {
		if u.Name == "" {
			u.Name = fmt.Sprintf("fallback-%d", i+1)
		}
		if u.TimeoutSeconds == 0 {
			u.TimeoutSeconds = c.Upstream.TimeoutSeconds
		}
		out = append(out, u)
	}
	return out
}

// IsExpert reports whether category is a restricted expert profile
func (c *Config) IsExpert(category string) bool {
	for _, e := range c.Models.Expert {
		if strings.EqualFold(e, category) {
			return true
		}
	}
	return false
}

// ContextTurns returns the history limit for tier, falling back to the free plan
func (c *Config) ContextTurns(tier string) int {
	if p, ok := c.Plans[tier]; ok && p.ContextTurns > 0 {
		return p.ContextTurns
	}
	return c.Plans["free"].ContextTurns
}

// ValidationResult holds the result of config validation
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

// Validate checks the configuration for required fields and common issues
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	if c.Upstream.BaseURL == "" {
		result.Errors = append(result.Errors, "Upstream base URL required: set upstream.baseURL")
	}
	if c.Upstream.APIKey == "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("No upstream API key: set upstream.apiKey or %s", EnvUpstreamAPIKey))
	}
	for i, u := range c.FallbackUpstreams {
		if u.BaseURL == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Fallback upstream %d has no baseURL", i+1))
		}
	}

	if c.Auth.JWTSecret == "" {
		result.Errors = append(result.Errors, fmt.Sprintf("Session secret required: set auth.jwtSecret or %s", EnvJWTSecret))
	} else if len(c.Auth.JWTSecret) < 32 {
		result.Warnings = append(result.Warnings, "auth.jwtSecret is shorter than 32 bytes")
	}

	if c.Models.General == "" || c.Models.Fallback == "" {
		result.Errors = append(result.Errors, "Models required: set models.general and models.fallback")
	}
	for _, m := range c.Models.Available {
		if strings.TrimSpace(m) == "" {
			result.Errors = append(result.Errors, "models.available has an empty entry")
			break
		}
	}

	if c.Guest.DailyLimit > 100 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("guest.dailyLimit %d exceeds 100 and will be clamped", c.Guest.DailyLimit))
	}
	if c.Guest.DailyLimit < 0 {
		result.Warnings = append(result.Warnings, "guest.dailyLimit is negative, the default of 10 applies")
	}

	if _, ok := c.Plans["free"]; !ok {
		result.Errors = append(result.Errors, "Plan 'free' required: expired plans fall back to it")
	}
	for name, p := range c.Plans {
		if p.MonthlyImages < 0 || p.MonthlyVideos < 0 || p.MonthlyAudios < 0 || p.DailyExternal < 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("Plan '%s' has a negative allowance", name))
		}
		if p.ContextTurns <= 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Plan '%s' forwards no history (contextTurns <= 0)", name))
		}
	}

	if c.Media.BaseURL != "" && c.Media.SigningKey == "" {
		result.Errors = append(result.Errors, fmt.Sprintf("Media signing key required when media.baseURL is set: set media.signingKey or %s", EnvMediaKey))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Metrics path '%s' should start with '/'", c.Metrics.Path))
	}

	return result
}

// Save writes cfg to Path()
func Save(cfg *Config) (string, error) {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}

	return path, nil
}
