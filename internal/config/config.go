package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Provider   ProviderConfig   `yaml:"provider"`
	Retry      RetryConfig      `yaml:"retry"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// ProviderConfig contains speech provider configuration
type ProviderConfig struct {
	TokenURL          string `yaml:"token_url"`
	BaseURL           string `yaml:"base_url"`
	AuthKey           string `yaml:"auth_key"`
	Scope             string `yaml:"scope"`
	Model             string `yaml:"model"`
	Timeout           int    `yaml:"timeout"` // seconds, per attempt
	MaxConcurrent     int    `yaml:"max_concurrent"`
	TokenSafetyMargin int    `yaml:"token_safety_margin"` // milliseconds
	DefaultTokenTTL   int    `yaml:"default_token_ttl"`   // seconds
}

// RetryConfig contains the outbound retry policy
type RetryConfig struct {
	Attempts int   `yaml:"attempts"`  // retries after the first attempt
	Timeout  int   `yaml:"timeout"`   // seconds, base backoff delay
	MaxDelay int   `yaml:"max_delay"` // seconds, 0 uses the client default of 5 minutes
	Statuses []int `yaml:"statuses"`
}

// JobsConfig contains job orchestration configuration
type JobsConfig struct {
	PollingDelay    int `yaml:"polling_delay"` // milliseconds
	MaxUploadMB     int `yaml:"max_upload_mb"`
	Retention       int `yaml:"retention"`        // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
	EventHistory    int `yaml:"event_history"`
}

// TranscriptConfig contains result rendering configuration
type TranscriptConfig struct {
	SeparateSpeakers bool     `yaml:"separate_speakers"`
	SuppressRepeats  bool     `yaml:"suppress_repeats"`
	Speakers         []string `yaml:"speakers"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Provider: ProviderConfig{
			TokenURL:          "https://ngw.devices.sberbank.ru:9443/api/v2/oauth",
			BaseURL:           "https://smartspeech.sber.ru/rest/v1",
			Scope:             "SALUTE_SPEECH_PERS",
			Model:             "general",
			Timeout:           60,
			MaxConcurrent:     10,
			TokenSafetyMargin: 300000,
			DefaultTokenTTL:   1800,
		},
		Retry: RetryConfig{
			Attempts: 5,
			Timeout:  2,
			MaxDelay: 60,
			Statuses: []int{429, 500, 502, 503, 504},
		},
		Jobs: JobsConfig{
			PollingDelay:    1000,
			MaxUploadMB:     1024,
			Retention:       3600,
			CleanupInterval: 60,
			EventHistory:    500,
		},
		Transcript: TranscriptConfig{
			SeparateSpeakers: true,
			SuppressRepeats:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file, applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup. An empty path
// skips the file.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from the deployment environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strings := map[string]*string{
		"SPEECH_API_AUTH_KEY":  &c.Provider.AuthKey,
		"SPEECH_API_TOKEN_URL": &c.Provider.TokenURL,
		"SPEECH_API_BASE_URL":  &c.Provider.BaseURL,
	}
	for key, target := range strings {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
		}
	}

	ints := map[string]*int{
		"RETRY_ATTEMPTS":            &c.Retry.Attempts,
		"RETRY_TIMEOUT":             &c.Retry.Timeout,
		"MAX_WAIT_TIME":             &c.Provider.TokenSafetyMargin,
		"RECOGNITION_POLLING_DELAY": &c.Jobs.PollingDelay,
	}
	for key, target := range ints {
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s is not a valid integer: %q", key, value)
		}
		*target = n
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}

	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates provider configuration
func (p *ProviderConfig) Validate() error {
	for name, raw := range map[string]string{"token_url": p.TokenURL, "base_url": p.BaseURL} {
		if raw == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got '%s'", name, raw)
		}
	}

	if p.AuthKey == "" {
		return fmt.Errorf("auth_key cannot be empty (set SPEECH_API_AUTH_KEY)")
	}

	if p.Scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	if p.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", p.Timeout)
	}

	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}

	if p.TokenSafetyMargin < 0 {
		return fmt.Errorf("token_safety_margin cannot be negative, got %d", p.TokenSafetyMargin)
	}

	if p.DefaultTokenTTL < 1 {
		return fmt.Errorf("default_token_ttl must be at least 1 second, got %d", p.DefaultTokenTTL)
	}

	return nil
}

// Validate validates retry configuration
func (r *RetryConfig) Validate() error {
	if r.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative, got %d", r.Attempts)
	}

	if r.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %d", r.Timeout)
	}

	if r.MaxDelay < 0 {
		return fmt.Errorf("max_delay cannot be negative, got %d", r.MaxDelay)
	}

	for _, status := range r.Statuses {
		if status < 400 || status > 599 {
			return fmt.Errorf("retry statuses must be between 400 and 599, got %d", status)
		}
	}

	return nil
}

// Validate validates jobs configuration
func (j *JobsConfig) Validate() error {
	if j.PollingDelay < 1 {
		return fmt.Errorf("polling_delay must be at least 1 millisecond, got %d", j.PollingDelay)
	}

	if j.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", j.MaxUploadMB)
	}

	if j.Retention < 1 {
		return fmt.Errorf("retention must be at least 1 second, got %d", j.Retention)
	}

	if j.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", j.CleanupInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetTimeoutDuration returns the per-attempt provider timeout as a time.Duration
func (p *ProviderConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// GetTokenSafetyMargin returns the token refresh margin as a time.Duration
func (p *ProviderConfig) GetTokenSafetyMargin() time.Duration {
	return time.Duration(p.TokenSafetyMargin) * time.Millisecond
}

// GetDefaultTokenTTL returns the fallback token lifetime as a time.Duration
func (p *ProviderConfig) GetDefaultTokenTTL() time.Duration {
	return time.Duration(p.DefaultTokenTTL) * time.Second
}

// GetBaseDelay returns the base backoff delay as a time.Duration
func (r *RetryConfig) GetBaseDelay() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetMaxDelay returns the backoff cap as a time.Duration
func (r *RetryConfig) GetMaxDelay() time.Duration {
	return time.Duration(r.MaxDelay) * time.Second
}

// GetPollingInterval returns the status polling interval as a time.Duration
func (j *JobsConfig) GetPollingInterval() time.Duration {
	return time.Duration(j.PollingDelay) * time.Millisecond
}

// GetRetention returns the terminal job retention as a time.Duration
func (j *JobsConfig) GetRetention() time.Duration {
	return time.Duration(j.Retention) * time.Second
}

// GetCleanupInterval returns the job clean-up interval as a time.Duration
func (j *JobsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(j.CleanupInterval) * time.Second
}

// GetMaxUploadBytes returns the upload size limit in bytes
func (j *JobsConfig) GetMaxUploadBytes() int64 {
	return int64(j.MaxUploadMB) << 20
}
