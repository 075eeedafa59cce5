// Package config loads CLI and server configuration from an optional YAML
// file and environment variables. Environment wins over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/airtable-client/pkg/client"
	"github.com/Sternrassler/airtable-client/pkg/credential"
	"github.com/Sternrassler/airtable-client/pkg/logging"
	"github.com/Sternrassler/airtable-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Airtable AirtableConfig `yaml:"airtable"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

// AirtableConfig configures the API client.
type AirtableConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIVersion    string        `yaml:"api_version"`
	UserAgent     string        `yaml:"user_agent"`
	Timeout       time.Duration `yaml:"timeout"`
	PageDelay     time.Duration `yaml:"page_delay"`
	CredentialEnv string        `yaml:"credential_env"`

	// SharedLimiter paces all queries of the process through one
	// 5 req/s token bucket instead of a per-query fixed delay.
	SharedLimiter bool `yaml:"shared_limiter"`
}

// RedisConfig enables the shared 429 penalty tracker when URL is set.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ServerConfig configures `airtable serve`.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cc := client.DefaultConfig()
	return Config{
		Airtable: AirtableConfig{
			BaseURL:       cc.BaseURL,
			APIVersion:    cc.APIVersion,
			UserAgent:     cc.UserAgent,
			Timeout:       cc.Timeout,
			PageDelay:     cc.PageDelay,
			CredentialEnv: credential.DefaultEnvVar,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Airtable.BaseURL = getEnv("AIRTABLE_BASE_URL", c.Airtable.BaseURL)
	c.Airtable.UserAgent = getEnv("AIRTABLE_USER_AGENT", c.Airtable.UserAgent)
	c.Airtable.CredentialEnv = getEnv("AIRTABLE_CREDENTIAL_ENV", c.Airtable.CredentialEnv)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Server.Port = getEnv("PORT", c.Server.Port)

	if v := os.Getenv("AIRTABLE_PAGE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AIRTABLE_PAGE_DELAY: %w", err)
		}
		c.Airtable.PageDelay = d
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

// Validate rejects values the client or server cannot use.
func (c Config) Validate() error {
	u, err := url.Parse(c.Airtable.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("airtable.base_url %q must be an absolute URL", c.Airtable.BaseURL)
	}
	if c.Airtable.UserAgent == "" {
		return errors.New("airtable.user_agent is required")
	}
	if c.Airtable.PageDelay < 0 {
		return fmt.Errorf("airtable.page_delay must be >= 0 (got %v)", c.Airtable.PageDelay)
	}
	if c.Airtable.Timeout < 0 {
		return fmt.Errorf("airtable.timeout must be >= 0 (got %v)", c.Airtable.Timeout)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0 (got %d)", c.Redis.DB)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", c.Server.Port)
	}
	return nil
}

// ClientConfig maps the Airtable section to client.Config. Redis is left
// unset; callers attach the client built from RedisOptions.
func (c Config) ClientConfig() client.Config {
	cc := client.DefaultConfig()
	cc.BaseURL = c.Airtable.BaseURL
	if c.Airtable.APIVersion != "" {
		cc.APIVersion = c.Airtable.APIVersion
	}
	cc.UserAgent = c.Airtable.UserAgent
	cc.Timeout = c.Airtable.Timeout
	cc.PageDelay = c.Airtable.PageDelay
	cc.CredentialEnvVar = c.Airtable.CredentialEnv
	if c.Airtable.SharedLimiter {
		cc.Pacer = ratelimit.NewLimiterPacer(ratelimit.NewSharedLimiter())
	}
	return cc
}

// RedisOptions returns connection options, or nil when Redis is not configured.
// Both redis:// URLs and bare host:port addresses are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}

	var opts *redis.Options
	if strings.Contains(c.Redis.URL, "://") {
		parsed, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: c.Redis.URL, DB: c.Redis.DB}
	}
	if c.Redis.Password != "" {
		opts.Password = c.Redis.Password
	}
	return opts, nil
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Pretty = c.Log.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
