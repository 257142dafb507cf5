// Package config loads bucket settings from defaults, a YAML file, the
// environment and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tanq16/bucket/internal/coordinator"
	"github.com/tanq16/bucket/internal/remote"
	"github.com/tanq16/bucket/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "bucket.yaml"
	EnvPrefix   = "BUCKET"
)

type Config struct {
	Remote           string        `yaml:"remote,omitempty" split_words:"true"`
	InstallDir       string        `yaml:"install_dir,omitempty" split_words:"true"`
	Workers          int           `yaml:"workers,omitempty" split_words:"true"`
	Retries          int           `yaml:"retries,omitempty" split_words:"true"`
	Backoff          time.Duration `yaml:"backoff,omitempty" split_words:"true"`
	Timeout          time.Duration `yaml:"timeout,omitempty" split_words:"true"`
	KeepAlive        time.Duration `yaml:"keep_alive,omitempty" split_words:"true"`
	LenientChecksums bool          `yaml:"lenient_checksums,omitempty" split_words:"true"`
	Journal          string        `yaml:"journal,omitempty" split_words:"true"`
	UserAgent        string        `yaml:"user_agent,omitempty" split_words:"true"`
	Proxy            string        `yaml:"proxy,omitempty" split_words:"true"`

	// Auth is written by `bucket auth` and never read from the environment.
	Auth remote.Credential `yaml:"auth,omitempty" ignored:"true"`
}

func Default() Config {
	return Config{
		InstallDir: ".",
		Workers:    coordinator.DefaultWorkers,
		Retries:    coordinator.RetryCount,
		Backoff:    coordinator.DefaultBackoff,
	}
}

// LoadFromFile reads path over the defaults. Keys absent from the file keep
// their default value.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load is LoadFromFile followed by LoadFromEnv. A missing file is only an
// error when the path was given explicitly.
func Load(path string, explicit bool) (Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		cfg = Default()
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv applies BUCKET_* variables that are set.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Merge returns c with every non-zero field of override applied.
func (c Config) Merge(override Config) Config {
	if override.Remote != "" {
		c.Remote = override.Remote
	}
	if override.InstallDir != "" {
		c.InstallDir = override.InstallDir
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Retries != 0 {
		c.Retries = override.Retries
	}
	if override.Backoff != 0 {
		c.Backoff = override.Backoff
	}
	if override.Timeout != 0 {
		c.Timeout = override.Timeout
	}
	if override.KeepAlive != 0 {
		c.KeepAlive = override.KeepAlive
	}
	if override.LenientChecksums {
		c.LenientChecksums = true
	}
	if override.Journal != "" {
		c.Journal = override.Journal
	}
	if override.UserAgent != "" {
		c.UserAgent = override.UserAgent
	}
	if override.Proxy != "" {
		c.Proxy = override.Proxy
	}
	if override.Auth.Valid() {
		c.Auth = override.Auth
	}
	return c
}

func (c *Config) Validate() error {
	if c.InstallDir == "" {
		return errors.New("config: install_dir is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.Retries <= 0 {
		return errors.New("config: retries must be positive")
	}
	if c.Backoff < 0 {
		return errors.New("config: backoff must not be negative")
	}
	if c.Timeout < 0 {
		return errors.New("config: timeout must not be negative")
	}
	if c.KeepAlive < 0 {
		return errors.New("config: keep_alive must not be negative")
	}
	if c.Remote != "" {
		u, err := url.Parse(c.Remote)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: remote %q is not an http(s) URL", c.Remote)
		}
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("config: invalid proxy: %v", err)
		}
	}
	return nil
}

// Credential returns the stored credential, pointed at Remote when one is
// configured.
func (c Config) Credential() remote.Credential {
	cred := c.Auth
	if c.Remote != "" {
		cred.Remote = c.Remote
	}
	return cred
}

// HTTPClientConfig moves credentials embedded in the proxy URL into the
// proxy username and password fields.
func (c Config) HTTPClientConfig(headers map[string]string) utils.HTTPClientConfig {
	httpCfg := utils.HTTPClientConfig{
		Timeout:   c.Timeout,
		KATimeout: c.KeepAlive,
		ProxyURL:  c.Proxy,
		UserAgent: c.UserAgent,
		Headers:   headers,
	}
	if parsed, err := url.Parse(c.Proxy); err == nil && parsed.User != nil {
		httpCfg.ProxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			httpCfg.ProxyPassword = password
		}
		parsed.User = nil
		httpCfg.ProxyURL = parsed.String()
	}
	return httpCfg
}

// Save writes the config to path readable only by the owner, since it
// carries the private key.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return os.Chmod(path, 0600)
}
