package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// ConfigError wraps every problem found while validating a config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Discover picks the config file: the explicit path, then $TINGLY_RELAY_CONFIG,
// then ./tingly-relay.yaml, then the file in the user config dir.
func Discover(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName
	}
	return filepath.Join(GetConfDir(), ConfigFileName)
}

// Load reads, validates and compiles the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	cfg.path = path
	logrus.Debugf("Loaded config %s: %d providers, %d model rules", path, len(cfg.Providers), len(cfg.Models))
	return cfg, nil
}

// Parse builds a config from YAML. Relative token files resolve against the
// working directory.
func Parse(data []byte) (*Config, error) {
	return parse(data, ".")
}

func parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := cfg.resolveSecrets(baseDir); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) resolveSecrets(baseDir string) error {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Token != "" || p.TokenFile == "" {
			continue
		}
		file := p.TokenFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("provider %s: read token file: %w", p.Name, err)
		}
		p.Token = strings.TrimSpace(string(data))
	}
	return nil
}

// validate checks references between sections, compiles model globs and
// dry-runs every stage list so a bad pipeline fails at load time rather
// than on the first request.
func (c *Config) validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Record.Mode {
	case "", "all", "response":
	default:
		errs = append(errs, fmt.Errorf("record.mode %q must be all or response", c.Record.Mode))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if u, err := url.Parse(p.APIBase); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider %s: api_base %q is not an absolute URL", p.Name, p.APIBase))
		}
		if p.ProxyURL != "" {
			if u, err := url.Parse(p.ProxyURL); err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5") {
				errs = append(errs, fmt.Errorf("provider %s: proxy_url %q must be an http, https or socks5 URL", p.Name, p.ProxyURL))
			}
		}
	}

	driver := pipeline.NewDriver(nil, pipeline.WithObserver(pipeline.NopObserver()))
	for name, prof := range c.Profiles {
		if h, err := driver.Open(pipeline.ResolvedStageConfig{Stages: prof.Pipeline}); err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
		} else {
			h.Close()
		}
	}

	c.rules = c.rules[:0]
	for i, m := range c.Models {
		if m.Match == "" {
			errs = append(errs, fmt.Errorf("models[%d]: match is required", i))
			continue
		}
		g, err := glob.Compile(m.Match)
		if err != nil {
			errs = append(errs, fmt.Errorf("models[%d]: match %q: %w", i, m.Match, err))
			continue
		}
		if !seen[m.Provider] {
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q", m.Match, m.Provider))
		}
		if m.Profile != "" {
			if _, ok := c.Profiles[m.Profile]; !ok {
				errs = append(errs, fmt.Errorf("model %s: unknown profile %q", m.Match, m.Profile))
				continue
			}
		}
		c.rules = append(c.rules, compiledRule{rule: m, pattern: g})
		if h, err := driver.Open(c.stagesFor(m)); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", m.Match, err))
		} else {
			h.Close()
		}
	}
	return errors.Join(errs...)
}
