package config

import (
	"time"

	"github.com/gobwas/glob"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// Config is the whole relay configuration file.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Log       LogConfig          `yaml:"log"`
	Record    RecordConfig       `yaml:"record"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Providers []Provider         `yaml:"providers"`
	Profiles  map[string]Profile `yaml:"profiles"`
	Models    []ModelRule        `yaml:"models"`

	path  string
	rules []compiledRule
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures logrus and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RecordConfig configures the transcript recorder. An empty mode disables
// recording.
type RecordConfig struct {
	Mode string `yaml:"mode"` // "", "all" or "response"
	Dir  string `yaml:"dir"`
}

// MetricsConfig configures OpenTelemetry metrics export.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Provider is an OpenAI-compatible upstream.
type Provider struct {
	Name      string            `yaml:"name"`
	APIBase   string            `yaml:"api_base"`
	Token     string            `yaml:"token"`
	TokenFile string            `yaml:"token_file"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`

	// ProxyURL routes upstream traffic through an http, https or socks5 proxy.
	ProxyURL string `yaml:"proxy_url"`
}

// Profile is a named, reusable stage list.
type Profile struct {
	Pipeline []pipeline.StageConfig `yaml:"pipeline"`
}

// ModelRule routes requested models matching a glob to a provider and a
// pipeline. The rule's own pipeline takes precedence over its profile's;
// Params then overrides individual params per stage name.
type ModelRule struct {
	Match         string                     `yaml:"match"`
	Provider      string                     `yaml:"provider"`
	UpstreamModel string                     `yaml:"upstream_model"`
	Profile       string                     `yaml:"profile"`
	Pipeline      []pipeline.StageConfig     `yaml:"pipeline"`
	Params        map[string]pipeline.Params `yaml:"params"`
}

type compiledRule struct {
	rule    ModelRule
	pattern glob.Glob
}

// Path is the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Provider looks a provider up by name.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// ModelNames lists the model patterns clients can request, in rule order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.Match)
	}
	return names
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Record.Mode != "" && c.Record.Dir == "" {
		c.Record.Dir = GetRecordDir()
	}
	if c.Metrics.ExportInterval == 0 {
		c.Metrics.ExportInterval = DefaultExportInterval
	}
	for i := range c.Providers {
		if c.Providers[i].Timeout == 0 {
			c.Providers[i].Timeout = DefaultUpstreamTimeout
		}
	}
}
