package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/storage"
)

// Config represents a daybreak.yaml file. All values are optional and act
// as defaults for command flags. Flags always override config values.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Storage  StorageConfig  `yaml:"storage"`
	Persona  PersonaConfig  `yaml:"persona"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	History  HistoryConfig  `yaml:"history"`
	Adapter  AdapterConfig  `yaml:"adapter"`
}

// ModelConfig selects the narrative model.
type ModelConfig struct {
	Version string `yaml:"version"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	URL         string `yaml:"url"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	Codec       string `yaml:"codec"`
}

// PersonaConfig configures the persona endpoint pool.
type PersonaConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Strategy  string   `yaml:"strategy"`
	StickyTTL Duration `yaml:"sticky_ttl,omitempty"`
	APIKey    string   `yaml:"api_key"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	Retries   *int     `yaml:"retries,omitempty"`
}

// CacheConfig configures the external cache service. An empty URL
// disables leases.
type CacheConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// PipelineConfig tunes the executor and the narrative pipelines.
type PipelineConfig struct {
	CycleLength  int                 `yaml:"cycle_length"`
	StepTimeout  Duration            `yaml:"step_timeout,omitempty"`
	StepTimeouts map[string]Duration `yaml:"step_timeouts,omitempty"`
}

// HistoryConfig configures the run report dataset.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dataset string `yaml:"dataset"`
	// Path is a filesystem root. Empty places reports next to the store
	// when the store is fs, and disables history otherwise.
	Path string `yaml:"path"`
}

// AdapterConfig configures completion notifications.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Adapter types.
const (
	AdapterWebhook = "webhook"
	AdapterRedis   = "redis"
)

// Duration wraps time.Duration for YAML strings such as "10s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

// Validate checks enumerations and numeric ranges. Presence of required
// values is checked where they are used.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "", storage.BackendFS, storage.BackendMemory, storage.BackendS3, storage.BackendRedis, storage.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Codec != "" {
		if _, err := storage.CodecByName(c.Storage.Codec); err != nil {
			errs = append(errs, fmt.Errorf("storage.codec: %w", err))
		}
	}
	if _, err := persona.ParseStrategy(c.Persona.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("persona.strategy: %w", err))
	}
	if c.Persona.Retries != nil && *c.Persona.Retries < 0 {
		errs = append(errs, errors.New("persona.retries: must be >= 0"))
	}
	if c.Cache.Retries != nil && *c.Cache.Retries < 0 {
		errs = append(errs, errors.New("cache.retries: must be >= 0"))
	}
	if c.Pipeline.CycleLength < 0 {
		errs = append(errs, errors.New("pipeline.cycle_length: must be >= 0"))
	}
	switch c.Adapter.Type {
	case "", AdapterWebhook, AdapterRedis:
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown adapter %q (valid: webhook, redis)", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, errors.New("adapter.url: required when adapter.type is set"))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, errors.New("adapter.retries: must be >= 0"))
	}
	return errors.Join(errs...)
}

// Timeouts flattens the per-step overrides.
func (p PipelineConfig) Timeouts() map[string]time.Duration {
	if len(p.StepTimeouts) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(p.StepTimeouts))
	for step, d := range p.StepTimeouts {
		out[step] = d.Duration
	}
	return out
}

// StorageOptions converts the storage section for storage.Open.
func (s StorageConfig) StorageOptions() storage.Options {
	return storage.Options{
		Backend:      s.Backend,
		Path:         s.Path,
		URL:          s.URL,
		Prefix:       s.Prefix,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		UsePathStyle: s.S3PathStyle,
	}
}

// IntOr dereferences p, or returns def when p is nil.
func IntOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
