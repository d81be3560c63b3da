// Package config holds the typed configuration of the segmentation engine.
//
// Configuration is read once at startup from an optional YAML file, layered
// over the defaults, overridden from the environment and validated. Nothing
// downstream re-reads the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/segmentation/coreengine/logging"
)

const (
	// Store defaults
	defaultDriver       = "sqlite"
	defaultDSN          = ":memory:"
	defaultTable        = "bank_customers"
	defaultCSVDelimiter = ";"

	// LLM defaults
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-3.5-turbo"
	defaultLLMTimeout = 60 * time.Second

	// Generation defaults shared by intent parsing and LLM drafting
	defaultTemperature = 0.1
	defaultMaxTokens   = 1000

	// Builder defaults
	defaultBuilderMode  = "template"
	defaultQueryLimit   = 1000
	defaultSampleSize   = 5
	defaultWarningRows  = 5000
	defaultMaxSafeRows  = 10000
	defaultReverseMatch = 3

	// Stage timeouts
	defaultIntentTimeout     = 30 * time.Second
	defaultMappingTimeout    = 10 * time.Second
	defaultQueryTimeout      = 30 * time.Second
	defaultValidationTimeout = 30 * time.Second
	defaultActivationTimeout = 60 * time.Second

	// Bus defaults
	defaultBusQueryTimeout   = 5 * time.Second
	defaultBreakerThreshold  = 5
	defaultBreakerResetAfter = 30 * time.Second

	defaultServiceName = "segmentd"
)

// Builder modes.
const (
	BuilderModeTemplate = "template"
	BuilderModeLLM      = "llm"
)

// Config is the complete engine configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	LLM           LLMConfig           `yaml:"llm"`
	Intent        GenerationConfig    `yaml:"intent"`
	Builder       BuilderConfig       `yaml:"builder"`
	Validator     ValidatorConfig     `yaml:"validator"`
	Activator     ActivatorConfig     `yaml:"activator"`
	Mapper        MapperConfig        `yaml:"mapper"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Bus           BusConfig           `yaml:"bus"`
	Logging       logging.Config      `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig selects the tabular store and its seed data.
type StoreConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	// CSVPath, when set, is loaded into Table at startup.
	CSVPath      string `yaml:"csv_path"`
	CSVDelimiter string `yaml:"csv_delimiter"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LLMConfig configures the chat-completions endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether an API key is configured.
func (c LLMConfig) Enabled() bool { return c.APIKey != "" }

// GenerationConfig holds sampling options for one LLM use.
type GenerationConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// BuilderConfig configures query construction.
type BuilderConfig struct {
	Mode         string `yaml:"mode"`
	DefaultLimit int    `yaml:"default_limit"`
	// Generation applies to LLM mode.
	Generation GenerationConfig `yaml:",inline"`
}

// ValidatorConfig holds the validation thresholds.
type ValidatorConfig struct {
	SampleSize       int   `yaml:"sample_size"`
	WarningThreshold int64 `yaml:"warning_threshold"`
	MaxSafeRows      int64 `yaml:"max_safe_rows"`
}

// ActivatorConfig holds the simulated downstream manifest.
type ActivatorConfig struct {
	DownstreamSystems []string `yaml:"downstream_systems"`
}

// MapperConfig configures business-term resolution. A nil Glossary means the
// built-in bank glossary.
type MapperConfig struct {
	Glossary        map[string]string `yaml:"glossary"`
	MinReverseMatch int               `yaml:"min_reverse_match"`
}

// TimeoutsConfig holds the per-stage budgets.
type TimeoutsConfig struct {
	Intent     time.Duration `yaml:"intent"`
	Mapping    time.Duration `yaml:"mapping"`
	Query      time.Duration `yaml:"query"`
	Validation time.Duration `yaml:"validation"`
	Activation time.Duration `yaml:"activation"`
}

// BusConfig configures the in-process message bus.
type BusConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// BreakerThreshold mutes a failing event type after that many failures;
	// 0 disables the breaker.
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after"`
}

// ObservabilityConfig configures metrics and tracing exporters.
type ObservabilityConfig struct {
	MetricsAddr  string  `yaml:"metrics_addr"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:       defaultDriver,
			DSN:          defaultDSN,
			Table:        defaultTable,
			CSVDelimiter: defaultCSVDelimiter,
		},
		LLM: LLMConfig{
			BaseURL: defaultBaseURL,
			Model:   defaultModel,
			Timeout: defaultLLMTimeout,
		},
		Intent: GenerationConfig{Temperature: defaultTemperature, MaxTokens: defaultMaxTokens},
		Builder: BuilderConfig{
			Mode:         defaultBuilderMode,
			DefaultLimit: defaultQueryLimit,
			Generation:   GenerationConfig{Temperature: defaultTemperature, MaxTokens: defaultMaxTokens},
		},
		Validator: ValidatorConfig{
			SampleSize:       defaultSampleSize,
			WarningThreshold: defaultWarningRows,
			MaxSafeRows:      defaultMaxSafeRows,
		},
		Activator: ActivatorConfig{
			DownstreamSystems: []string{"CRM_System", "Email_Marketing_Platform", "Ad_Platform", "Analytics_Dashboard"},
		},
		Mapper: MapperConfig{MinReverseMatch: defaultReverseMatch},
		Timeouts: TimeoutsConfig{
			Intent:     defaultIntentTimeout,
			Mapping:    defaultMappingTimeout,
			Query:      defaultQueryTimeout,
			Validation: defaultValidationTimeout,
			Activation: defaultActivationTimeout,
		},
		Bus: BusConfig{
			QueryTimeout:      defaultBusQueryTimeout,
			BreakerThreshold:  defaultBreakerThreshold,
			BreakerResetAfter: defaultBreakerResetAfter,
		},
		Logging:       logging.Config{Level: "info", Format: "json", Output: "stderr"},
		Observability: ObservabilityConfig{ServiceName: defaultServiceName, SampleRatio: 1},
	}
}

// Load reads the YAML file at path (optional when empty), applies environment
// overrides from the process environment and validates the result.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse layers YAML data over the defaults, applies overrides from lookup
// (which may be nil) and validates.
func Parse(data []byte, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section; the first problem is returned.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"sqlite", "pgx"}, c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of: sqlite, pgx")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if strings.TrimSpace(c.Store.Table) == "" {
		return fmt.Errorf("store.table is required")
	}
	if c.Store.CSVDelimiter != "" && len([]rune(c.Store.CSVDelimiter)) != 1 {
		return fmt.Errorf("store.csv_delimiter must be a single character")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if err := c.Intent.validate("intent"); err != nil {
		return err
	}
	if err := c.Builder.Generation.validate("builder"); err != nil {
		return err
	}
	if c.Builder.Mode != BuilderModeTemplate && c.Builder.Mode != BuilderModeLLM {
		return fmt.Errorf("builder.mode must be one of: template, llm")
	}
	if c.Builder.DefaultLimit <= 0 {
		return fmt.Errorf("builder.default_limit must be positive")
	}
	if c.Validator.SampleSize <= 0 {
		return fmt.Errorf("validator.sample_size must be positive")
	}
	if c.Validator.WarningThreshold <= 0 || c.Validator.WarningThreshold >= c.Validator.MaxSafeRows {
		return fmt.Errorf("validator thresholds must satisfy 0 < warning_threshold < max_safe_rows")
	}
	if len(c.Activator.DownstreamSystems) == 0 {
		return fmt.Errorf("activator.downstream_systems must not be empty")
	}
	if c.Mapper.MinReverseMatch <= 0 {
		return fmt.Errorf("mapper.min_reverse_match must be positive")
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if c.Bus.QueryTimeout <= 0 {
		return fmt.Errorf("bus.query_timeout must be positive")
	}
	if c.Bus.BreakerThreshold < 0 {
		return fmt.Errorf("bus.breaker_threshold must not be negative")
	}
	if c.Bus.BreakerThreshold > 0 && c.Bus.BreakerResetAfter <= 0 {
		return fmt.Errorf("bus.breaker_reset_after must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if !(c.Observability.SampleRatio >= 0 && c.Observability.SampleRatio <= 1) {
		return fmt.Errorf("observability.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (g GenerationConfig) validate(section string) error {
	if !(g.Temperature >= 0 && g.Temperature <= 2) {
		return fmt.Errorf("%s.temperature must be within [0, 2]", section)
	}
	if g.MaxTokens <= 0 {
		return fmt.Errorf("%s.max_tokens must be positive", section)
	}
	return nil
}

func (t TimeoutsConfig) validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"intent", t.Intent},
		{"mapping", t.Mapping},
		{"query", t.Query},
		{"validation", t.Validation},
		{"activation", t.Activation},
	} {
		if d.value <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", d.name)
		}
	}
	return nil
}
