package config

import (
	"fmt"
	"strconv"
)

// LookupFunc reads one environment variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// EnvError reports an environment variable whose value cannot be parsed.
type EnvError struct {
	Key   string
	Value string
	Cause error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("environment %s=%q: %v", e.Key, e.Value, e.Cause)
}

func (e *EnvError) Unwrap() error {
	return e.Cause
}

// ApplyEnv overrides configuration from the environment. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &EnvError{Key: key, Value: v, Cause: err}
		}
		*dst = n
		return nil
	}
	integer64 := func(key string, dst *int64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &EnvError{Key: key, Value: v, Cause: err}
		}
		*dst = n
		return nil
	}

	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_MODEL", &c.LLM.Model)
	str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	str("DATABASE_PATH", &c.Store.CSVPath)

	if v, ok := lookup("OPENAI_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &EnvError{Key: "OPENAI_TEMPERATURE", Value: v, Cause: err}
		}
		c.Intent.Temperature = f
		c.Builder.Generation.Temperature = f
	}

	if v, ok := lookup("OPENAI_MAX_TOKENS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &EnvError{Key: "OPENAI_MAX_TOKENS", Value: v, Cause: err}
		}
		c.Intent.MaxTokens = n
		c.Builder.Generation.MaxTokens = n
	}

	if err := integer("DEFAULT_QUERY_LIMIT", &c.Builder.DefaultLimit); err != nil {
		return err
	}
	if err := integer("VALIDATION_SAMPLE_SIZE", &c.Validator.SampleSize); err != nil {
		return err
	}
	if err := integer64("MAX_SAFE_ROWS", &c.Validator.MaxSafeRows); err != nil {
		return err
	}
	return integer64("WARNING_ROW_THRESHOLD", &c.Validator.WarningThreshold)
}
