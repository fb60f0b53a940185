package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultRateLimitRPM  = 60
	defaultMaxRetries    = 2
	defaultBackoffBaseMs = 500
)

// SourceConfig declares one pluggable source.
type SourceConfig struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Kind              Kind     `json:"kind"`
	Enabled           bool     `json:"enabled"`
	RagEnabled        bool     `json:"ragEnabled"`
	Symbols           []string `json:"symbols,omitempty"`
	APIKeyEnv         string   `json:"apiKeyEnv,omitempty"`
	QueryMode         string   `json:"queryMode,omitempty"`
	RateLimitRPM      int      `json:"rateLimitRpm"`
	MaxRetries        int      `json:"maxRetries"`
	BackoffBaseMs     int      `json:"backoffBaseMs"`
	ScheduleCron      string   `json:"scheduleCron,omitempty"`
	DisableOnFailures int      `json:"disableOnFailures,omitempty"`

	// Extra holds fields the core does not understand, kept for round trips.
	Extra map[string]json.RawMessage `json:"-"`
}

type sourceConfigAlias SourceConfig

var knownConfigKeys = map[string]bool{
	"id": true, "name": true, "kind": true, "enabled": true, "ragEnabled": true,
	"symbols": true, "apiKeyEnv": true, "queryMode": true, "rateLimitRpm": true,
	"maxRetries": true, "backoffBaseMs": true, "scheduleCron": true, "disableOnFailures": true,
}

// UnmarshalJSON applies defaults for omitted fields and keeps unknown ones.
func (c *SourceConfig) UnmarshalJSON(data []byte) error {
	a := sourceConfigAlias{
		Enabled:       true,
		RateLimitRPM:  defaultRateLimitRPM,
		MaxRetries:    defaultMaxRetries,
		BackoffBaseMs: defaultBackoffBaseMs,
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownConfigKeys[k] {
			continue
		}
		if a.Extra == nil {
			a.Extra = map[string]json.RawMessage{}
		}
		a.Extra[k] = v
	}
	*c = SourceConfig(a)
	return nil
}

// MarshalJSON writes known fields followed by preserved extras.
func (c SourceConfig) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(sourceConfigAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if !knownConfigKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Backoff is the base delay between retry attempts.
func (c SourceConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// DisplayName falls back to the id when no name is configured.
func (c SourceConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Validate checks a single entry.
func (c SourceConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !c.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown kind %q", c.Kind))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("rateLimitRpm must be >= 0, got %d", c.RateLimitRPM))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("maxRetries must be within [0,10], got %d", c.MaxRetries))
	}
	if c.BackoffBaseMs < 0 {
		errs = append(errs, fmt.Errorf("backoffBaseMs must be >= 0, got %d", c.BackoffBaseMs))
	}
	if c.DisableOnFailures < 0 {
		errs = append(errs, fmt.Errorf("disableOnFailures must be >= 0, got %d", c.DisableOnFailures))
	}
	return errors.Join(errs...)
}

// ParseConfigs decodes a JSON or YAML array of source entries. Entries that do
// not decode or validate are returned as errors and left out of the result.
func ParseConfigs(data []byte, format string) ([]SourceConfig, []error) {
	if format == "yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, []error{fmt.Errorf("parse yaml: %w", err)}
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, []error{fmt.Errorf("convert yaml: %w", err)}
		}
		data = converted
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, []error{fmt.Errorf("parse provider config: %w", err)}
	}

	var (
		configs []SourceConfig
		errs    []error
		seen    = map[string]bool{}
	)
	for i, entry := range entries {
		var cfg SourceConfig
		if err := json.Unmarshal(entry, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		cfg.ID = strings.TrimSpace(cfg.ID)
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, cfg.ID, err))
			continue
		}
		if seen[cfg.ID] {
			errs = append(errs, fmt.Errorf("entry %d (%s): duplicate id", i, cfg.ID))
			continue
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	return configs, errs
}

// LoadConfigs reads the first candidate path that exists. Invalid entries are
// logged and dropped. It returns the path actually used.
func LoadConfigs(log zerolog.Logger, candidates ...string) ([]SourceConfig, string, error) {
	for _, path := range candidates {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, fmt.Errorf("read provider config %s: %w", path, err)
		}

		configs, errs := ParseConfigs(data, formatOf(path))
		for _, e := range errs {
			log.Warn().Str("path", path).Err(e).Msg("dropping invalid provider config entry")
		}
		log.Info().Str("path", path).Int("sources", len(configs)).Msg("provider config loaded")
		return configs, path, nil
	}
	return nil, "", fmt.Errorf("no provider config found in %s: %w", strings.Join(candidates, ", "), os.ErrNotExist)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
