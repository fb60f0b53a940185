package provider

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/ratelimit"
)

// Entry is a registered source: its config, adapter and rate limiter.
type Entry struct {
	Config  SourceConfig
	Adapter Adapter
	Limiter *ratelimit.Limiter
}

// APIKey resolves the key for a call: the override wins over the environment.
func (e *Entry) APIKey(override string) string {
	if override != "" {
		return override
	}
	if e.Config.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.Config.APIKeyEnv)
}

// Descriptor is the listing view of a registered source.
type Descriptor struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           Kind       `json:"kind"`
	Enabled        bool       `json:"enabled"`
	RagEnabled     bool       `json:"ragEnabled"`
	Schedule       string     `json:"schedule,omitempty"`
	RateLimitRPM   int        `json:"rateLimitRpm"`
	Disabled       bool       `json:"disabled"`
	DisabledReason string     `json:"disabledReason,omitempty"`
	DisabledAt     *time.Time `json:"disabledAt,omitempty"`
	Symbols        int        `json:"symbols"`
}

type disableMark struct {
	reason string
	at     time.Time
}

// Registry holds the sources known to this process and the runtime disable
// set. It is safe for concurrent use.
type Registry struct {
	catalog Catalog
	log     zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	disabled map[string]disableMark
	// enabled holds when a runtime disable was last lifted.
	enabled map[string]time.Time
}

// NewRegistry builds a registry from configs, binding each enabled entry to
// the catalog factory of the same id.
func NewRegistry(configs []SourceConfig, catalog Catalog, log zerolog.Logger) *Registry {
	r := &Registry{
		catalog:  catalog,
		log:      log,
		disabled: map[string]disableMark{},
		enabled:  map[string]time.Time{},
	}
	r.entries = r.build(configs, nil)
	return r
}

// build binds configs to adapters. A source present in prev with the same
// rate limit keeps its limiter so a reload does not refill the bucket.
func (r *Registry) build(configs []SourceConfig, prev map[string]*Entry) map[string]*Entry {
	entries := make(map[string]*Entry, len(configs))
	for _, cfg := range configs {
		l := r.log.With().Str("source", cfg.ID).Logger()
		if !cfg.Enabled {
			l.Info().Msg("source disabled in config, not registering")
			continue
		}
		factory, ok := r.catalog[cfg.ID]
		if !ok {
			l.Warn().Msg("no adapter implementation for source id")
			continue
		}
		if cfg.APIKeyEnv != "" && os.Getenv(cfg.APIKeyEnv) == "" {
			l.Warn().Str("env", cfg.APIKeyEnv).Msg("api key environment variable is not set")
		}
		adapter, err := factory(cfg)
		if err != nil {
			l.Warn().Err(err).Msg("adapter construction failed")
			continue
		}
		limiter := ratelimit.New(cfg.RateLimitRPM)
		if old, ok := prev[cfg.ID]; ok && old.Config.RateLimitRPM == cfg.RateLimitRPM {
			limiter = old.Limiter
		}
		entries[cfg.ID] = &Entry{
			Config:  cfg,
			Adapter: adapter,
			Limiter: limiter,
		}
		l.Debug().Str("kind", string(cfg.Kind)).Int("rpm", cfg.RateLimitRPM).Msg("source registered")
	}
	return entries
}

// Reload replaces the registered sources. The runtime disable set survives,
// as does the limiter of every source whose rate limit did not change.
func (r *Registry) Reload(configs []SourceConfig) {
	r.mu.RLock()
	prev := r.entries
	r.mu.RUnlock()
	entries := r.build(configs, prev)
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	r.log.Info().Int("sources", len(entries)).Msg("registry reloaded")
}

// Get returns the entry for id unless it is unknown or runtime-disabled.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.disabled[id]; off {
		return nil, false
	}
	e, ok := r.entries[id]
	return e, ok
}

// Config returns the config of a registered source, disabled or not.
func (r *Registry) Config(id string) (SourceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return SourceConfig{}, false
	}
	return e.Config, true
}

// Configs returns the config of every registered source ordered by id.
func (r *Registry) Configs() []SourceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceConfig, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered ids, enabled ones first, each group by id.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, d := range list {
		ids[i] = d.ID
	}
	return ids
}

// List describes every registered source. Runtime-disabled sources sort last.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for id, e := range r.entries {
		d := Descriptor{
			ID:           id,
			Name:         e.Config.DisplayName(),
			Kind:         e.Config.Kind,
			Enabled:      e.Config.Enabled,
			RagEnabled:   e.Config.RagEnabled,
			Schedule:     e.Config.ScheduleCron,
			RateLimitRPM: e.Config.RateLimitRPM,
			Symbols:      len(e.Config.Symbols),
		}
		if mark, off := r.disabled[id]; off {
			at := mark.at
			d.Disabled = true
			d.DisabledReason = mark.reason
			d.DisabledAt = &at
		}
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Disabled != out[j].Disabled {
			return !out[i].Disabled
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Disable suppresses id from manual and scheduled runs. It reports whether the
// state changed.
func (r *Registry) Disable(id, reason string) bool {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	r.mu.Lock()
	_, already := r.disabled[id]
	if !already {
		r.disabled[id] = disableMark{reason: reason, at: time.Now()}
	}
	r.mu.Unlock()

	if already {
		r.log.Debug().Str("source", id).Msg("source already disabled")
		return false
	}
	r.log.Warn().Str("source", id).Str("reason", reason).Msg("source disabled")
	return true
}

// Enable lifts a runtime disable. It reports whether the state changed.
func (r *Registry) Enable(id string) bool {
	r.mu.Lock()
	_, was := r.disabled[id]
	if was {
		delete(r.disabled, id)
		r.enabled[id] = time.Now()
	}
	r.mu.Unlock()

	if was {
		r.log.Info().Str("source", id).Msg("source enabled")
	}
	return was
}

// IsDisabled reports whether id is in the runtime disable set.
func (r *Registry) IsDisabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[id]
	return off
}

// DisabledReason returns why id was disabled, if it is.
func (r *Registry) DisabledReason(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mark, off := r.disabled[id]
	return mark.reason, off
}

// EnabledAt returns when a runtime disable of id was last lifted.
func (r *Registry) EnabledAt(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.enabled[id]
	return at, ok
}
