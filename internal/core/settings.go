package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/project-ishtar/ishtar/internal/metrics"
)

// GlobalSettings are the process-wide defaults applied to new conversations
// and to conversations that leave a setting unset.
type GlobalSettings struct {
	DefaultModel                string   `yaml:"defaultModel" json:"defaultModel"`
	SupportedModels             []string `yaml:"supportedModels" json:"supportedModels"`
	Temperature                 float32  `yaml:"temperature" json:"temperature"`
	EnableMultiTurnConversation bool     `yaml:"enableMultiTurnConversation" json:"enableMultiTurnConversation"`
	EnableThinking              bool     `yaml:"enableThinking" json:"enableThinking"`
	GeminiMaxThinkingTokenCount int32    `yaml:"geminiMaxThinkingTokenCount" json:"geminiMaxThinkingTokenCount"`
	// SummarizationThreshold overrides the configured threshold when positive.
	SummarizationThreshold int64 `yaml:"summarizationThreshold,omitempty" json:"summarizationThreshold,omitempty"`
}

func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		DefaultModel: "gemini-2.5-flash",
		SupportedModels: []string{
			"gemini-2.5-pro",
			"gemini-2.5-flash",
			"gemini-2.5-flash-lite",
			"gemini-2.0-flash",
			"gemini-2.0-flash-lite",
		},
		Temperature:                 1,
		EnableMultiTurnConversation: true,
		EnableThinking:              false,
		GeminiMaxThinkingTokenCount: -1, // dynamic budget
	}
}

// SupportsModel reports whether model may be selected. An empty supported
// list allows any model.
func (g GlobalSettings) SupportsModel(model string) bool {
	return len(g.SupportedModels) == 0 || slices.Contains(g.SupportedModels, model)
}

func (g GlobalSettings) clone() GlobalSettings {
	g.SupportedModels = slices.Clone(g.SupportedModels)
	return g
}

type SettingsSource interface {
	FetchSettings(ctx context.Context) (GlobalSettings, error)
}

// StaticSettings serves a fixed settings document.
type StaticSettings GlobalSettings

func (s StaticSettings) FetchSettings(context.Context) (GlobalSettings, error) {
	return GlobalSettings(s).clone(), nil
}

// FileSettings reads the settings document from a YAML file on every fetch.
// Keys missing from the file keep their default values.
type FileSettings struct {
	Path string
}

func (f FileSettings) FetchSettings(context.Context) (GlobalSettings, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return GlobalSettings{}, fmt.Errorf("failed to read settings file %s: %w", f.Path, err)
	}
	settings := DefaultGlobalSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return GlobalSettings{}, fmt.Errorf("failed to parse settings file %s: %w", f.Path, err)
	}
	return settings, nil
}

// FallbackPolicy selects what SettingsCache.Get returns when a fetch fails.
type FallbackPolicy string

const (
	// FallbackError surfaces the failure to every waiting caller.
	FallbackError FallbackPolicy = "error"
	// FallbackDefaults caches the default settings for one TTL.
	FallbackDefaults FallbackPolicy = "defaults"
	// FallbackStale keeps serving the last good value, if there is one.
	FallbackStale FallbackPolicy = "stale"
)

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(s); p {
	case FallbackError, FallbackDefaults, FallbackStale:
		return p, nil
	case "":
		return FallbackError, nil
	}
	return "", fmt.Errorf("unknown settings fallback policy %q", s)
}

const settingsKey = "global-settings"

// SettingsCache caches the global settings for a TTL. Concurrent callers
// that find the cache expired share one fetch.
type SettingsCache struct {
	source   SettingsSource
	ttl      time.Duration
	policy   FallbackPolicy
	defaults GlobalSettings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	value     *GlobalSettings
	fetchedAt time.Time
}

func NewSettingsCache(source SettingsSource, ttl time.Duration, policy FallbackPolicy, logger *slog.Logger, m *metrics.Metrics) *SettingsCache {
	if policy == "" {
		policy = FallbackError
	}
	return &SettingsCache{
		source:   source,
		ttl:      ttl,
		policy:   policy,
		defaults: DefaultGlobalSettings(),
		metrics:  m,
		logger:   orDiscard(logger),
		now:      time.Now,
	}
}

func (c *SettingsCache) Get(ctx context.Context) (GlobalSettings, error) {
	c.mu.Lock()
	if c.value != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		v := c.value.clone()
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// The shared fetch must not be cancelled by whichever caller started it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(settingsKey, func() (any, error) {
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return GlobalSettings{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return GlobalSettings{}, res.Err
		}
		return res.Val.(GlobalSettings).clone(), nil
	}
}

func (c *SettingsCache) refresh(ctx context.Context) (GlobalSettings, error) {
	settings, err := c.source.FetchSettings(ctx)
	if err == nil {
		c.metrics.ObserveSettingsFetch("ok")
		c.store(settings)
		return settings, nil
	}
	c.metrics.ObserveSettingsFetch("error")

	switch c.policy {
	case FallbackDefaults:
		c.logger.Warn("could not fetch global settings, caching defaults", "error", err)
		c.store(c.defaults)
		return c.defaults, nil
	case FallbackStale:
		c.mu.Lock()
		var stale *GlobalSettings
		if c.value != nil {
			v := c.value.clone()
			stale = &v
			// Keep serving it for another TTL before retrying.
			c.fetchedAt = c.now()
		}
		c.mu.Unlock()
		if stale != nil {
			c.logger.Warn("could not fetch global settings, serving stale value", "error", err)
			return *stale, nil
		}
	}
	return GlobalSettings{}, fmt.Errorf("%w: %w", ErrSettingsUnavailable, err)
}

func (c *SettingsCache) store(settings GlobalSettings) {
	v := settings.clone()
	c.mu.Lock()
	c.value = &v
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// Invalidate drops the cached value so the next Get fetches again.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}
