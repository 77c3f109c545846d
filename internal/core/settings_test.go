package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSource struct {
	calls   atomic.Int32
	release chan struct{}
	fail    atomic.Bool
	model   string
}

func (s *countingSource) FetchSettings(context.Context) (GlobalSettings, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.fail.Load() {
		return GlobalSettings{}, errors.New("settings backend down")
	}
	g := DefaultGlobalSettings()
	g.DefaultModel = s.model
	return g, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(src SettingsSource, policy FallbackPolicy) (*SettingsCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewSettingsCache(src, time.Minute, policy, nil, nil)
	c.now = clock.Now
	return c, clock
}

func TestSettingsCacheTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &countingSource{model: "m1"}
	c, clock := newTestCache(src, FallbackError)

	for range 3 {
		g, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if g.DefaultModel != "m1" {
			t.Fatalf("DefaultModel = %q", g.DefaultModel)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("fetched %d times within TTL, want 1", n)
	}

	clock.Advance(time.Minute)
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("fetched %d times after expiry, want 2", n)
	}

	c.Invalidate()
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if n := src.calls.Load(); n != 3 {
		t.Fatalf("fetched %d times after Invalidate, want 3", n)
	}
}

func TestSettingsCacheSingleFlight(t *testing.T) {
	t.Parallel()
	src := &countingSource{model: "m1", release: make(chan struct{})}
	c, _ := newTestCache(src, FallbackError)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background())
			errs <- err
		}()
	}
	// Let the first fetch start, then hold it until everyone has had a chance to join.
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("fetched %d times for concurrent callers, want 1", n)
	}
}

func TestSettingsCacheCallerCancellation(t *testing.T) {
	t.Parallel()
	src := &countingSource{model: "m1", release: make(chan struct{})}
	c, _ := newTestCache(src, FallbackError)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		done <- err
	}()
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Get error = %v, want context.Canceled", err)
	}

	// The shared fetch still completes and fills the cache.
	close(src.release)
	g, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.DefaultModel != "m1" {
		t.Fatalf("DefaultModel = %q", g.DefaultModel)
	}
}

func TestSettingsCacheFallbackPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Error", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{model: "m1"}
		src.fail.Store(true)
		c, _ := newTestCache(src, FallbackError)
		if _, err := c.Get(ctx); !errors.Is(err, ErrSettingsUnavailable) {
			t.Fatalf("Get error = %v, want ErrSettingsUnavailable", err)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{model: "m1"}
		src.fail.Store(true)
		c, _ := newTestCache(src, FallbackDefaults)
		g, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if g.DefaultModel != DefaultGlobalSettings().DefaultModel {
			t.Fatalf("DefaultModel = %q, want default", g.DefaultModel)
		}
		if _, err := c.Get(ctx); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if n := src.calls.Load(); n != 1 {
			t.Fatalf("defaults not cached: %d fetches", n)
		}
	})

	t.Run("Stale", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{model: "m1"}
		c, clock := newTestCache(src, FallbackStale)
		if _, err := c.Get(ctx); err != nil {
			t.Fatalf("Get: %v", err)
		}

		src.fail.Store(true)
		clock.Advance(2 * time.Minute)
		g, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get with stale value: %v", err)
		}
		if g.DefaultModel != "m1" {
			t.Fatalf("DefaultModel = %q, want stale m1", g.DefaultModel)
		}
		if _, err := c.Get(ctx); err != nil {
			t.Fatalf("Get with stale value: %v", err)
		}
		if n := src.calls.Load(); n != 2 {
			t.Fatalf("fetched %d times, want 2: the stale value should be kept for a TTL", n)
		}

		clock.Advance(time.Minute)
		if _, err := c.Get(ctx); err != nil {
			t.Fatalf("Get after stale TTL: %v", err)
		}
		if n := src.calls.Load(); n != 3 {
			t.Fatalf("fetched %d times after the stale TTL, want 3", n)
		}
	})

	t.Run("StaleWithoutValue", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{model: "m1"}
		src.fail.Store(true)
		c, _ := newTestCache(src, FallbackStale)
		if _, err := c.Get(ctx); !errors.Is(err, ErrSettingsUnavailable) {
			t.Fatalf("Get error = %v, want ErrSettingsUnavailable", err)
		}
	})
}

func TestFileSettings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	doc := `defaultModel: gemini-2.5-pro
supportedModels:
  - gemini-2.5-pro
temperature: 0.5
summarizationThreshold: 1000
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g, err := FileSettings{Path: path}.FetchSettings(context.Background())
	if err != nil {
		t.Fatalf("FetchSettings: %v", err)
	}
	if g.DefaultModel != "gemini-2.5-pro" || g.Temperature != 0.5 || g.SummarizationThreshold != 1000 {
		t.Fatalf("settings = %+v", g)
	}
	if !g.SupportsModel("gemini-2.5-pro") || g.SupportsModel("gemini-2.0-flash") {
		t.Fatalf("supported models = %v", g.SupportedModels)
	}
	if !g.EnableMultiTurnConversation {
		t.Fatal("keys missing from the file should keep their defaults")
	}

	if _, err := (FileSettings{Path: filepath.Join(t.TempDir(), "missing.yaml")}).FetchSettings(context.Background()); err == nil {
		t.Fatal("FetchSettings on a missing file succeeded")
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]FallbackPolicy{
		"":         FallbackError,
		"error":    FallbackError,
		"defaults": FallbackDefaults,
		"stale":    FallbackStale,
	} {
		got, err := ParseFallbackPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseFallbackPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFallbackPolicy("retry"); err == nil {
		t.Error("ParseFallbackPolicy accepted an unknown policy")
	}
}
