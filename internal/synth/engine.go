package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	ErrEmptyText     = errors.New("text is required")
	ErrUnknownEngine = errors.New("unknown synthesis engine")
)

// Clip is the audio for one segment or one joined chapter.
type Clip struct {
	Audio    []byte
	Format   string
	Duration time.Duration
}

// Engine synthesizes one text segment at a time.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string) (*Clip, error)
}

// Factory builds an engine for a config.
type Factory func(cfg Config) (Engine, error)

// Options carries process-level settings engines need but tasks must not carry.
type Options struct {
	DefaultEngine string
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAITimeout time.Duration
	HTTPClient    *http.Client
}

// NewFactory returns the factory for the built-in engines.
func NewFactory(opts Options) Factory {
	return func(cfg Config) (Engine, error) {
		cfg = cfg.WithDefaults(opts.DefaultEngine)
		switch cfg.Engine {
		case EngineOpenAI:
			if opts.OpenAIKey == "" {
				return nil, fmt.Errorf("openai engine requires an API key")
			}
			return NewOpenAIEngine(OpenAIConfig{
				APIKey:       opts.OpenAIKey,
				BaseURL:      opts.OpenAIBaseURL,
				Timeout:      opts.OpenAITimeout,
				HTTPClient:   opts.HTTPClient,
				Model:        cfg.Model,
				Voice:        cfg.Voice,
				Format:       cfg.Format,
				Speed:        cfg.Speed,
				Instructions: cfg.Instructions,
			}), nil
		case EngineTone:
			return NewToneEngine(cfg), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
		}
	}
}

// Cache holds loaded engines keyed by config hash for the life of the
// process. It is never shared between processes.
type Cache struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	engines map[string]Engine
}

// NewCache creates an empty cache over factory.
func NewCache(factory Factory, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		factory: factory,
		logger:  logger,
		engines: make(map[string]Engine),
	}
}

// Get returns the cached engine for cfg, building it on first use.
func (c *Cache) Get(cfg Config) (Engine, error) {
	key := cfg.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.engines[key]; ok {
		return e, nil
	}

	start := time.Now()
	e, err := c.factory(cfg)
	if err != nil {
		return nil, err
	}
	c.engines[key] = e
	c.logger.Info("loaded synthesis engine", "engine", e.Name(), "config_hash", key, "took", time.Since(start))
	return e, nil
}

// Len reports how many engines are loaded.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.engines)
}

// Keys lists the loaded config hashes.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.engines))
	for k := range c.engines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops every loaded engine. Engines already handed out stay usable.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines = make(map[string]Engine)
}
