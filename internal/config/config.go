package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	if err := setDefaults(cm.v, DefaultConfig()); err != nil {
		return err
	}

	// Environment variables with CHORUS_ prefix, e.g. CHORUS_STORE_BACKEND
	cm.v.SetEnvPrefix("CHORUS")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.chorus")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf of defaults under its dotted key so
// env overrides and partial config files merge per field.
func setDefaults(v *viper.Viper, defaults *Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	var walk func(prefix string, node interface{})
	walk = func(prefix string, node interface{}) {
		switch n := node.(type) {
		case map[interface{}]interface{}:
			for k, child := range n {
				walk(prefix+"."+fmt.Sprint(k), child)
			}
		case map[string]interface{}:
			for k, child := range n {
				walk(prefix+"."+k, child)
			}
		default:
			v.SetDefault(strings.TrimPrefix(prefix, "."), n)
		}
	}
	walk("", tree)
	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the file the config was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An invalid edit is
// logged and the previous config stays in effect.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// Validate rejects unknown backends and impossible limits.
func (c *Config) Validate() error {
	check := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fmt.Errorf("invalid %s %q (want one of %s)", field, value, strings.Join(allowed, ", "))
	}
	if err := check("store.backend", c.Store.Backend, "memory", "redis", "etcd"); err != nil {
		return err
	}
	if err := check("queue.backend", c.Queue.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := check("transfer.backend", c.Transfer.Backend, "fs", "inline", "s3"); err != nil {
		return err
	}
	if err := check("log_level", strings.ToLower(c.LogLevel), "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1, got %d", c.Queue.MaxRetries)
	}
	// A lease that ends before the task timeout hands a running chapter to a
	// second worker.
	if c.Queue.VisibilityTimeout <= c.Worker.TaskTimeout {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed worker.task_timeout (%s)",
			c.Queue.VisibilityTimeout, c.Worker.TaskTimeout)
	}
	if c.Transfer.Backend == "s3" && c.Transfer.S3.Bucket == "" {
		return errors.New("transfer.s3.bucket is required for the s3 backend")
	}
	return nil
}

// SlogLevel maps log_level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Chorus configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx
# Any key can be overridden with CHORUS_<SECTION>_<KEY>, e.g. CHORUS_STORE_BACKEND=redis

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
