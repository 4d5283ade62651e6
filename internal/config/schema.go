package config

import "time"

// Config holds chorus configuration.
// Stored at: $HOME/.chorus/config.yaml
type Config struct {
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint" yaml:"checkpoint"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Transfer    TransferConfig    `mapstructure:"transfer" yaml:"transfer"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Synth       SynthConfig       `mapstructure:"synth" yaml:"synth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Docker      DockerConfig      `mapstructure:"docker" yaml:"docker"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"` // "memory", "redis", "etcd"
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
	Etcd    EtcdConfig  `mapstructure:"etcd" yaml:"etcd"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR} syntax
	DB       int    `mapstructure:"db" yaml:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Namespace   string        `mapstructure:"namespace" yaml:"namespace"`
}

// CheckpointConfig tunes the session lock and record retention.
type CheckpointConfig struct {
	LockTTL        time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	LockAttempts   uint          `mapstructure:"lock_attempts" yaml:"lock_attempts"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay" yaml:"lock_retry_delay"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
	// FallbackDir holds local mirrors (default: $HOME/.chorus/checkpoints)
	FallbackDir string `mapstructure:"fallback_dir" yaml:"fallback_dir"`
}

// QueueConfig selects the broker and the retry policy.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"` // "memory", "redis"
	Prefix            string        `mapstructure:"prefix" yaml:"prefix"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBase         time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryCap          time.Duration `mapstructure:"retry_cap" yaml:"retry_cap"`
	RetryJitter       float64       `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	ResultTTL         time.Duration `mapstructure:"result_ttl" yaml:"result_ttl"`
}

// TransferConfig selects where chapter artifacts live.
type TransferConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // "fs", "inline", "s3"
	FS             FSConfig      `mapstructure:"fs" yaml:"fs"`
	InlineTTL      time.Duration `mapstructure:"inline_ttl" yaml:"inline_ttl"`
	InlineMaxBytes int64         `mapstructure:"inline_max_bytes" yaml:"inline_max_bytes"`
	S3             S3Config      `mapstructure:"s3" yaml:"s3"`
}

type FSConfig struct {
	// Root is the shared directory (default: $HOME/.chorus/artifacts)
	Root string `mapstructure:"root" yaml:"root"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

// WorkerConfig tunes a worker process.
type WorkerConfig struct {
	ID                string        `mapstructure:"id" yaml:"id"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxTasks          int           `mapstructure:"max_tasks" yaml:"max_tasks"` // 0 = unlimited
	MemoryLimitMB     int64         `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// SynthConfig holds synthesis defaults and engine credentials.
type SynthConfig struct {
	Engine   string       `mapstructure:"engine" yaml:"engine"` // "openai", "tone"
	Model    string       `mapstructure:"model" yaml:"model"`
	Voice    string       `mapstructure:"voice" yaml:"voice"`
	Language string       `mapstructure:"language" yaml:"language"`
	Format   string       `mapstructure:"format" yaml:"format"`
	Speed    float64      `mapstructure:"speed" yaml:"speed"`
	OpenAI   OpenAIConfig `mapstructure:"openai" yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CoordinatorConfig tunes the wait loop and the final combine.
type CoordinatorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	StagingDir       string        `mapstructure:"staging_dir" yaml:"staging_dir"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// DockerConfig holds the development Redis container configuration.
type DockerConfig struct {
	// ContainerName is the Docker container name (default: chorus-redis)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: redis:7-alpine)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 6379)
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
				Namespace:   "chorus/",
			},
		},
		Checkpoint: CheckpointConfig{
			LockTTL:        10 * time.Second,
			LockAttempts:   30,
			LockRetryDelay: time.Second,
			Retention:      7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			Backend:           "memory",
			Prefix:            "chorus:queue:",
			MaxRetries:        3,
			RetryBase:         60 * time.Second,
			RetryCap:          600 * time.Second,
			RetryJitter:       0.1,
			VisibilityTimeout: 90 * time.Minute,
			ResultTTL:         24 * time.Hour,
		},
		Transfer: TransferConfig{
			Backend:        "fs",
			InlineTTL:      7 * 24 * time.Hour,
			InlineMaxBytes: 64 << 20,
		},
		Worker: WorkerConfig{
			TaskTimeout:       time.Hour,
			PollInterval:      time.Second,
			HeartbeatInterval: 10 * time.Second,
			MaxTasks:          50,
		},
		Synth: SynthConfig{
			Engine: "openai",
			Model:  "gpt-4o-mini-tts",
			Voice:  "alloy",
			Format: "mp3",
			Speed:  1.0,
			OpenAI: OpenAIConfig{
				APIKey:  "${OPENAI_API_KEY}",
				Timeout: 2 * time.Minute,
			},
		},
		Coordinator: CoordinatorConfig{
			PollInterval:     2 * time.Second,
			ProgressInterval: 5 * time.Second,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Docker: DockerConfig{
			ContainerName: "chorus-redis",
			Image:         "redis:7-alpine",
			Port:          "6379",
		},
	}
}
