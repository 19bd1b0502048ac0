package domain

import "time"

// Config holds the complete busrecon configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile determines which backing services are used
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Detector   DetectorConfig   `json:"detector"`
	Sampler    SamplerConfig    `json:"sampler"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DetectorConfig holds ensemble-detector tuning.
type DetectorConfig struct {
	// ConfidenceThreshold filters final results.
	ConfidenceThreshold float64 `json:"confidenceThreshold"`

	// SimilarityThreshold gates pattern-method acceptance.
	SimilarityThreshold float64 `json:"similarityThreshold"`

	// LearningEnabled turns on confidence-weight reinforcement.
	LearningEnabled bool `json:"learningEnabled"`

	// HistoryLimit bounds the in-memory detection history.
	HistoryLimit int `json:"historyLimit"`
}

// SamplerConfig holds CAN sampling settings.
type SamplerConfig struct {
	// WindowSeconds is the default sampling window length.
	WindowSeconds float64 `json:"windowSeconds"`

	// RecvTimeoutMs is the per-receive timeout that keeps the drain loop
	// responsive to the window deadline.
	RecvTimeoutMs int `json:"recvTimeoutMs"`

	// ReplayPath optionally points at a recorded frame script. When empty
	// no frame source is configured and scans fail fast.
	ReplayPath string `json:"replayPath,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Profile selects the backing-service stack.
type Profile string

const (
	// ProfileWorkshop is the single-bench profile: SQLite + in-memory LRU + channels.
	ProfileWorkshop Profile = "workshop"

	// ProfileFleet is the multi-bay profile: PostgreSQL + Redis + NATS.
	ProfileFleet Profile = "fleet"
)

// DefaultConfig returns the workshop-profile configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileWorkshop,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./busrecon.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detector: DetectorConfig{
			ConfidenceThreshold: 0.5,
			SimilarityThreshold: 0.7,
			LearningEnabled:     true,
			HistoryLimit:        1000,
		},
		Sampler: SamplerConfig{
			WindowSeconds: 10,
			RecvTimeoutMs: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "busrecon",
		},
	}
}

// FleetConfig returns the fleet-profile configuration.
func FleetConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileFleet
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "busrecon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
