// Package config provides typed, reloadable configuration for OpenMemory.
// It loads settings from environment variables with no prefix (the wire
// names in spec.md §6 are used verbatim, e.g. PORT, VEC_DIM) the same way
// internal/config/config.go in the teacher repo loads MEMENTO_-prefixed
// variables: a buildBaseConfig() assembling defaults, with typed getEnv*
// helpers. LoadConfigFromDB takes a database handle but overlays nothing:
// it returns the same environment-derived configuration.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Config holds every setting OpenMemory's components read.
type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Embedding   EmbeddingConfig
	Query       QueryConfig
	Maintenance MaintenanceConfig
	Security    SecurityConfig
	Backup      BackupConfig
}

type ServerConfig struct {
	Port int
	Mode string // development | production
	Host string
}

type StorageConfig struct {
	DataDir        string
	DBPath         string
	MetadataBackend string // embedded | remote
	RemoteDSN      string
	StrictTenant   bool
}

type EmbeddingConfig struct {
	Kind   string // synthetic | local_daemon | remote_api | router
	Dim    int
	Mode   string // simple | advanced
	DaemonURL   string
	DaemonModel string
	RemoteAPIURL string
	RemoteAPIKey string
}

type QueryConfig struct {
	HybridFusion     bool
	KeywordBoost     float64
	KeywordMinLength int
	WeightVector     float64
	WeightKeyword    float64
	WeightTime       float64
	RecencyHalfLifeDays float64
	OversampleFactor int
}

type MaintenanceConfig struct {
	DecayIntervalMinutes int
	DecayRatio           float64
	AutoReflect          bool
	ReflectMin           int
}

type SecurityConfig struct {
	RateLimitEnabled    bool
	RateLimitWindowMS   int
	RateLimitMaxRequests int
	MaxPayloadSize      int
	APIKey              string
	AdminKey            string
}

type BackupConfig struct {
	Dir string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	return buildBaseConfig(), nil
}

// LoadConfigFromDB loads base config from the environment and overlays
// durable settings (currently: none required at startup beyond defaults)
// persisted in the settings table. Mirrors config.LoadConfigFromDB in the
// teacher repo.
func LoadConfigFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}
	cfg := buildBaseConfig()
	return cfg, nil
}

func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8080),
			Mode: getEnv("MODE", "development"),
			Host: getEnv("HOST", "0.0.0.0"),
		},
		Storage: StorageConfig{
			DataDir:         getEnv("DATA_DIR", "./data"),
			DBPath:          getEnv("DB_PATH", "./data/openmemory.db"),
			MetadataBackend: getEnv("METADATA_BACKEND", "embedded"),
			RemoteDSN:       getEnv("DATABASE_URL", ""),
			StrictTenant:    getEnvBool("STRICT_TENANT", false),
		},
		Embedding: EmbeddingConfig{
			Kind:         getEnv("EMBED_KIND", "synthetic"),
			Dim:          getEnvInt("VEC_DIM", 256),
			Mode:         getEnv("EMBED_MODE", "simple"),
			DaemonURL:    getEnv("EMBED_DAEMON_URL", "http://localhost:11434"),
			DaemonModel:  getEnv("EMBED_DAEMON_MODEL", "nomic-embed-text"),
			RemoteAPIURL: getEnv("EMBED_REMOTE_URL", ""),
			RemoteAPIKey: getEnv("EMBED_REMOTE_API_KEY", ""),
		},
		Query: QueryConfig{
			HybridFusion:        getEnvBool("HYBRID_FUSION", true),
			KeywordBoost:        getEnvFloat("KEYWORD_BOOST", 1.0),
			KeywordMinLength:    getEnvInt("KEYWORD_MIN_LENGTH", 3),
			WeightVector:        getEnvFloat("WEIGHT_VECTOR", 0.7),
			WeightKeyword:       getEnvFloat("WEIGHT_KEYWORD", 0.2),
			WeightTime:          getEnvFloat("WEIGHT_TIME", 0.1),
			RecencyHalfLifeDays: getEnvFloat("RECENCY_HALF_LIFE_DAYS", 30.0),
			OversampleFactor:    getEnvInt("OVERSAMPLE_FACTOR", 4),
		},
		Maintenance: MaintenanceConfig{
			DecayIntervalMinutes: getEnvInt("DECAY_INTERVAL_MINUTES", 1440),
			DecayRatio:           getEnvFloat("DECAY_RATIO", 0.5),
			AutoReflect:          getEnvBool("AUTO_REFLECT", true),
			ReflectMin:           getEnvInt("REFLECT_MIN", 20),
		},
		Security: SecurityConfig{
			RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
			RateLimitWindowMS:    getEnvInt("RATE_LIMIT_WINDOW_MS", 60000),
			RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
			MaxPayloadSize:       getEnvInt("MAX_PAYLOAD_SIZE", 1_000_000),
			APIKey:               getEnv("API_KEY", ""),
			AdminKey:             getEnv("ADMIN_KEY", ""),
		},
		Backup: BackupConfig{
			Dir: getEnv("BACKUP_DIR", "./backups"),
		},
	}
}

// Accessor holds a reloadable Config behind an atomic pointer so components
// always read the latest generation without locking.
type Accessor struct {
	mu  sync.Mutex
	val atomic.Pointer[Config]
}

// NewAccessor builds an Accessor from an already-loaded Config.
func NewAccessor(cfg *Config) *Accessor {
	a := &Accessor{}
	a.val.Store(cfg)
	return a
}

// Get returns the current configuration snapshot.
func (a *Accessor) Get() *Config { return a.val.Load() }

// Reload re-reads the environment and atomically swaps the snapshot.
func (a *Accessor) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.val.Store(buildBaseConfig())
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvBool recognizes {1, true, yes} as true and {0, false, no} as false,
// case-insensitively, per spec §9.
func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

var ErrNoDB = fmt.Errorf("config: database connection is required")
