package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Freshness FreshnessConfig `json:"freshness"`
	Search    SearchConfig    `json:"search"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// StorageConfig controls the file-backed session store.
type StorageConfig struct {
	BaseDir            string `json:"base_dir"`
	SessionTimeoutMins int    `json:"session_timeout_mins"`
	MaxCheckpoints     int    `json:"max_checkpoints"`
	CleanupStrategy    string `json:"cleanup_strategy"`
	MigrationsDir      string `json:"migrations_dir"`
}

// FreshnessConfig tunes time-weighted scoring.
type FreshnessConfig struct {
	DecayFactor         float64 `json:"decay_factor"`
	PriorityWindowHours float64 `json:"priority_window_hours"`
	PriorityBoost       float64 `json:"priority_boost"`
}

// SearchConfig tunes the multi-backend aggregator.
type SearchConfig struct {
	DefaultLimit     int    `json:"default_limit"`
	ScanLimit        int64  `json:"scan_limit"`
	TimeoutMS        int    `json:"timeout_ms"`
	VectorCollection string `json:"vector_collection"`
	MongoDatabase    string `json:"mongo_database"`
	MongoCollection  string `json:"mongo_collection"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Mongo    MongoConfig    `json:"mongo"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MongoConfig struct {
	URI string `json:"uri"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
