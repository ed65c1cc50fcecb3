package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/ifuryst/lol"
)

type (
	// IngestConfig represents the reference ingest service configuration
	IngestConfig struct {
		Port            int            `yaml:"port" toml:"port"`
		PID             string         `yaml:"pid" toml:"pid"`
		PublicURL       string         `yaml:"public_url" toml:"public_url"`           // base url written into presigned targets
		Sites           []string       `yaml:"sites" toml:"sites"`                     // accepted site ids, empty accepts any
		AllowedOrigins  []string       `yaml:"allowed_origins" toml:"allowed_origins"` // browser origins allowed to call the api, "*" for any
		MaxSegmentBytes int64          `yaml:"max_segment_bytes" toml:"max_segment_bytes"`
		Database        DatabaseConfig `yaml:"database" toml:"database"`
		Blob            BlobConfig     `yaml:"blob" toml:"blob"`
		Tokens          TokenConfig    `yaml:"tokens" toml:"tokens"`
		Logger          LoggerConfig   `yaml:"logger" toml:"logger"`
		Metrics         MetricsConfig  `yaml:"metrics" toml:"metrics"`
		Tracing         trace.Config   `yaml:"tracing" toml:"tracing"`
	}

	DatabaseConfig struct {
		Type     string `yaml:"type" toml:"type"`         // mysql, postgres, sqlite
		Host     string `yaml:"host" toml:"host"`         // localhost
		Port     int    `yaml:"port" toml:"port"`         // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user" toml:"user"`         // root (for mysql), postgres (for postgres)
		Password string `yaml:"password" toml:"password"` // password
		DBName   string `yaml:"dbname" toml:"dbname"`     // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode" toml:"sslmode"`   // disable (for postgres)
	}

	// BlobConfig represents where segment bodies are written
	BlobConfig struct {
		Path string `yaml:"path" toml:"path"`
	}

	// TokenConfig represents presigned upload token settings
	TokenConfig struct {
		Type      string        `yaml:"type" toml:"type"` // memory or redis
		SecretKey string        `yaml:"secret_key" toml:"secret_key"`
		TTL       time.Duration `yaml:"ttl" toml:"ttl"`
		Redis     RedisConfig   `yaml:"redis" toml:"redis"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Username string `yaml:"username" toml:"username"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		Prefix   string `yaml:"prefix" toml:"prefix"`
	}
)

// ApplyDefaults fills unset fields, as LoadConfig does after decoding
func (c *IngestConfig) ApplyDefaults() {
	c.applyDefaults()
}

func (c *IngestConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = cnst.DefaultIngestPort
	}
	if c.PID == "" {
		c.PID = cnst.DefaultIngestPID
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.Sites = lol.UniqSlice(c.Sites)
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = cnst.DefaultMaxSegmentBytes
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
		c.Database.DBName = "data/replay.db"
	}
	if c.Blob.Path == "" {
		c.Blob.Path = cnst.DefaultBlobPath
	}
	if c.Tokens.Type == "" {
		c.Tokens.Type = string(cnst.TokenStoreMemory)
	}
	if c.Tokens.TTL <= 0 {
		c.Tokens.TTL = cnst.DefaultTokenTTL
	}
	if c.Tokens.Redis.Prefix == "" {
		c.Tokens.Redis.Prefix = "replay:token"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = cnst.AppName
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = cnst.IngestCommandName
	}
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN()
	case "mysql":
		return c.getMySQLDSN()
	case "sqlite":
		if c.DBName != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
				panic(fmt.Errorf("failed to create directory for sqlite database: %w", err))
			}
		}
		return c.DBName // For SQLite, DBName is the file path
	default:
		return ""
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}
