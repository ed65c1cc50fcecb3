package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/amoylab/replay/pkg/helper"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`       // whether to compress backup files
		Color      bool   `yaml:"color" toml:"color"`             // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`   // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`     // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format" toml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// MetricsConfig represents the prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled"`
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Addr      string    `yaml:"addr" toml:"addr"` // listen address for the agent's metrics endpoint
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}
)

// Type constrains the configuration roots LoadConfig understands
type Type interface {
	AgentConfig | IngestConfig
}

type defaulter interface {
	applyDefaults()
}

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	switch strings.ToLower(filepath.Ext(cfgPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, cfgPath, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, err
		}
	}

	if d, ok := any(&cfg).(defaulter); ok {
		d.applyDefaults()
	}

	return &cfg, cfgPath, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in config content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
