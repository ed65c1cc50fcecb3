package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	require.NoError(t, os.Chdir(tmp))
	return tmp
}

func TestLoadConfig_AgentYAML(t *testing.T) {
	tmp := chdirTemp(t)
	t.Setenv("X_SITE", "site-42")

	yaml := `
capture:
  site_id: ${X_SITE:none}
  api_origin: https://api.example.com/
  sample_percentage: 150
  flush_interval: 500ms
  blacklist:
    - /admin/**
    - " /admin/** "
    - ""
logger:
  level: debug
`
	file := filepath.Join(tmp, "agent.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig[AgentConfig]("agent.yaml")
	require.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)

	assert.Equal(t, "site-42", cfg.Capture.SiteID)
	assert.Equal(t, "https://api.example.com", cfg.Capture.APIOrigin)
	// out of range percentage clamps to zero
	assert.Equal(t, 0.0, cfg.Capture.SamplePercentage)
	// below the floor is raised
	assert.Equal(t, cnst.MinFlushInterval, cfg.Capture.FlushInterval)
	assert.Equal(t, []string{"/admin/**"}, cfg.Capture.Blacklist)
	assert.Equal(t, cnst.DefaultFailureThreshold, cfg.Capture.FailureThreshold)
	assert.Equal(t, cnst.DefaultMaxTotalFailures, cfg.Capture.MaxTotalFailures)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, ":5241", cfg.Bridge.Addr)
	assert.Equal(t, cnst.AgentCommandName, cfg.Tracing.ServiceName)
}

func TestLoadConfig_IngestTOML(t *testing.T) {
	tmp := chdirTemp(t)

	content := `
port = 9000
sites = ["a", "b"]

[database]
type = "sqlite"
dbname = ":memory:"

[tokens]
type = "redis"
secret_key = "s3cret"
ttl = "30s"
`
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "ingest.toml"), []byte(content), 0o644))

	cfg, _, err := LoadConfig[IngestConfig]("ingest.toml")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "http://localhost:9000", cfg.PublicURL)
	assert.Equal(t, []string{"a", "b"}, cfg.Sites)
	assert.Equal(t, "redis", cfg.Tokens.Type)
	assert.Equal(t, 30*time.Second, cfg.Tokens.TTL)
	assert.Equal(t, "replay:token", cfg.Tokens.Redis.Prefix)
	assert.Equal(t, cnst.DefaultBlobPath, cfg.Blob.Path)
	assert.Equal(t, ":memory:", cfg.Database.GetDSN())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	chdirTemp(t)
	_, _, err := LoadConfig[AgentConfig]("/nonexistent/agent.yaml")
	assert.Error(t, err)
}

func TestClampPercentage(t *testing.T) {
	assert.Equal(t, 0.0, ClampPercentage(-1))
	assert.Equal(t, 0.0, ClampPercentage(101))
	assert.Equal(t, 0.0, ClampPercentage(math.NaN()))
	assert.Equal(t, 42.5, ClampPercentage(42.5))
	assert.Equal(t, 100.0, ClampPercentage(100))
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	pg := DatabaseConfig{Type: "postgres", User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", pg.GetDSN())

	my := DatabaseConfig{Type: "mysql", User: "u", Password: "p", Host: "h", Port: 3306, DBName: "d"}
	assert.Contains(t, my.GetDSN(), "u:p@tcp(h:3306)/d")

	assert.Equal(t, "", (&DatabaseConfig{Type: "oracle"}).GetDSN())
}
