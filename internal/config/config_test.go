package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="fast" is not a valid number`, err.Error())
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestParseAgents(t *testing.T) {
	agents, err := parseAgents("KANSHI_AGENTS", " web-1=http://10.0.0.1:9000/ , db-1=https://db.internal ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"web-1": "http://10.0.0.1:9000",
		"db-1":  "https://db.internal",
	}, agents)
}

func TestParseAgentsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing url", "web-1", "must be name=url"},
		{"bad scheme", "web-1=ftp://x", "invalid url"},
		{"reserved", "all=http://x", "reserved"},
		{"duplicate", "a=http://x,a=http://y", "listed twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseAgents("KANSHI_AGENTS", tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KANSHI_PORT", "abc")
	_, err := Load()
	require.Error(t, err)
	// Error should mention the variable name and value.
	assert.Contains(t, err.Error(), "KANSHI_PORT")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANSHI_PORT", "abc")
	t.Setenv("KANSHI_MANAGER_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KANSHI_PORT")
	assert.Contains(t, err.Error(), "KANSHI_MANAGER_TIMEOUT")
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.ManagerTimeout)
	assert.Equal(t, 1000, cfg.RetentionCount)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Empty(t, cfg.Agents)
	assert.Empty(t, cfg.ArchiveURL)
}

func TestLoadTimeoutsIndependent(t *testing.T) {
	t.Setenv("KANSHI_DEFAULT_TIMEOUT", "45s")
	t.Setenv("KANSHI_MANAGER_TIMEOUT", "2m")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ManagerTimeout)
}

func TestValidateArchiveURL(t *testing.T) {
	t.Setenv("KANSHI_ARCHIVE_URL", "mysql://nope")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KANSHI_ARCHIVE_URL")
}

func TestAgentNamesSorted(t *testing.T) {
	cfg := Config{Agents: map[string]string{"web-2": "http://b", "db-1": "http://a", "web-1": "http://c"}}
	assert.Equal(t, []string{"db-1", "web-1", "web-2"}, cfg.AgentNames())
}

func writeAgentsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMergesAgentsFile(t *testing.T) {
	t.Setenv("KANSHI_AGENTS", "web-1=http://10.0.0.1:9000")
	t.Setenv("KANSHI_AGENTS_FILE", writeAgentsFile(t, "agents:\n  db-1: https://db.internal/\n  cache-1: http://10.0.0.7:9000\n"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"web-1":   "http://10.0.0.1:9000",
		"db-1":    "https://db.internal",
		"cache-1": "http://10.0.0.7:9000",
	}, cfg.Agents)
}

func TestLoadAgentsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		inline  string
		content string
		want    string
	}{
		{"duplicate across sources", "web-1=http://a", "agents:\n  web-1: http://b\n", "listed twice"},
		{"invalid yaml", "", "agents: [", "parse"},
		{"invalid url", "", "agents:\n  web-1: not-a-url\n", "invalid url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KANSHI_AGENTS", tt.inline)
			t.Setenv("KANSHI_AGENTS_FILE", writeAgentsFile(t, tt.content))
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "KANSHI_AGENTS_FILE")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAgentsFileMissing(t *testing.T) {
	t.Setenv("KANSHI_AGENTS_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KANSHI_AGENTS_FILE")
}
