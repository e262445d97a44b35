package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Agent.FlushDebounce)
	assert.Equal(t, time.Second, cfg.Agent.TeardownTimeout)
	assert.Equal(t, 100, cfg.Agent.MaxPendingRecordings)
	assert.Equal(t, cfg.Agent.BackendURL, cfg.Agent.CookieURL)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, time.Hour, cfg.Database.ConnLife)
	assert.Equal(t, 5000, cfg.AWS.ArchiveThreshold)
}

func TestLoad_AgentOverrides(t *testing.T) {
	t.Setenv("AGENT_BACKEND_URL", "https://api.example.com/")
	t.Setenv("AGENT_FLUSH_DEBOUNCE", "500")
	t.Setenv("AGENT_TEARDOWN_TIMEOUT", "3s")
	t.Setenv("AGENT_MAX_PENDING_RECORDINGS", "7")
	t.Setenv("COOKIE_SECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Agent.BackendURL)
	assert.Equal(t, "https://api.example.com", cfg.Agent.CookieURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.FlushDebounce)
	assert.Equal(t, 3*time.Second, cfg.Agent.TeardownTimeout)
	assert.Equal(t, 7, cfg.Agent.MaxPendingRecordings)
	assert.True(t, cfg.Cookie.Secure)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", c.DSN())
	c.URL = "postgres://x"
	assert.Equal(t, "postgres://x", c.DSN())
}

func TestSplitOrigins(t *testing.T) {
	c := ServerConfig{CORSAllowedOrigins: " http://a , ,http://b"}
	assert.Equal(t, []string{"http://a", "http://b"}, c.SplitOrigins())
}
