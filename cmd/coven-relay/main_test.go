// ABOUTME: Tests for CLI wiring: config path resolution, readiness check, and log formatting
// ABOUTME: Uses httptest servers and in-memory buffers only

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestConfigPath(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	assert.Equal(t, "/flag.yaml", configPath("/flag.yaml"))
	assert.Equal(t, filepath.Join("/xdg", "coven", "relay.yaml"), configPath(""))

	t.Setenv("COVEN_RELAY_CONFIG", "/env.toml")
	assert.Equal(t, "/env.toml", configPath(""))
	assert.Equal(t, "/flag.yaml", configPath("/flag.yaml"))
}

func TestCheckReady(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/ready", r.URL.Path)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	require.NoError(t, checkReady(context.Background(), srv.Client(), addr))

	ready.Store(false)
	assert.ErrorContains(t, checkReady(context.Background(), srv.Client(), addr), "status 503")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "coven-relay dev\n", out.String())
}

func TestHealthCommand_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"health", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	assert.ErrorContains(t, cmd.Execute(), "loading config")
}

func TestSetupLogger_Console(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.With("service", "basic").WithGroup("req").Warn("slow handler", "ms", 1200)

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "WRN slow handler")
	assert.Contains(t, line, "service=basic")
	assert.Contains(t, line, "req.ms=1200")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("dispatched", "branch", "basic.start")

	assert.Contains(t, buf.String(), `"msg":"dispatched"`)
	assert.Contains(t, buf.String(), `"branch":"basic.start"`)
}
