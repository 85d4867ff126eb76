package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "jobs.pipe", cfg.Daemon.Pipe)
	assert.Equal(t, 4, cfg.Daemon.MaxJobs)
	assert.Equal(t, "/bin/sh", cfg.Daemon.Shell)
	assert.Equal(t, 100*time.Millisecond, cfg.Daemon.LaunchPacing.Std())
	assert.Equal(t, 30*time.Second, cfg.Hooks.SlotWait.Std())
	assert.Equal(t, "git pull", cfg.HookCommands()["git"])
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "sjs.yaml", `
daemon:
  pipe: /tmp/sjs/jobs.pipe
  max_jobs: 2
  launch_pacing: 250ms
  reply_timeout: 3s
hooks:
  make: make -j4
journal:
  enabled: true
  path: /tmp/sjs/journal
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sjs/jobs.pipe", cfg.Daemon.Pipe)
	assert.Equal(t, 2, cfg.Daemon.MaxJobs)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.LaunchPacing.Std())
	assert.Equal(t, 3*time.Second, cfg.Daemon.ReplyTimeout.Std())
	assert.Equal(t, "make -j4", cfg.Hooks.Make)
	assert.Equal(t, "git pull", cfg.Hooks.Git, "unset fields keep defaults")
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "sjs.toml", `
[daemon]
pipe = "jobs.pipe"
max_jobs = 0
reap_interval = "500ms"

[rpc]
enabled = true
addr = "127.0.0.1:6000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Daemon.MaxJobs)
	assert.Equal(t, 500*time.Millisecond, cfg.Daemon.ReapInterval.Std())
	assert.True(t, cfg.RPC.Enabled)
	assert.Equal(t, "127.0.0.1:6000", cfg.RPC.Addr)
	assert.Equal(t, "/bin/sh", cfg.Daemon.Shell)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errText string
	}{
		{"negative max_jobs", "a.yaml", "daemon:\n  max_jobs: -1\n", "daemon.max_jobs"},
		{"empty pipe", "b.yaml", "daemon:\n  pipe: \"\"\n", "daemon.pipe"},
		{"bad duration", "c.yaml", "daemon:\n  launch_pacing: soon\n", "parse config YAML"},
		{"bad log format", "d.yaml", "log:\n  format: xml\n", "log.format"},
		{"zero slot wait", "e.toml", "[hooks]\nslot_wait = \"0s\"\n", "hooks.slot_wait"},
		{"broken yaml", "f.yaml", "daemon: [\n", "parse config YAML"},
		{"broken toml", "g.toml", "[daemon\n", "parse config TOML"},
	}

	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, dir, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Default(), *cfg)

	cfg, found, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 4, cfg.Daemon.MaxJobs)

	path := writeConfig(t, t.TempDir(), "x.yaml", "daemon:\n  max_jobs: 9\n")
	cfg, found, err = LoadOrDefault(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 9, cfg.Daemon.MaxJobs)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "toml", Format("a/b.TOML"))
	assert.Equal(t, "yaml", Format("a/b.yml"))
	assert.Equal(t, "yaml", Format("noext"))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "sjs.yaml", "daemon:\n  max_jobs: 1\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid edit is ignored.
	writeConfig(t, dir, "sjs.yaml", "daemon:\n  max_jobs: -3\n")
	// Unrelated files in the directory are ignored.
	writeConfig(t, dir, "other.yaml", "daemon:\n  max_jobs: 7\n")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, reloaded)

	writeConfig(t, dir, "sjs.yaml", "daemon:\n  max_jobs: 5\n")
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 5, cfg.Daemon.MaxJobs)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher("x.yaml", nil, nil)
	assert.Error(t, err)
}

func TestShippedConfigMatchesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}
