package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecthost/bootstrap/internal/command/commandtest"
	"github.com/projecthost/bootstrap/internal/config"
)

func testServiceManager(t *testing.T) (*Manager, *commandtest.FakeRunner, *config.BootstrapConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.BootstrapConfig{
		SSHUser:       "user",
		BootstrapRoot: filepath.Join(root, "mnt"),
		BootstrapDir:  filepath.Join(root, "mnt", "projecthost"),
		EnvFile:       filepath.Join(root, "mnt", "projecthost", "env"),
		ProjectHostBundle: config.BundleSpec{
			Current: filepath.Join(root, "bundles", "current"),
		},
	}
	run := commandtest.New()
	m := NewManager(cfg, zerolog.Nop(), run)
	m.BinDir = filepath.Join(root, "bin")
	m.SudoersPath = filepath.Join(root, "sudoers.d", "project-host")
	m.CronPath = filepath.Join(root, "cron.d", "project-host")
	return m, run, cfg
}

func deployEntrypoint(t *testing.T, cfg *config.BootstrapConfig, rel string) {
	t.Helper()
	versionDir := filepath.Join(filepath.Dir(cfg.ProjectHostBundle.Current), "v1")
	path := filepath.Join(versionDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.ProjectHostBundle.Current), 0o755))
	require.NoError(t, os.Symlink(versionDir, cfg.ProjectHostBundle.Current))
}

func TestWriteWrapper(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	require.NoError(t, m.WriteWrapper())

	data, err := os.ReadFile(m.wrapperPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), cfg.ProjectHostBundle.Current)
	assert.Contains(t, string(data), cfg.EnvFile)
	assert.Contains(t, string(data), "bin/project-host")

	info, err := os.Stat(m.wrapperPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteHelpers(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	require.NoError(t, m.WriteHelpers())

	ctl, err := os.ReadFile(m.ctlPath())
	require.NoError(t, err)
	assert.Contains(t, string(ctl), m.pidFile())

	startup, err := os.ReadFile(m.startupPath())
	require.NoError(t, err)
	assert.Contains(t, string(startup), cfg.Mountpoint())
	assert.Contains(t, string(startup), m.ResizeHelper)

	_, err = os.Stat(filepath.Join(m.BinDir, "project-host-logs"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.BinDir, "project-host-tunnel-logs"))
	assert.True(t, os.IsNotExist(err), "tunnel log helper only when tunnel enabled")
}

func TestWriteHelpersWithTunnel(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	cfg.Cloudflared.Enabled = true
	require.NoError(t, m.WriteHelpers())

	_, err := os.Stat(filepath.Join(m.BinDir, "project-host-tunnel-logs"))
	assert.NoError(t, err)
}

func TestWriteSudoersScope(t *testing.T) {
	m, run, _ := testServiceManager(t)
	require.NoError(t, m.WriteSudoers(context.Background()))

	data, err := os.ReadFile(m.SudoersPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), m.ResizeHelper)
	assert.NotContains(t, string(data), "cloudflared", "no tunnel rules when the tunnel is disabled")
	assert.NotContains(t, string(data), "ALL: ALL", "never a blanket grant")

	assert.True(t, run.Ran("visudo -c -f "+m.SudoersPath))
}

func TestWriteSudoersWithTunnel(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	cfg.Cloudflared.Enabled = true
	require.NoError(t, m.WriteSudoers(context.Background()))

	data, err := os.ReadFile(m.SudoersPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "systemctl restart cloudflared")
}

func TestWriteSudoersRemovesInvalidFragment(t *testing.T) {
	m, run, _ := testServiceManager(t)
	run.RunErr["visudo"] = errors.New("syntax error")

	require.Error(t, m.WriteSudoers(context.Background()))
	_, err := os.Stat(m.SudoersPath)
	assert.True(t, os.IsNotExist(err))
}

func TestInstallAutostart(t *testing.T) {
	m, _, _ := testServiceManager(t)
	require.NoError(t, m.InstallAutostart())

	data, err := os.ReadFile(m.CronPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "@reboot user "+m.startupPath())
}

func TestEnsureEntrypoint(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	deployEntrypoint(t, cfg, "packages/server/bin/project-host")

	path, err := m.EnsureEntrypoint()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ProjectHostBundle.Current, "packages/server/bin/project-host"), path)
}

func TestEnsureEntrypointMissing(t *testing.T) {
	m, _, cfg := testServiceManager(t)
	// Deployed bundle exists but carries no recognized entrypoint.
	require.NoError(t, os.MkdirAll(cfg.ProjectHostBundle.Current, 0o755))

	_, err := m.EnsureEntrypoint()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntrypointMissing)
	assert.Contains(t, err.Error(), "rebuild")
}

func TestStartStopsThenStarts(t *testing.T) {
	m, run, cfg := testServiceManager(t)
	deployEntrypoint(t, cfg, "bin/project-host")

	require.NoError(t, m.Start(context.Background()))

	require.Len(t, run.Requests, 2)
	assert.Equal(t, []string{m.ctlPath(), "stop"}, run.Requests[0].Args)
	assert.True(t, run.Requests[0].BestEffort)
	assert.Equal(t, "user", run.Requests[0].User)
	assert.Equal(t, []string{m.ctlPath(), "start"}, run.Requests[1].Args)
	assert.False(t, run.Requests[1].BestEffort)
}

func TestStartRefusesWithoutEntrypoint(t *testing.T) {
	m, run, cfg := testServiceManager(t)
	require.NoError(t, os.MkdirAll(cfg.ProjectHostBundle.Current, 0o755))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntrypointMissing)
	assert.Empty(t, run.Requests, "no start attempted against a broken bundle")
}
