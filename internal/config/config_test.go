package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRaw() map[string]any {
	bundle := func(name string) map[string]any {
		return map[string]any{
			"url":     "https://artifacts.example.com/" + name + ".tar.gz",
			"remote":  "/var/tmp/" + name + ".tar.gz",
			"root":    "/srv/" + name,
			"dir":     "/srv/" + name + "/v1.2.3",
			"current": "/srv/" + name + "/current",
		}
	}
	return map[string]any{
		"bootstrap_user":      "root",
		"bootstrap_home":      "/root",
		"ssh_user":            "user",
		"bootstrap_root":      "/mnt/data",
		"bootstrap_dir":       "/mnt/data/projecthost",
		"expected_os":         "Linux",
		"expected_arch":       "x86_64",
		"env_file":            "/mnt/data/projecthost/env",
		"project_host_bundle": bundle("project-host"),
		"project_bundle":      bundle("project"),
		"tools_bundle":        bundle("tools"),
	}
}

func writeConfig(t *testing.T, raw map[string]any) string {
	t.Helper()
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validRaw()))
	require.NoError(t, err)

	assert.Equal(t, "user", cfg.SSHUser)
	assert.Equal(t, "/mnt/data", cfg.Mountpoint())
	assert.Equal(t, "/mnt/data/projecthost/secrets", cfg.SecretsDir())
	assert.Equal(t, "/mnt/data/tmp", cfg.TmpDir())
	assert.True(t, cfg.Parallel, "parallel defaults true")

	bundles := cfg.Bundles()
	require.Len(t, bundles, 3)
	assert.Equal(t, BundleProjectHost, bundles[0].Name)
}

func TestLoadNamesFirstMissingField(t *testing.T) {
	raw := validRaw()
	delete(raw, "ssh_user")
	_, err := Load(writeConfig(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh_user missing")
}

func TestLoadRejectsBadImageSize(t *testing.T) {
	raw := validRaw()
	raw["image_size"] = "lots"
	_, err := Load(writeConfig(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_size")
}

func TestLoadRejectsIncompleteBundle(t *testing.T) {
	raw := validRaw()
	raw["tools_bundle"] = map[string]any{"url": "https://artifacts.example.com/tools.tar.gz"}
	_, err := Load(writeConfig(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools bundle")
}

func TestCloudflaredNeedsOneAuthMode(t *testing.T) {
	raw := validRaw()
	raw["cloudflared"] = map[string]any{
		"enabled":  true,
		"hostname": "host.example.com",
		"port":     8080,
	}
	_, err := Load(writeConfig(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cloudflared")

	raw["cloudflared"] = map[string]any{
		"enabled":  true,
		"hostname": "host.example.com",
		"port":     8080,
		"token":    "tok",
	}
	_, err = Load(writeConfig(t, raw))
	assert.NoError(t, err)
}

func TestSecretURLRequiresPath(t *testing.T) {
	raw := validRaw()
	raw["secret_url"] = "https://secrets.example.com/host"
	_, err := Load(writeConfig(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_path")
}

func TestImageAuto(t *testing.T) {
	raw := validRaw()
	cfg, err := Load(writeConfig(t, raw))
	require.NoError(t, err)
	auto, _ := cfg.ImageAuto()
	assert.True(t, auto, "unset image_size means auto")

	raw["image_size"] = "50"
	cfg, err = Load(writeConfig(t, raw))
	require.NoError(t, err)
	auto, gb := cfg.ImageAuto()
	assert.False(t, auto)
	assert.Equal(t, 50, gb)
}

func TestFetchScriptPerBundle(t *testing.T) {
	raw := validRaw()
	raw["fetch_project_host_script"] = "/opt/hooks/host.sh"
	raw["fetch_tools_script"] = "/opt/hooks/tools.sh"
	cfg, err := Load(writeConfig(t, raw))
	require.NoError(t, err)

	assert.Equal(t, "/opt/hooks/host.sh", cfg.FetchScript(BundleProjectHost))
	assert.Equal(t, "", cfg.FetchScript(BundleProject))
	assert.Equal(t, "/opt/hooks/tools.sh", cfg.FetchScript(BundleTools))
	assert.Equal(t, "", cfg.FetchScript("nope"))
}

func TestBundleLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, validRaw()))
	require.NoError(t, err)

	b, ok := cfg.Bundle(BundleTools)
	require.True(t, ok)
	assert.Equal(t, "/srv/tools/current", b.Spec.Current)

	_, ok = cfg.Bundle("nope")
	assert.False(t, ok)
}
