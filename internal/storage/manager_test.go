package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecthost/bootstrap/internal/command/commandtest"
	"github.com/projecthost/bootstrap/internal/config"
)

func testManager(t *testing.T) (*Manager, *commandtest.FakeRunner, *config.BootstrapConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.BootstrapConfig{
		SSHUser:       "user",
		BootstrapRoot: filepath.Join(root, "mnt"),
		BootstrapDir:  filepath.Join(root, "mnt", "projecthost"),
		ImageSize:     "1",
	}
	run := commandtest.New()
	m := NewManager(cfg, zerolog.Nop(), run)
	m.FstabPath = filepath.Join(root, "fstab")
	m.ImagePath = filepath.Join(root, "data.img")
	m.SizeFilePath = filepath.Join(root, "data.size")
	m.HelperPath = filepath.Join(root, "sbin", "project-host-resize")
	m.SudoersPath = filepath.Join(root, "sudoers.d", "project-host-resize")
	m.PollAttempts = 1
	m.PollInterval = 0
	return m, run, cfg
}

// fakeDevice creates a stat-able stand-in for a block device node.
func fakeDevice(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func TestImageSizeExplicit(t *testing.T) {
	m, _, _ := testManager(t)
	assert.Equal(t, 1, m.ImageSizeGB())
}

func TestImageSizeAuto(t *testing.T) {
	m, _, cfg := testManager(t)
	cfg.ImageSize = "auto"

	m.statfs = func(string) (uint64, error) { return 100 << 30, nil }
	assert.Equal(t, 100-autoHeadroomGB, m.ImageSizeGB())

	m.statfs = func(string) (uint64, error) { return 16 << 30, nil }
	assert.Equal(t, autoMinGB, m.ImageSizeGB(), "small disks floor at the minimum")
}

func TestSelectDeviceNoneConfigured(t *testing.T) {
	m, _, _ := testManager(t)
	dev, err := m.SelectDevice(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dev)
}

func TestSelectDevicePrefersMounted(t *testing.T) {
	m, run, cfg := testManager(t)
	mounted := fakeDevice(t, "sda")
	larger := fakeDevice(t, "sdb")
	cfg.DataDisks = []string{mounted, larger}

	// The smaller device is already mounted at the target; the larger
	// unmounted candidate must not win.
	run.Outputs["findmnt -n -o SOURCE -- "+cfg.Mountpoint()] = mounted
	run.Outputs["blockdev --getsize64 "+larger] = fmt.Sprintf("%d", uint64(500)<<30)

	dev, err := m.SelectDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mounted, dev)
}

func TestSelectDeviceForeignFilesystemIsFatal(t *testing.T) {
	m, run, cfg := testManager(t)
	dev := fakeDevice(t, "sdb")
	cfg.DataDisks = []string{dev}

	run.Outputs["blockdev --getsize64 "+dev] = fmt.Sprintf("%d", uint64(100)<<30)
	run.Outputs["blkid "+dev] = dev + `: UUID="abc" TYPE="xfs"`

	_, err := m.SelectDevice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForeignFilesystem)
}

func TestSelectDeviceSkipsTooSmall(t *testing.T) {
	m, run, cfg := testManager(t)
	dev := fakeDevice(t, "sdb")
	cfg.DataDisks = []string{dev}

	run.Outputs["blockdev --getsize64 "+dev] = fmt.Sprintf("%d", uint64(8)<<30)

	got, err := m.SelectDevice(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "too-small disks fall back to the loopback image")
}

func TestSelectDevicePicksBlank(t *testing.T) {
	m, run, cfg := testManager(t)
	dev := fakeDevice(t, "sdb")
	cfg.DataDisks = []string{dev}

	run.Outputs["blockdev --getsize64 "+dev] = fmt.Sprintf("%d", uint64(100)<<30)
	// No blkid output: blank device.

	got, err := m.SelectDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dev, got)
}

func TestPrepareFormatsBlankDevice(t *testing.T) {
	m, run, cfg := testManager(t)
	dev := fakeDevice(t, "sdb")
	cfg.DataDisks = []string{dev}
	run.Outputs["blockdev --getsize64 "+dev] = fmt.Sprintf("%d", uint64(100)<<30)

	backing, err := m.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Backing{Source: dev}, backing)
	assert.True(t, run.Ran("mkfs.ext4 -L project-host "+dev))
}

func TestPrepareCreatesLoopbackImage(t *testing.T) {
	m, run, _ := testManager(t)

	backing, err := m.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Backing{Source: m.ImagePath, IsImage: true}, backing)

	info, err := os.Stat(m.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, int64(1)<<30, info.Size())
	assert.True(t, run.Ran("mkfs.ext4 -F"))

	size, err := os.ReadFile(m.SizeFilePath)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(size))
}

func TestPrepareLeavesExistingImageAlone(t *testing.T) {
	m, run, _ := testManager(t)
	require.NoError(t, os.WriteFile(m.ImagePath, []byte("existing"), 0o600))

	_, err := m.Prepare(context.Background())
	require.NoError(t, err)
	assert.False(t, run.Ran("mkfs.ext4"), "an existing image is never reformatted")

	data, err := os.ReadFile(m.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data), "an existing image is never resized here")
}

func TestMountSkipsWhenAlreadyMounted(t *testing.T) {
	m, run, cfg := testManager(t)
	backing := Backing{Source: m.ImagePath, IsImage: true}
	run.Outputs["findmnt -n -o SOURCE -- "+cfg.Mountpoint()] = "/dev/loop0"

	require.NoError(t, m.Mount(context.Background(), backing))
	assert.False(t, run.Ran("mount"))

	// fstab entry is still reconciled.
	data, err := os.ReadFile(m.FstabPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), cfg.Mountpoint())
}

func TestLayout(t *testing.T) {
	m, run, cfg := testManager(t)
	require.NoError(t, m.Layout(context.Background()))

	info, err := os.Stat(cfg.TmpDir())
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSticky, "tmp dir is sticky")

	secrets, err := os.Stat(cfg.SecretsDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), secrets.Mode().Perm())

	assert.True(t, run.Ran("chown -R user:user "+cfg.BootstrapDir))
}

func TestInstallResizeHelper(t *testing.T) {
	m, run, cfg := testManager(t)
	require.NoError(t, m.InstallResizeHelper(context.Background()))

	script, err := os.ReadFile(m.HelperPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), m.ImagePath)
	assert.Contains(t, string(script), cfg.Mountpoint())

	rule, err := os.ReadFile(m.SudoersPath)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("user ALL=(root) NOPASSWD: %s\n", m.HelperPath), string(rule))

	assert.True(t, run.Ran("visudo -c -f "+m.SudoersPath))
}

func TestInstallResizeHelperRemovesInvalidRule(t *testing.T) {
	m, run, _ := testManager(t)
	run.RunErr["visudo"] = errors.New("syntax error")

	err := m.InstallResizeHelper(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(m.SudoersPath)
	assert.True(t, os.IsNotExist(statErr), "a rejected sudoers fragment must not linger")
}

func TestEnsureFstabIdempotent(t *testing.T) {
	m, _, cfg := testManager(t)
	seed := "/dev/sda1\t/\text4\tdefaults\t0\t1\n/dev/old\t/data\text4\tdefaults\t0\t2\n"
	require.NoError(t, os.WriteFile(m.FstabPath, []byte(seed), 0o644))

	backing := Backing{Source: m.ImagePath, IsImage: true}
	require.NoError(t, m.ensureFstab(backing))
	first, err := os.ReadFile(m.FstabPath)
	require.NoError(t, err)

	require.NoError(t, m.ensureFstab(backing))
	second, err := os.ReadFile(m.FstabPath)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second), "rewrites converge")
	assert.Equal(t, 1, strings.Count(string(second), cfg.Mountpoint()), "exactly one entry for the mountpoint")
	assert.NotContains(t, string(second), "/dev/old", "legacy alias entries are dropped")
	assert.Contains(t, string(second), "/dev/sda1", "unrelated entries survive")
	assert.Contains(t, string(second), "loop")
}
