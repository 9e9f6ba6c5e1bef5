// Package storage converges the managed data filesystem: it selects or
// creates a backing block device, formats it if blank, mounts it, persists
// the mount in fstab, and lays out the data directory tree. Every step is
// re-runnable; existing correct state becomes a no-op and conflicting
// state (a foreign filesystem on a candidate disk) fails loudly rather
// than being overwritten.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
)

// ErrForeignFilesystem marks a candidate device carrying a filesystem other
// than ours. Formatting it would destroy someone else's data, so this is
// always fatal.
var ErrForeignFilesystem = errors.New("device carries a foreign filesystem")

const (
	// Headroom left for the root filesystem when sizing the image
	// automatically, and the floor the computed size never goes below.
	autoHeadroomGB = 25
	autoMinGB      = 10

	// Disks smaller than this are never selected as the data device.
	minDiskBytes = 20 << 30

	gib = 1 << 30
)

// Manager drives the storage phases. Paths and polling knobs are fields so
// tests can point them at a scratch directory.
type Manager struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	FstabPath    string
	ImagePath    string
	SizeFilePath string
	HelperPath   string
	SudoersPath  string

	// Mountpoints that earlier bootstrap generations used for the same
	// filesystem. Their fstab entries are replaced by ours.
	LegacyMountpoints []string

	PollAttempts int
	PollInterval time.Duration

	// statfs is injectable for the auto image-size computation.
	statfs func(path string) (totalBytes uint64, err error)
}

func NewManager(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Manager {
	return &Manager{
		cfg:               cfg,
		log:               log,
		run:               run,
		FstabPath:         "/etc/fstab",
		ImagePath:         "/var/lib/project-host/data.img",
		SizeFilePath:      "/var/lib/project-host/data.size",
		HelperPath:        "/usr/local/sbin/project-host-resize",
		SudoersPath:       "/etc/sudoers.d/project-host-resize",
		LegacyMountpoints: []string{"/data"},
		PollAttempts:      60,
		PollInterval:      10 * time.Second,
		statfs:            statfsTotal,
	}
}

func statfsTotal(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Blocks * uint64(st.Bsize), nil
}

// ImageSizeGB resolves the configured image size policy: an explicit GB
// value, or "auto" meaning total disk minus headroom, floored.
func (m *Manager) ImageSizeGB() int {
	auto, gb := m.cfg.ImageAuto()
	if !auto {
		return gb
	}
	total, err := m.statfs("/")
	if err != nil {
		m.log.Warn().Err(err).Msg("cannot stat root filesystem, using minimum image size")
		return autoMinGB
	}
	gb = int(total/gib) - autoHeadroomGB
	if gb < autoMinGB {
		gb = autoMinGB
	}
	m.log.Info().Msgf("auto image size: %s total disk -> %d GB image", humanize.IBytes(total), gb)
	return gb
}

// mountedSource returns the device currently mounted at mountpoint, or ""
// when nothing is.
func (m *Manager) mountedSource(ctx context.Context, mountpoint string) string {
	out, err := m.run.Output(ctx, "findmnt", "-n", "-o", "SOURCE", "--", mountpoint)
	if err != nil {
		return ""
	}
	return out
}

// Inspect runs blkid on a device. A blank device (no recognized signature)
// yields a zero FsType, not an error; blkid exits non-zero in that case.
func (m *Manager) Inspect(ctx context.Context, device string) (BlkInfo, error) {
	out, err := m.run.Output(ctx, "blkid", device)
	if err != nil || out == "" {
		return BlkInfo{Device: device}, nil
	}
	return parseBlkidLine(out)
}

func (m *Manager) deviceSize(ctx context.Context, device string) uint64 {
	out, err := m.run.Output(ctx, "blockdev", "--getsize64", device)
	if err != nil {
		return 0
	}
	var size uint64
	if _, err := fmt.Sscanf(out, "%d", &size); err != nil {
		return 0
	}
	return size
}

func (m *Manager) deviceMounted(ctx context.Context, device string) bool {
	out, err := m.run.Output(ctx, "findmnt", "-n", "-o", "TARGET", "-S", device)
	return err == nil && out != ""
}

// SelectDevice polls for a usable physical data disk among the configured
// candidates. Returns "" when none are configured or none appear within
// the polling budget, in which case the caller falls back to the loopback
// image. A candidate carrying a foreign filesystem aborts the run.
func (m *Manager) SelectDevice(ctx context.Context) (string, error) {
	if len(m.cfg.DataDisks) == 0 {
		return "", nil
	}

	mountpoint := m.cfg.Mountpoint()
	for attempt := 0; attempt < m.PollAttempts; attempt++ {
		if attempt > 0 {
			m.log.Info().Msgf("waiting for data disk (attempt %d/%d)", attempt+1, m.PollAttempts)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(m.PollInterval):
			}
		}

		// A device already mounted at the target wins outright.
		if src := m.mountedSource(ctx, mountpoint); src != "" {
			for _, cand := range m.cfg.DataDisks {
				if cand == src {
					m.log.Info().Msgf("reusing %s already mounted at %s", src, mountpoint)
					return src, nil
				}
			}
		}

		var blank string
		for _, cand := range m.cfg.DataDisks {
			if _, err := os.Stat(cand); err != nil {
				continue
			}
			if m.deviceMounted(ctx, cand) {
				continue
			}
			if size := m.deviceSize(ctx, cand); size < minDiskBytes {
				m.log.Info().Msgf("skipping %s: only %s, below the %s floor",
					cand, humanize.IBytes(size), humanize.IBytes(minDiskBytes))
				continue
			}
			info, err := m.Inspect(ctx, cand)
			if err != nil {
				return "", err
			}
			switch {
			case info.FsType == FsExt4:
				m.log.Info().Msgf("selected %s (already %s)", cand, info.FsType)
				return cand, nil
			case info.Blank():
				if blank == "" {
					blank = cand
				}
			default:
				return "", errors.Wrapf(ErrForeignFilesystem, "%s reports %s", cand, info.FsType)
			}
		}
		if blank != "" {
			m.log.Info().Msgf("selected blank device %s", blank)
			return blank, nil
		}
	}

	m.log.Warn().Msg("no usable data disk appeared, falling back to loopback image")
	return "", nil
}

// Backing describes the selected data store.
type Backing struct {
	Source  string // device path, or the image file path
	IsImage bool
}

// Prepare selects or creates the backing store and formats it if blank.
func (m *Manager) Prepare(ctx context.Context) (Backing, error) {
	device, err := m.SelectDevice(ctx)
	if err != nil {
		return Backing{}, err
	}

	if device != "" {
		info, err := m.Inspect(ctx, device)
		if err != nil {
			return Backing{}, err
		}
		if info.Blank() {
			err := m.run.Run(ctx, command.Request{
				Args:        []string{"mkfs.ext4", "-L", "project-host", device},
				Description: "format data device " + device,
				Timeout:     10 * time.Minute,
			})
			if err != nil {
				return Backing{}, err
			}
		}
		return Backing{Source: device}, nil
	}

	if err := m.ensureImage(ctx); err != nil {
		return Backing{}, err
	}
	return Backing{Source: m.ImagePath, IsImage: true}, nil
}

// ensureImage creates and formats the loopback image only when absent.
// Growth of an existing image goes through the resize helper, never here,
// and the image is never shrunk.
func (m *Manager) ensureImage(ctx context.Context) error {
	sizeGB := m.ImageSizeGB()
	if err := m.persistSizePreference(sizeGB); err != nil {
		m.log.Warn().Err(err).Msg("cannot persist image size preference")
	}

	if _, err := os.Stat(m.ImagePath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.ImagePath), 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}
	f, err := os.OpenFile(m.ImagePath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	if err := f.Truncate(int64(sizeGB) * gib); err != nil {
		f.Close()
		return fmt.Errorf("sizing image file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing image file: %w", err)
	}
	m.log.Info().Msgf("created %d GB loopback image at %s", sizeGB, m.ImagePath)

	return m.run.Run(ctx, command.Request{
		Args:        []string{"mkfs.ext4", "-F", "-L", "project-host", m.ImagePath},
		Description: "format loopback image",
		Timeout:     10 * time.Minute,
	})
}

func (m *Manager) persistSizePreference(sizeGB int) error {
	if err := os.MkdirAll(filepath.Dir(m.SizeFilePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.SizeFilePath, []byte(fmt.Sprintf("%d\n", sizeGB)), 0o644)
}

// Mount mounts the backing store at the target mountpoint if it is not
// already there, then persists exactly one fstab entry for it.
func (m *Manager) Mount(ctx context.Context, backing Backing) error {
	mountpoint := m.cfg.Mountpoint()
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}

	if m.mountedSource(ctx, mountpoint) == "" {
		args := []string{"mount"}
		if backing.IsImage {
			args = append(args, "-o", "loop")
		}
		args = append(args, backing.Source, mountpoint)
		err := m.run.Run(ctx, command.Request{
			Args:        args,
			Description: "mount data filesystem",
			Timeout:     2 * time.Minute,
		})
		if err != nil {
			return err
		}
	}

	return m.ensureFstab(backing)
}

// Layout creates the data directory tree and reconciles ownership. The
// chown runs on every pass, even when nothing changed.
func (m *Manager) Layout(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.BootstrapDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(m.cfg.SecretsDir(), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	tmp := m.cfg.TmpDir()
	if err := os.MkdirAll(tmp, 0o777); err != nil {
		return fmt.Errorf("creating tmp dir: %w", err)
	}
	if err := os.Chmod(tmp, os.ModeSticky|0o777); err != nil {
		return fmt.Errorf("setting tmp permissions: %w", err)
	}

	return m.run.Run(ctx, command.Request{
		Args:        []string{"chown", "-R", m.cfg.SSHUser + ":" + m.cfg.SSHUser, m.cfg.BootstrapDir},
		Description: "fix data dir ownership",
		Timeout:     5 * time.Minute,
		BestEffort:  true,
	})
}
