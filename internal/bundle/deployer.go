// Package bundle downloads, verifies, and deploys versioned artifact
// bundles. Each deploy lands in a fresh version-named directory and is
// published by atomically swapping the "current" symlink, so a failure
// partway never disturbs the release that is already live.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
	"github.com/projecthost/bootstrap/internal/retry"
)

// ErrChecksumMismatch marks a download whose content does not hash to the
// configured sha256. Always fatal, and always raised before extraction.
var ErrChecksumMismatch = errors.New("bundle checksum mismatch")

const userAgent = "project-host-bootstrap/1.0"

type Deployer struct {
	log   zerolog.Logger
	run   command.Runner
	owner string

	Client *http.Client
}

func NewDeployer(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Deployer {
	return &Deployer{
		log:    log,
		run:    run,
		owner:  cfg.SSHUser,
		Client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Deploy realizes one bundle: download, verify, extract into a fresh
// version directory, fix ownership, republish "current".
func (d *Deployer) Deploy(ctx context.Context, b config.NamedBundle) error {
	spec := b.Spec
	d.log.Info().Msgf("deploying %s bundle from %s", b.Name, spec.URL)

	if err := d.download(ctx, b); err != nil {
		return fmt.Errorf("downloading %s bundle: %w", b.Name, err)
	}
	if spec.SHA256 != "" {
		if err := verifyChecksum(spec.Remote, spec.SHA256); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(spec.Root, 0o755); err != nil {
		return fmt.Errorf("creating bundle root: %w", err)
	}

	// The version directory is never merged into: stale contents from an
	// interrupted run would otherwise survive inside a "fresh" deploy.
	if err := os.RemoveAll(spec.Dir); err != nil {
		return fmt.Errorf("clearing version dir: %w", err)
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return fmt.Errorf("creating version dir: %w", err)
	}
	if err := extractArchive(spec.Remote, spec.Dir); err != nil {
		return fmt.Errorf("extracting %s bundle: %w", b.Name, err)
	}

	err := d.run.Run(ctx, command.Request{
		Args:        []string{"chown", "-R", d.owner + ":" + d.owner, spec.Dir},
		Description: "fix " + b.Name + " bundle ownership",
		Timeout:     5 * time.Minute,
		BestEffort:  true,
	})
	if err != nil {
		return err
	}

	if err := d.republish(spec); err != nil {
		return err
	}
	d.log.Info().Msgf("%s bundle now current at %s -> %s", b.Name, spec.Current, spec.Dir)
	return nil
}

// download fetches the artifact to spec.Remote. Direct HTTPS first; if
// that fails, curl is retried with the install backoff profile.
func (d *Deployer) download(ctx context.Context, b config.NamedBundle) error {
	spec := b.Spec
	if err := os.MkdirAll(filepath.Dir(spec.Remote), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	if err := d.fetchDirect(ctx, spec); err == nil {
		return nil
	} else {
		d.log.Warn().Err(err).Msgf("direct fetch of %s bundle failed, falling back to curl", b.Name)
	}

	// Same temp-then-rename discipline as the direct fetch: a killed curl
	// must not leave a truncated file at the trusted path.
	tmp := spec.Remote + "." + uuid.NewString()
	err := retry.Install(ctx, d.log, "curl "+b.Name+" bundle", func() error {
		return d.run.Run(ctx, command.Request{
			Args:        []string{"curl", "-fsSL", "--retry", "0", "-o", tmp, spec.URL},
			Description: "download " + b.Name + " bundle with curl",
			Timeout:     10 * time.Minute,
		})
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, spec.Remote)
}

func (d *Deployer) fetchDirect(ctx context.Context, spec config.BundleSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	// Download under a unique temp name so a crashed run never leaves a
	// truncated file at the real path for a resumed run to trust.
	tmp := spec.Remote + "." + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, spec.Remote)
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening download for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing download: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return errors.Wrapf(ErrChecksumMismatch, "got %s, want %s", got, want)
	}
	return nil
}

// republish swaps the current pointer: whatever sits at that path (file,
// directory, or old symlink) is removed, then a symlink to the fresh
// version directory is created.
func (d *Deployer) republish(spec config.BundleSpec) error {
	if err := os.MkdirAll(filepath.Dir(spec.Current), 0o755); err != nil {
		return fmt.Errorf("creating current dir: %w", err)
	}
	if err := os.RemoveAll(spec.Current); err != nil {
		return fmt.Errorf("removing previous current: %w", err)
	}
	if err := os.Symlink(spec.Dir, spec.Current); err != nil {
		return fmt.Errorf("publishing current symlink: %w", err)
	}
	return nil
}
