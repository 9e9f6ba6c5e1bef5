// Package secrets fetches the bearer-token-protected host secret and
// persists it with owner-only permissions. The fetch happens at most once:
// an existing secret file short-circuits it, though permissions and
// ownership are still reconciled on every pass.
package secrets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
)

type Provisioner struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	// Client is built lazily from the optional custom CA; tests may set
	// it directly.
	Client *http.Client
}

func NewProvisioner(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Provisioner {
	return &Provisioner{cfg: cfg, log: log, run: run}
}

// Provision converges the secret file. No-op fetch when the file exists.
func (p *Provisioner) Provision(ctx context.Context) error {
	if p.cfg.SecretURL == "" {
		p.log.Info().Msg("no secret configured, skipping")
		return nil
	}

	path := p.cfg.SecretPath
	if _, err := os.Stat(path); err == nil {
		p.log.Info().Msgf("secret already present at %s", path)
		return p.normalize(ctx, path)
	}

	body, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("direct secret fetch failed, falling back to curl")
		if err := p.fetchWithCurl(ctx, path); err != nil {
			return fmt.Errorf("fetching secret: %w", err)
		}
		return p.normalize(ctx, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	return p.normalize(ctx, path)
}

func (p *Provisioner) fetch(ctx context.Context) ([]byte, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.SecretURL, nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.SecretToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.SecretToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (p *Provisioner) client() (*http.Client, error) {
	if p.Client != nil {
		return p.Client, nil
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	if p.cfg.SecretCA != "" {
		pem, err := os.ReadFile(p.cfg.SecretCA)
		if err != nil {
			return nil, fmt.Errorf("reading custom CA: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("custom CA %s contains no certificates", p.cfg.SecretCA)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}
	p.Client = client
	return client, nil
}

func (p *Provisioner) fetchWithCurl(ctx context.Context, path string) error {
	// curl writes to a temp name so a killed fetch never leaves a partial
	// secret at the real path for the next run's existence check to trust.
	tmp := path + "." + uuid.NewString()
	args := []string{"curl", "-fsSL", "-o", tmp}
	if p.cfg.SecretToken != "" {
		args = append(args, "-H", "Authorization: Bearer "+p.cfg.SecretToken)
	}
	if p.cfg.SecretCA != "" {
		args = append(args, "--cacert", p.cfg.SecretCA)
	}
	args = append(args, p.cfg.SecretURL)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}
	err := p.run.Run(ctx, command.Request{
		Args:        args,
		Description: "fetch secret with curl",
		Timeout:     2 * time.Minute,
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// normalize reconciles secret permissions and ownership on every pass.
func (p *Provisioner) normalize(ctx context.Context, path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("setting secret permissions: %w", err)
	}
	return p.run.Run(ctx, command.Request{
		Args:        []string{"chown", p.cfg.SSHUser + ":" + p.cfg.SSHUser, path},
		Description: "fix secret ownership",
		Timeout:     time.Minute,
		BestEffort:  true,
	})
}
