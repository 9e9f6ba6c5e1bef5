// Package envfile renders the managed service's environment file from the
// configured template lines and upserts computed values into it.
package envfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
)

// PublicIPPlaceholder in a template line is replaced with the host's
// public address at write time.
const PublicIPPlaceholder = "__PUBLIC_IP__"

type Writer struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner
}

func NewWriter(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Writer {
	return &Writer{cfg: cfg, log: log, run: run}
}

// Write renders the env file from the template lines, substituting the
// public IP placeholder, then upserts the bootstrap-computed values.
func (w *Writer) Write(ctx context.Context) error {
	path := w.cfg.EnvFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating env file directory: %w", err)
	}

	ip := w.publicIP(ctx)
	var lines []string
	for _, line := range w.cfg.EnvLines {
		lines = append(lines, strings.ReplaceAll(line, PublicIPPlaceholder, ip))
	}
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}

	computed := []struct {
		key, value string
	}{
		{"BOOTSTRAP_ROOT", w.cfg.BootstrapRoot},
		{"BOOTSTRAP_DIR", w.cfg.BootstrapDir},
	}
	for _, kv := range computed {
		if err := Upsert(path, kv.key, kv.value); err != nil {
			return err
		}
	}

	return w.run.Run(ctx, command.Request{
		Args:        []string{"chown", w.cfg.SSHUser + ":" + w.cfg.SSHUser, path},
		Description: "fix env file ownership",
		Timeout:     time.Minute,
		BestEffort:  true,
	})
}

func (w *Writer) publicIP(ctx context.Context) string {
	out, err := w.run.Output(ctx, "hostname", "-I")
	if err != nil || out == "" {
		return "127.0.0.1"
	}
	return strings.Fields(out)[0]
}

// Upsert sets key=value in the env file, replacing any existing lines for
// the key so repeated runs never accumulate duplicates.
func Upsert(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading env file: %w", err)
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, key+"=") {
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	kept = append(kept, fmt.Sprintf("%s=%s", key, value), "")

	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644)
}
