package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:generate mockgen -source=runner.go -destination=mocks/mock_runner.go -package=mocks

// Request describes one external command invocation.
type Request struct {
	Args        []string
	Description string
	// Timeout bounds the command; zero means no bound. Expiry is a failure.
	Timeout time.Duration
	// User re-runs the command under another OS account when the current
	// process is root. Ignored otherwise.
	User string
	// BestEffort swallows failure: the error is logged and nil returned.
	BestEffort bool
	// Env entries appended to the inherited environment.
	Env []string
	// Stdin, when non-empty, is fed to the command.
	Stdin string
}

// Runner executes external commands, streaming their output into the
// bootstrap log. It is the only boundary through which the orchestrator
// touches OS tools, so tests fake it instead of a real host.
type Runner interface {
	Run(ctx context.Context, req Request) error
	// Output runs a short inspection command and returns its trimmed
	// stdout. Used for read-only probes (blkid, findmnt, uname).
	Output(ctx context.Context, args ...string) (string, error)
}

// ExecRunner is the real implementation backed by os/exec.
type ExecRunner struct {
	log zerolog.Logger
	// env entries added to every command (the BOOTSTRAP_* exports).
	env []string
	// euid is overridable in tests; defaults to os.Geteuid.
	euid func() int
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner(log zerolog.Logger, env []string) *ExecRunner {
	return &ExecRunner{log: log, env: env, euid: os.Geteuid}
}

func (r *ExecRunner) Run(ctx context.Context, req Request) error {
	err := r.run(ctx, req)
	if err != nil && req.BestEffort {
		r.log.Warn().Err(err).Msgf("%s failed (best effort, continuing)", req.Description)
		return nil
	}
	return err
}

func (r *ExecRunner) run(ctx context.Context, req Request) error {
	if len(req.Args) == 0 {
		return fmt.Errorf("%s: empty command", req.Description)
	}

	args := req.Args
	if req.User != "" && req.User != "root" && r.euid() == 0 {
		args = append([]string{"sudo", "-u", req.User, "-H"}, args...)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	r.log.Info().Msgf("starting %s: %s", req.Description, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Env = append(cmd.Env, req.Env...)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("%s: %w", req.Description, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.log.Info().Msg(scanner.Text())
		}
		// A line past the buffer cap stops the scanner; keep consuming so
		// the writer side never blocks and Wait can return.
		if err := scanner.Err(); err != nil {
			r.log.Warn().Err(err).Msgf("%s: output truncated", req.Description)
			io.Copy(io.Discard, pr)
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out after %s", req.Description, req.Timeout)
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return fmt.Errorf("%s failed with exit code %d", req.Description, exitErr.ExitCode())
		}
		return fmt.Errorf("%s: %w", req.Description, waitErr)
	}

	r.log.Info().Msgf("finished %s in %.1fs", req.Description, time.Since(start).Seconds())
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), r.env...)
	out, err := cmd.Output()
	if err != nil {
		return strings.TrimSpace(string(out)), err
	}
	return strings.TrimSpace(string(out)), nil
}
