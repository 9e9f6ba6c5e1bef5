package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// swallowWriter drops write errors. The bootstrap log file lives on a
// filesystem we may still be in the middle of provisioning, so a failed
// append must never take down the run; stdout remains authoritative.
type swallowWriter struct {
	w io.Writer
}

func (s swallowWriter) Write(p []byte) (int, error) {
	_, _ = s.w.Write(p)
	return len(p), nil
}

// New builds the bootstrap logger: a timestamped console stream on stdout,
// teed into an append-only log file when logFile is non-empty. Failure to
// open the file degrades to stdout-only.
func New(logFile string) zerolog.Logger {
	console := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}

	var out io.Writer = console
	if logFile != "" {
		if f, err := openAppend(logFile); err == nil {
			fileConsole := zerolog.ConsoleWriter{
				Out:        swallowWriter{w: f},
				TimeFormat: time.RFC3339,
				NoColor:    true,
			}
			out = zerolog.MultiLevelWriter(console, fileConsole)
		}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
