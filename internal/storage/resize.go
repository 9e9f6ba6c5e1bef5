package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecthost/bootstrap/internal/command"
)

// resizeScript grows the data filesystem non-interactively. It is invoked
// via sudo by the runtime user, so every unmet precondition exits 0
// instead of failing: a missing image, an unmounted filesystem, or no
// usable target size all mean "nothing to do".
const resizeScript = `#!/bin/sh
# project-host storage growth helper. Usage: project-host-resize [SIZE_GB]
set -u

image="__IMAGE__"
size_file="__SIZE_FILE__"
mountpoint="__MOUNTPOINT__"

if [ -n "${1:-}" ]; then
    case "$1" in
        ''|*[!0-9]*) exit 0 ;;
    esac
    echo "$1" > "$size_file" 2>/dev/null || exit 0
fi

src=$(findmnt -n -o SOURCE -- "$mountpoint" 2>/dev/null) || exit 0
[ -n "$src" ] || exit 0

loop=$(losetup -n -O NAME -j "$image" 2>/dev/null | head -n 1)
if [ -n "$loop" ] && [ "$src" = "$loop" ]; then
    [ -f "$image" ] || exit 0
    [ -f "$size_file" ] || exit 0
    want=$(cat "$size_file" 2>/dev/null)
    case "$want" in
        ''|*[!0-9]*) exit 0 ;;
    esac
    cur=$(( $(stat -c %s "$image") / 1024 / 1024 / 1024 ))
    if [ "$want" -gt "$cur" ]; then
        truncate -s "${want}G" "$image" || exit 0
        losetup -c "$loop" || exit 0
    fi
    resize2fs "$loop" || exit 0
else
    resize2fs "$src" || exit 0
fi
exit 0
`

// InstallResizeHelper writes the growth helper and a sudo rule letting the
// runtime user invoke it without a password. The sudoers fragment is
// validated with visudo before it counts as installed.
func (m *Manager) InstallResizeHelper(ctx context.Context) error {
	script := strings.NewReplacer(
		"__IMAGE__", m.ImagePath,
		"__SIZE_FILE__", m.SizeFilePath,
		"__MOUNTPOINT__", m.cfg.Mountpoint(),
	).Replace(resizeScript)

	if err := os.MkdirAll(filepath.Dir(m.HelperPath), 0o755); err != nil {
		return fmt.Errorf("creating helper directory: %w", err)
	}
	if err := os.WriteFile(m.HelperPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("writing resize helper: %w", err)
	}

	rule := fmt.Sprintf("%s ALL=(root) NOPASSWD: %s\n", m.cfg.SSHUser, m.HelperPath)
	if err := os.MkdirAll(filepath.Dir(m.SudoersPath), 0o755); err != nil {
		return fmt.Errorf("creating sudoers directory: %w", err)
	}
	if err := os.WriteFile(m.SudoersPath, []byte(rule), 0o440); err != nil {
		return fmt.Errorf("writing resize sudoers rule: %w", err)
	}

	err := m.run.Run(ctx, command.Request{
		Args:        []string{"visudo", "-c", "-f", m.SudoersPath},
		Description: "validate resize sudoers rule",
		Timeout:     30 * time.Second,
	})
	if err != nil {
		// A broken fragment must not linger where sudo would read it.
		os.Remove(m.SudoersPath)
		return err
	}
	return nil
}
