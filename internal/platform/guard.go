// Package platform verifies the host matches the expected OS and CPU
// architecture before any provisioning action mutates it.
package platform

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrMismatch marks an OS or architecture mismatch. Always fatal.
var ErrMismatch = errors.New("platform mismatch")

// Guard checks the live kernel against configured expectations. The uname
// source is injectable for tests.
type Guard struct {
	Uname func() (kernel, machine string, err error)
}

func NewGuard() *Guard {
	return &Guard{Uname: liveUname}
}

func liveUname() (string, string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", "", fmt.Errorf("uname: %w", err)
	}
	return charsToString(uts.Sysname[:]), charsToString(uts.Machine[:]), nil
}

func charsToString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// NormalizeArch folds architecture synonyms into one canonical token.
func NormalizeArch(arch string) string {
	switch strings.ToLower(arch) {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return strings.ToLower(arch)
	}
}

// Verify fails with ErrMismatch unless the live kernel name and normalized
// architecture equal the expected values.
func (g *Guard) Verify(expectedOS, expectedArch string) error {
	kernel, machine, err := g.Uname()
	if err != nil {
		return err
	}
	if !strings.EqualFold(kernel, expectedOS) {
		return errors.Wrapf(ErrMismatch, "expected OS %q, host reports %q", expectedOS, kernel)
	}
	if NormalizeArch(machine) != NormalizeArch(expectedArch) {
		return errors.Wrapf(ErrMismatch, "expected arch %q, host reports %q", expectedArch, machine)
	}
	return nil
}
