package storage

import (
	"fmt"
	"os"
	"strings"
)

// ensureFstab rewrites the mount table so that exactly one entry covers the
// data mountpoint: any prior lines for it, or for a legacy alias
// mountpoint, are dropped and one authoritative line appended. Re-running
// with the same backing store leaves the file byte-identical.
func (m *Manager) ensureFstab(backing Backing) error {
	mountpoint := m.cfg.Mountpoint()

	stale := map[string]bool{mountpoint: true}
	for _, legacy := range m.LegacyMountpoints {
		stale[legacy] = true
	}

	var kept []string
	data, err := os.ReadFile(m.FstabPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", m.FstabPath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && !strings.HasPrefix(fields[0], "#") && stale[fields[1]] {
			continue
		}
		kept = append(kept, line)
	}
	// Drop trailing blank lines so repeated rewrites don't accumulate them.
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}

	opts := "defaults,nofail"
	if backing.IsImage {
		opts += ",loop"
	}
	entry := fmt.Sprintf("%s\t%s\text4\t%s\t0\t2", backing.Source, mountpoint, opts)
	kept = append(kept, entry, "")

	return os.WriteFile(m.FstabPath, []byte(strings.Join(kept, "\n")), 0o644)
}
