package storage

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// FsType is a filesystem recognized on a block device.
type FsType int

const (
	FsUnknown FsType = iota
	FsExt4
	FsXfs
	FsBtrfs
	FsNtfs
	FsFat
	FsSwap
)

func fsFromStr(s string) FsType {
	switch strings.ToLower(s) {
	case "ext2", "ext3", "ext4":
		return FsExt4
	case "xfs":
		return FsXfs
	case "btrfs":
		return FsBtrfs
	case "ntfs", "ntfs-3g":
		return FsNtfs
	case "fat", "vfat", "exfat":
		return FsFat
	case "swap":
		return FsSwap
	}
	return FsUnknown
}

func (t FsType) String() string {
	switch t {
	case FsExt4:
		return "ext4"
	case FsXfs:
		return "xfs"
	case FsBtrfs:
		return "btrfs"
	case FsNtfs:
		return "ntfs"
	case FsFat:
		return "vfat"
	case FsSwap:
		return "swap"
	}
	return "unknown"
}

// Recognized reports whether the device carries some known filesystem.
func (t FsType) Recognized() bool {
	return t != FsUnknown
}

// BlkInfo is the parsed identity of one block device.
type BlkInfo struct {
	Device string
	UUID   string
	Label  string
	FsType FsType
}

// Blank reports a device carrying no recognized filesystem, safe to format.
func (b BlkInfo) Blank() bool {
	return !b.FsType.Recognized()
}

// parseBlkidLine parses one line of default blkid output, e.g.
//
//	/dev/sdb: UUID="..." TYPE="ext4" LABEL="data"
func parseBlkidLine(line string) (BlkInfo, error) {
	var info BlkInfo
	split := strings.SplitN(line, ":", 2)
	if len(split) != 2 {
		return info, fmt.Errorf("can't parse blkid output %q", line)
	}
	info.Device = strings.TrimSpace(split[0])

	elements, err := shlex.Split(split[1])
	if err != nil {
		return info, fmt.Errorf("can't tokenize blkid output %q: %w", line, err)
	}
	for _, e := range elements {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToUpper(kv[0]) {
		case "UUID":
			info.UUID = kv[1]
		case "TYPE":
			info.FsType = fsFromStr(kv[1])
		case "LABEL":
			info.Label = kv[1]
		}
	}
	return info, nil
}
