package drive

import (
	"bufio"
	"strconv"
	"strings"
)

// isDarwinPartition reports whether a /dev entry such as disk2s1 or rdisk3s2
// names a slice rather than a whole disk.
func isDarwinPartition(name string) bool {
	for i := 0; i+1 < len(name); i++ {
		if name[i] == 's' && name[i+1] >= '0' && name[i+1] <= '9' {
			return true
		}
	}
	return false
}

// diskutilInfo is the subset of `diskutil info` output a Device needs.
type diskutilInfo struct {
	MediaName  string
	Size       int64
	Removable  bool
	External   bool
	ReadOnly   bool
	Internal   bool
	Protocol   string
	MountPoint string
}

// parseDiskutilInfo reads the "Key: Value" listing printed by `diskutil info`.
func parseDiskutilInfo(out string) diskutilInfo {
	var info diskutilInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Device / Media Name":
			info.MediaName = value
		case "Disk Size", "Total Size":
			info.Size = parseDiskutilBytes(value)
		case "Removable Media":
			info.Removable = value == "Removable"
		case "Device Location":
			info.External = value == "External"
			info.Internal = value == "Internal"
		case "Media Read-Only", "Read-Only Media":
			info.ReadOnly = value == "Yes"
		case "Protocol":
			info.Protocol = value
		case "Mount Point":
			info.MountPoint = value
		}
	}
	return info
}

// parseDiskutilBytes pulls the exact byte count out of values like
// "15.5 GB (15502147584 Bytes) (exactly 30277632 512-Byte-Units)".
func parseDiskutilBytes(value string) int64 {
	open := strings.IndexByte(value, '(')
	if open < 0 {
		return 0
	}
	fields := strings.Fields(value[open+1:])
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "Bytes") {
		return 0
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
