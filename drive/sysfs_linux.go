//go:build linux

package drive

import (
	"os"
	"path/filepath"
	"strings"
)

var sysBlockDir = "/sys/block"

// skipDisk drops virtual and optical devices that can never be a target.
func skipDisk(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "sr", "dm-", "md", "nbd"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func devicePath(name string) string {
	return filepath.Join("/dev", name)
}

// isProtected reads the kernel read-only flag of a disk.
func isProtected(name string) bool {
	b, err := os.ReadFile(filepath.Join(sysBlockDir, name, "ro"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}
