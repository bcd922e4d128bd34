//go:build windows

package drive

import "strings"

func skipDisk(string) bool { return false }

// devicePath keeps ghw's \\.\PHYSICALDRIVEn form, which is what CreateFile wants.
func devicePath(name string) string {
	if strings.HasPrefix(name, `\\.\`) {
		return name
	}
	return `\\.\` + name
}

func isProtected(string) bool { return false }
