//go:build linux

package flasher

import "golang.org/x/sys/unix"

// dropCache evicts the device's pages so the verify pass reads the media
// instead of the page cache.
func dropCache(t Target) {
	f, ok := t.(interface{ Fd() uintptr })
	if !ok {
		return
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}
