//go:build !windows

package flasher

const defaultSectorSize = 0
