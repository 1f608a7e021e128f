//go:build linux
// +build linux

package osdep

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileSync flushes file data to stable storage. On linux it uses fdatasync,
// which skips the metadata flush a full fsync would pay for.
func FileSync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
