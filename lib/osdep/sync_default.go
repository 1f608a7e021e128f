//go:build !linux
// +build !linux

package osdep

import (
	"os"
)

// FileSync flushes file data to stable storage.
func FileSync(f *os.File) error {
	return f.Sync()
}
