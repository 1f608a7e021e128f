package lib

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// RandomString returns a hex string of the given even length, backed by the
// OS random source.
func RandomString(length int) string {
	buf := make([]byte, length/2)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NowMS is the wall clock in milliseconds, the unit of the timer wheel.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
