package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// RandomSeed returns a non-negative seed drawn from crypto/rand.
// The engine treats the seed as a signed 64-bit value.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) & math.MaxInt64)
}
