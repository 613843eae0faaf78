package visitors

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/openpulse/pulse/internal/services/saltmanager"
)

// DeviceKey derives the claim store index for a physical device. It is keyed
// by the process static salt: stable for the process lifetime, never
// persisted, and unrecoverable across restarts.
func DeviceKey(salt saltmanager.Salt, userAgent, ipAddr, host string) uint64 {
	sum := keyedSum(salt, userAgent, ipAddr, host)
	return binary.LittleEndian.Uint64(sum[:8])
}

// VisitorID derives the cookieless visitor identifier. Keyed by the daily
// salt, the same device maps to a different id on different calendar days.
func VisitorID(salt saltmanager.Salt, userAgent, ipAddr, host string) string {
	sum := keyedSum(salt, userAgent, ipAddr, host)
	return fmt.Sprintf("pulse_%X", sum[:8])
}

func keyedSum(salt saltmanager.Salt, parts ...string) [32]byte {
	hasher, err := blake3.NewKeyed(salt.Bytes())
	if err != nil {
		// Salt is always 32 bytes, NewKeyed cannot fail.
		panic(err)
	}
	for _, part := range parts {
		_, _ = hasher.WriteString(part)
	}
	var sum [32]byte
	hasher.Digest().Read(sum[:])
	return sum
}
