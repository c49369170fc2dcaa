package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns a hex sha256 digest. Used to build fixed-size keys for
// cache entries and S3 paths from arbitrary subject strings.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
