package prepack

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const keySeparator = "+"

// Key composes the cache key for a weight packed by opType.
// hash identifies the content: the packed buffers, or the source weight bytes
// when the key is needed before packing.
func Key(opType, hash string) string {
	return opType + keySeparator + hash
}

// SplitKey splits a key produced by Key.
func SplitKey(key string) (opType, hash string, ok bool) {
	return strings.Cut(key, keySeparator)
}

// HashBytes returns the hex SHA-256 of the concatenation of data.
func HashBytes(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
