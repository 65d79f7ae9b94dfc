package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ComputeChecksum computes SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ComputeChecksumReader computes SHA-256 checksum from an io.Reader.
// This is useful for computing checksums of large files without loading them entirely into memory.
func ComputeChecksumReader(r io.Reader) ([32]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ChecksumHex returns the hex encoded SHA-256 of data, the form stored in
// external_data entries.
func ChecksumHex(data []byte) string {
	sum := ComputeChecksum(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksumHex compares the checksum of data against a stored hex string.
// An empty stored checksum always verifies.
func VerifyChecksumHex(data []byte, stored string) error {
	if stored == "" {
		return nil
	}
	if got := ChecksumHex(data); got != stored {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, stored)
	}
	return nil
}
