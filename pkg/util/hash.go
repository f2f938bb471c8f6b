package util

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// DoubleSHA256 computes SHA256(SHA256(data)), the Bitcoin hash function.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// HashToHex renders a hash in Bitcoin display order (byte-reversed hex).
func HashToHex(hash [32]byte) string {
	return hex.EncodeToString(ReverseBytes(hash[:]))
}

// HexToHash parses a display-order hex string into a [32]byte hash.
func HexToHash(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, hex.ErrLength
	}
	var h [32]byte
	copy(h[:], ReverseBytes(b))
	return h, nil
}

// HashMeetsTarget reports whether a header hash (internal byte order) is
// numerically <= target. Block hashes compare as little-endian 256-bit
// integers, so the bytes are reversed before the big.Int comparison.
func HashMeetsTarget(hash [32]byte, target *big.Int) bool {
	hashInt := new(big.Int).SetBytes(ReverseBytes(hash[:]))
	return hashInt.Cmp(target) <= 0
}
