// Package pow implements the prefix proof-of-work search.
//
// A candidate is SHA-256 over the job's prev_hash text followed by the decimal
// nonce, rendered as lowercase hex. A candidate wins when its first
// difficulty characters are all '0'. This is a string prefix test and not the
// numeric target comparison Bitcoin uses; a difficulty of d hex zeros is
// roughly a target of 2^(256-4d).
package pow

import (
	"encoding/hex"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HexDigestLen is the length of a hex rendered SHA-256 digest. No candidate
// can satisfy a difficulty above it.
const HexDigestLen = 2 * chainhash.HashSize

// Hash returns the lowercase hex SHA-256 of prevHash followed by the decimal nonce
func Hash(prevHash string, nonce uint64) string {
	input := strconv.AppendUint([]byte(prevHash), nonce, 10)
	return hex.EncodeToString(chainhash.HashB(input))
}

// HasZeroPrefix reports whether the first difficulty characters of hash are '0'
func HasZeroPrefix(hash string, difficulty int) bool {
	if difficulty > len(hash) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// Verify recomputes the candidate for nonce and checks it against difficulty
func Verify(prevHash string, nonce uint64, difficulty int) (string, bool) {
	hash := Hash(prevHash, nonce)
	return hash, HasZeroPrefix(hash, difficulty)
}

// hasher reuses its buffers across nonces so the search loop does not allocate
type hasher struct {
	input     []byte
	prefixLen int
	digest    [HexDigestLen]byte
}

func newHasher(prevHash string) *hasher {
	input := make([]byte, len(prevHash), len(prevHash)+20)
	copy(input, prevHash)
	return &hasher{input: input, prefixLen: len(prevHash)}
}

// sum hashes the candidate for nonce; the returned slice is reused by the next call
func (h *hasher) sum(nonce uint64) []byte {
	h.input = strconv.AppendUint(h.input[:h.prefixLen], nonce, 10)
	sum := chainhash.HashH(h.input)
	hex.Encode(h.digest[:], sum[:])
	return h.digest[:]
}

func hasZeroPrefix(digest []byte, difficulty int) bool {
	if difficulty > len(digest) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if digest[i] != '0' {
			return false
		}
	}
	return true
}
