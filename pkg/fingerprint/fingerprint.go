// Package fingerprint turns free text into a canonical token form and the two
// fingerprints the ledger keys on: a SHA-256 digest for exact duplicates and a
// 64-bit simhash for near duplicates.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"regexp"
	"strings"
)

// Bits is the default fingerprint width.
const Bits = 64

// minTokenLen drops short tokens ("a", "of", "to") before hashing.
const minTokenLen = 3

var (
	markupPattern   = regexp.MustCompile(`<[^>]+>`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	nonAlnumPattern = regexp.MustCompile(`[^a-z0-9\s]`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// Normalize strips markup and URLs, lowercases, replaces everything that is
// not an ASCII letter or digit with a space and collapses whitespace.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = markupPattern.ReplaceAllString(text, " ")
	text = urlPattern.ReplaceAllString(text, " ")
	text = nonAlnumPattern.ReplaceAllString(strings.ToLower(text), " ")
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Tokens returns the normalized tokens that participate in the simhash.
func Tokens(text string) []string {
	fields := strings.Fields(Normalize(text))
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= minTokenLen {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Simhash computes a locality-sensitive fingerprint of width n (1..64, other
// values mean 64). Blank input, or input with no usable tokens, yields 0.
func Simhash(text string, n int) uint64 {
	if n <= 0 || n > Bits {
		n = Bits
	}

	tokens := Tokens(text)
	if len(tokens) == 0 {
		return 0
	}

	weights := make([]int, n)
	for _, token := range tokens {
		h := hashToken(token)
		for bit := 0; bit < n; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var out uint64
	for bit := 0; bit < n; bit++ {
		if weights[bit] > 0 {
			out |= uint64(1) << bit
		}
	}
	return out
}

// Of is Simhash at the default width.
func Of(text string) uint64 {
	return Simhash(text, Bits)
}

// ExactHash is the hex SHA-256 of the normalized text.
func ExactHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// hashToken reads the low 64 bits of the token's MD5 digest, treating the
// digest as a big-endian integer.
func hashToken(token string) uint64 {
	sum := md5.Sum([]byte(token))
	return binary.BigEndian.Uint64(sum[8:])
}
