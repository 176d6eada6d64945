package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeHash returns the hex SHA-256 of data. Used as a content key for echo
// suppression.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint formats the SHA-256 of a DER certificate the way TLS tools print
// it: upper-case hex pairs joined by colons.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	pairs := make([]string, len(sum))
	for i, b := range sum {
		pairs[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(pairs, ":")
}
