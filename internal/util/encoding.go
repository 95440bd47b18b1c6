package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize applies NFKC normalisation.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// FoldName prepares a directory string for case-insensitive comparison:
// NFKC, case folding, trimmed and with internal whitespace runs collapsed to
// a single space (RFC 5280 section 7.1 / RFC 4518 insignificant space handling).
func FoldName(s string) string {
	s = folder.String(Normalize(s))
	return strings.Join(strings.Fields(s), " ")
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// Fingerprint returns the lowercase hex SHA-256 of der.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
