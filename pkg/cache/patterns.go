package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

var errClosed = errors.New("backend closed")

// HashText creates a SHA-256 hash of the text.
func HashText(text string) string {
	h := sha256.New()
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:16] // First 16 chars for brevity
}

// NormalizeQuery lowercases, collapses whitespace and strips trailing
// punctuation so trivially different phrasings share a key.
func NormalizeQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	out := strings.Join(fields, " ")
	return strings.TrimRightFunc(out, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// QueryKey derives the key used by similarity layers for a natural-language
// query.
func QueryKey(prefix, query string) string {
	return prefix + ":" + HashText(NormalizeQuery(query))
}

// ValidateKey checks the layer-independent key rules.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return Validationf("key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return Validationf("key exceeds %d bytes", MaxKeyLength)
	}
	return nil
}
