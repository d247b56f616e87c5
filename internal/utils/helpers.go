package utils

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"os"
	"strings"
	"time"
)

// HomeDir returns the current user's home directory, or "" if unknown.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// Getenv is a thin wrapper kept so config can be unit-tested against a fake
// environment later without reaching into os directly everywhere.
func Getenv(key string) string {
	return os.Getenv(key)
}

// ToLower lowercases a string; named to match the call sites ported from the
// teacher's rate-limit classification code.
func ToLower(s string) string {
	return strings.ToLower(s)
}

// ContainsAny reports whether s contains any of the needles.
func ContainsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// FormatDuration renders a millisecond duration as a short human string.
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(time.Second).String()
}

// GenerateJitter returns a pseudo-random value in [0, maxMs).
func GenerateJitter(maxMs int64) int64 {
	if maxMs <= 0 {
		return 0
	}
	return mathrand.Int63n(maxMs)
}

// RandomHex returns a random hex string of byteLength*2 characters, used for
// synthetic ids (tool use ids, message ids, request ids).
func RandomHex(byteLength int) string {
	b := make([]byte, byteLength)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NowMs returns the current time as a unix-millisecond timestamp, the unit
// every expiry/reset-time field in the account and signature-cache data
// models uses.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
