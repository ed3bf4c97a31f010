package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// PairingAlphabet leaves out 0/O, 1/I/L so codes survive being read aloud.
const PairingAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// PairingCodeLength is the number of characters in a pairing code.
const PairingCodeLength = 6

// NewPairingCode returns a random code from PairingAlphabet.
func NewPairingCode() (string, error) {
	max := big.NewInt(int64(len(PairingAlphabet)))
	var b strings.Builder
	for i := 0; i < PairingCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(PairingAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizePairingCode upper-cases a typed code and drops spaces and dashes.
// It reports false when the result is not a well-formed code.
func NormalizePairingCode(s string) (string, bool) {
	s = strings.ToUpper(strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(strings.TrimSpace(s)))
	if len(s) != PairingCodeLength {
		return "", false
	}
	for _, r := range s {
		if !strings.ContainsRune(PairingAlphabet, r) {
			return "", false
		}
	}
	return s, true
}
