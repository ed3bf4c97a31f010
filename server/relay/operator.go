package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for operator keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

var errBadHash = errors.New("bad encoded hash format")

// HashOperatorKey returns the Argon2id encoding of key for the relay's
// tenant configuration:
// $argon2id$v=19$m=...,t=...,p=...$<salt_b64>$<hash_b64>
func HashOperatorKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyOperatorKey checks key against an encoded Argon2id hash.
func verifyOperatorKey(key, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errBadHash
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, errBadHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errBadHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, errBadHash
	}
	got := argon2.IDKey([]byte(key), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// operatorKeys authenticates dashboard requests. Verified keys are cached
// by digest so Argon2 runs once per tenant and key.
type operatorKeys struct {
	hashes map[string]string

	mu       sync.Mutex
	verified map[string][sha256.Size]byte
}

func newOperatorKeys(hashes map[string]string) *operatorKeys {
	cp := make(map[string]string, len(hashes))
	for tenant, h := range hashes {
		cp[tenant] = h
	}
	return &operatorKeys{hashes: cp, verified: make(map[string][sha256.Size]byte)}
}

func (k *operatorKeys) verify(tenant, key string) bool {
	if tenant == "" || key == "" {
		return false
	}
	encoded, ok := k.hashes[tenant]
	if !ok {
		return false
	}
	digest := sha256.Sum256([]byte(key))

	k.mu.Lock()
	cached, ok := k.verified[tenant]
	k.mu.Unlock()
	if ok {
		return subtle.ConstantTimeCompare(cached[:], digest[:]) == 1
	}

	match, err := verifyOperatorKey(key, encoded)
	if err != nil || !match {
		return false
	}
	k.mu.Lock()
	k.verified[tenant] = digest
	k.mu.Unlock()
	return true
}
