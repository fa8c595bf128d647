// Package credential implements password hashing, password policy
// enforcement, login-attempt tracking and account lockout.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	defaultMemoryKiB  = 64 * 1024
	defaultTime       = 2
	defaultThreads    = 1
	digestKeyLength   = 32
	digestSaltLength  = 16
)

// ErrHashMismatch is returned when a password does not match its digest.
var ErrHashMismatch = errors.New("credential: password mismatch")

// Hasher produces argon2id digests. Cost parameters are encoded into each
// digest, so they can be raised without migrating stored hashes.
type Hasher struct {
	memoryKiB uint32
	time      uint32
	threads   uint8
}

// NewHasher constructs a Hasher; zero values fall back to defaults.
func NewHasher(memoryKiB, timeCost uint32) *Hasher {
	h := &Hasher{memoryKiB: memoryKiB, time: timeCost, threads: defaultThreads}
	if h.memoryKiB == 0 {
		h.memoryKiB = defaultMemoryKiB
	}
	if h.time == 0 {
		h.time = defaultTime
	}
	return h
}

// Hash derives an encoded digest with a fresh random salt.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("credential: password is empty")
	}
	salt := make([]byte, digestSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(password), salt, h.time, h.memoryKiB, h.threads, digestKeyLength)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		h.memoryKiB,
		h.time,
		h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify recomputes the digest with the parameters stored alongside it and
// compares in constant time. Returns ErrHashMismatch on any mismatch.
func (h *Hasher) Verify(digest, password string) error {
	memory, timeCost, threads, salt, want, err := parseDigest(digest)
	if err != nil {
		return err
	}
	got := argon2.IDKey([]byte(password), salt, timeCost, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func parseDigest(digest string) (memory, timeCost uint32, threads uint8, salt, sum []byte, err error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errors.New("credential: malformed digest")
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, errors.New("credential: unsupported digest version")
	}
	var p uint8
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &p); err != nil {
		return 0, 0, 0, nil, nil, errors.New("credential: malformed digest parameters")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, errors.New("credential: malformed digest salt")
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, errors.New("credential: malformed digest hash")
	}
	return memory, timeCost, p, salt, sum, nil
}
