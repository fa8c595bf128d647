// Package fieldcrypt encrypts sensitive field values with tenant-specific
// keys derived from the master secret and a per-tenant salt. Stored blobs are
// self-describing: layout version, key version, nonce, ciphertext, tag. A
// value sealed for tenant A never opens under tenant B's key.
package fieldcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	blobVersion = 1
	keyLength   = 32
	nonceLength = 12
)

var (
	// ErrIntegrity is returned on any authentication failure during
	// decryption. Callers fail closed: the field is unavailable.
	ErrIntegrity = errors.New("fieldcrypt: integrity check failed")

	ErrMalformed = errors.New("fieldcrypt: malformed blob")
)

// SaltProvider supplies the per-tenant random salt. Lookup may suspend; the
// derived key is cached per (tenant, key version) afterwards.
type SaltProvider interface {
	EncryptionSalt(ctx context.Context, tenantID string) ([]byte, error)
}

type derivedKeys struct {
	aead        cipher.AEAD
	fingerprint []byte
}

// Codec seals and opens field values. Safe for concurrent use.
type Codec struct {
	master     []byte
	keyVersion uint8
	salts      SaltProvider

	mu    sync.Mutex
	locks map[string]*sync.Mutex            // per-tenant derivation locks
	cache map[string]map[uint8]*derivedKeys // tenant -> key version -> keys
}

// New constructs a Codec at the given active key version.
func New(master []byte, keyVersion uint8, salts SaltProvider) (*Codec, error) {
	if len(master) < keyLength {
		return nil, fmt.Errorf("fieldcrypt: master key must be at least %d bytes", keyLength)
	}
	if keyVersion == 0 {
		return nil, errors.New("fieldcrypt: key version must be positive")
	}
	return &Codec{
		master:     master,
		keyVersion: keyVersion,
		salts:      salts,
		locks:      map[string]*sync.Mutex{},
		cache:      map[string]map[uint8]*derivedKeys{},
	}, nil
}

// Encrypt seals plaintext for the tenant under the active key version with a
// fresh random nonce. The tenant id rides as additional data.
func (c *Codec) Encrypt(ctx context.Context, tenantID string, plaintext []byte) (string, error) {
	keys, err := c.keysFor(ctx, tenantID, c.keyVersion)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	blob := make([]byte, 0, 2+nonceLength+len(plaintext)+keys.aead.Overhead())
	blob = append(blob, blobVersion, c.keyVersion)
	blob = append(blob, nonce...)
	blob = keys.aead.Seal(blob, nonce, plaintext, []byte(tenantID))
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a stored blob with the key version it names, so mixed
// populations are tolerated during rotation. Fails closed on any error.
func (c *Codec) Decrypt(ctx context.Context, tenantID, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(blob) < 2+nonceLength {
		return nil, ErrMalformed
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown layout %d", ErrMalformed, blob[0])
	}
	keyVersion := blob[1]
	keys, err := c.keysFor(ctx, tenantID, keyVersion)
	if err != nil {
		return nil, err
	}
	nonce := blob[2 : 2+nonceLength]
	plaintext, err := keys.aead.Open(nil, nonce, blob[2+nonceLength:], []byte(tenantID))
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Fingerprint returns a deterministic digest of the value under a dedicated
// sub-key, enabling equality search over encrypted fields. Ranged search is
// not supported.
func (c *Codec) Fingerprint(ctx context.Context, tenantID string, value []byte) (string, error) {
	keys, err := c.keysFor(ctx, tenantID, c.keyVersion)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, keys.fingerprint)
	mac.Write(value)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Rekey re-encrypts a blob under the active key version. Blobs already at
// the active version are returned unchanged.
func (c *Codec) Rekey(ctx context.Context, tenantID, encoded string) (string, bool, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(blob) < 2 {
		return "", false, ErrMalformed
	}
	if blob[1] == c.keyVersion {
		return encoded, false, nil
	}
	plaintext, err := c.Decrypt(ctx, tenantID, encoded)
	if err != nil {
		return "", false, err
	}
	next, err := c.Encrypt(ctx, tenantID, plaintext)
	if err != nil {
		return "", false, err
	}
	return next, true, nil
}

// Invalidate drops cached keys for a tenant. Called when the tenant's salt
// rotates.
func (c *Codec) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tenantID)
}

// keysFor derives (or returns cached) keys for the tenant and key version.
// Derivation runs under a per-tenant mutex to prevent duplicate work.
func (c *Codec) keysFor(ctx context.Context, tenantID string, keyVersion uint8) (*derivedKeys, error) {
	c.mu.Lock()
	if byVersion, ok := c.cache[tenantID]; ok {
		if keys, ok := byVersion[keyVersion]; ok {
			c.mu.Unlock()
			return keys, nil
		}
	}
	lock, ok := c.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[tenantID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check under the tenant lock: another goroutine may have derived.
	c.mu.Lock()
	if byVersion, ok := c.cache[tenantID]; ok {
		if keys, ok := byVersion[keyVersion]; ok {
			c.mu.Unlock()
			return keys, nil
		}
	}
	c.mu.Unlock()

	salt, err := c.salts.EncryptionSalt(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	keys, err := c.derive(salt, keyVersion)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.cache[tenantID]; !ok {
		c.cache[tenantID] = map[uint8]*derivedKeys{}
	}
	c.cache[tenantID][keyVersion] = keys
	c.mu.Unlock()
	return keys, nil
}

func (c *Codec) derive(salt []byte, keyVersion uint8) (*derivedKeys, error) {
	encKey := make([]byte, keyLength)
	info := fmt.Sprintf("fincore/fieldkey/v%d", keyVersion)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, salt, []byte(info)), encKey); err != nil {
		return nil, err
	}
	fpKey := make([]byte, keyLength)
	fpInfo := fmt.Sprintf("fincore/fingerprint/v%d", keyVersion)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, salt, []byte(fpInfo)), fpKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &derivedKeys{aead: aead, fingerprint: fpKey}, nil
}
