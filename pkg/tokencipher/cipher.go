// Package tokencipher provides authenticated encryption of opaque token
// payloads with key-id tagged envelopes and key rotation support. Envelopes
// are a stable JSON wire format so old tokens stay decryptable across
// deploys: {"v":1,"kid":"...","iv":"<b64url>","ct":"<b64url>"} with
// base64url fields without padding.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeyUnavailable       = errors.New("key unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnsupportedVersion   = errors.New("unsupported envelope version")
	ErrInvalidEnvelope      = errors.New("invalid envelope")
	ErrInvalidKey           = errors.New("invalid key material")
	ErrActiveKeyRemoval     = errors.New("cannot remove active key")
)

// Supported AEAD algorithms. The algorithm is a property of the key; the
// envelope version records which one produced the ciphertext.
const (
	AlgAESGCM  = "aes-256-gcm"        // envelope version 1
	AlgXChaCha = "xchacha20-poly1305" // envelope version 2
	KeySize    = 32
)

const (
	versionAESGCM  = 1
	versionXChaCha = 2
)

// Envelope is the ciphertext wire format. Fields are tagged to match the
// documented {v, kid, iv, ct} JSON shape.
type Envelope struct {
	Version int    `json:"v"`
	KeyID   string `json:"kid"`
	Nonce   string `json:"iv"`
	CT      string `json:"ct"`
}

// Key is one symmetric key held by the cipher
type Key struct {
	ID        string
	Material  []byte
	Algorithm string
}

type keyEntry struct {
	aead    cipher.AEAD
	version int
}

// Cipher holds a key-id keyed map of AEADs plus one designated active key
// used for all new encryptions. The key map is read-mostly; rotation takes
// the write lock only for the pointer swap.
type Cipher struct {
	mu       sync.RWMutex
	keys     map[string]keyEntry
	activeID string
}

// New creates a Cipher from the given keys and active key id
func New(keys []Key, activeID string) (*Cipher, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys configured", ErrInvalidKey)
	}

	c := &Cipher{keys: make(map[string]keyEntry, len(keys))}
	for _, k := range keys {
		entry, err := buildEntry(k)
		if err != nil {
			return nil, err
		}
		if _, exists := c.keys[k.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidKey, k.ID)
		}
		c.keys[k.ID] = entry
	}

	if _, ok := c.keys[activeID]; !ok {
		return nil, fmt.Errorf("%w: active key id %q not in key set", ErrKeyUnavailable, activeID)
	}
	c.activeID = activeID

	return c, nil
}

func buildEntry(k Key) (keyEntry, error) {
	if k.ID == "" {
		return keyEntry{}, fmt.Errorf("%w: empty key id", ErrInvalidKey)
	}
	if len(k.Material) != KeySize {
		return keyEntry{}, fmt.Errorf("%w: key %q must be %d bytes, got %d", ErrInvalidKey, k.ID, KeySize, len(k.Material))
	}

	alg := k.Algorithm
	if alg == "" {
		alg = AlgAESGCM
	}

	switch alg {
	case AlgAESGCM:
		block, err := aes.NewCipher(k.Material)
		if err != nil {
			return keyEntry{}, fmt.Errorf("failed to build aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return keyEntry{}, fmt.Errorf("failed to build gcm: %w", err)
		}
		return keyEntry{aead: aead, version: versionAESGCM}, nil
	case AlgXChaCha:
		aead, err := chacha20poly1305.NewX(k.Material)
		if err != nil {
			return keyEntry{}, fmt.Errorf("failed to build xchacha20: %w", err)
		}
		return keyEntry{aead: aead, version: versionXChaCha}, nil
	default:
		return keyEntry{}, fmt.Errorf("%w: unknown algorithm %q for key %q", ErrInvalidKey, alg, k.ID)
	}
}

// Encrypt encrypts plaintext under the active key with a fresh random nonce.
// aad, if non-nil, is authenticated but not encrypted.
func (c *Cipher) Encrypt(plaintext, aad []byte) (*Envelope, error) {
	c.mu.RLock()
	keyID := c.activeID
	entry := c.keys[keyID]
	c.mu.RUnlock()

	nonce := make([]byte, entry.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := entry.aead.Seal(nil, nonce, plaintext, aad)

	return &Envelope{
		Version: entry.version,
		KeyID:   keyID,
		Nonce:   base64.RawURLEncoding.EncodeToString(nonce),
		CT:      base64.RawURLEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens an envelope. Envelopes sealed under a retired-but-still-held
// key remain decryptable until the key is removed.
func (c *Cipher) Decrypt(env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Version != versionAESGCM && env.Version != versionXChaCha {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	c.mu.RLock()
	entry, ok := c.keys[env.KeyID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyUnavailable, env.KeyID)
	}
	if entry.version != env.Version {
		return nil, fmt.Errorf("%w: envelope version %d does not match key %q", ErrUnsupportedVersion, env.Version, env.KeyID)
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != entry.aead.NonceSize() {
		return nil, ErrInvalidEnvelope
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := entry.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptToString encrypts and serializes the envelope as an opaque string
func (c *Cipher) EncryptToString(plaintext, aad []byte) (string, error) {
	env, err := c.Encrypt(plaintext, aad)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecryptString deserializes and opens an envelope produced by EncryptToString
func (c *Cipher) DecryptString(token string, aad []byte) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	return c.Decrypt(&env, aad)
}

// AddKey adds a new key to the set without changing the active pointer
func (c *Cipher) AddKey(k Key) error {
	entry, err := buildEntry(k)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.keys[k.ID]; exists {
		return fmt.Errorf("%w: key id %q already present", ErrInvalidKey, k.ID)
	}
	c.keys[k.ID] = entry
	return nil
}

// SetActiveKey flips the active pointer to an already-held key
func (c *Cipher) SetActiveKey(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.keys[id]; !ok {
		return fmt.Errorf("%w: %q", ErrKeyUnavailable, id)
	}
	c.activeID = id
	return nil
}

// RemoveKey purges a retired key. Envelopes sealed under it become
// undecryptable, so callers remove a key only once no live envelope can
// reference it.
func (c *Cipher) RemoveKey(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == c.activeID {
		return ErrActiveKeyRemoval
	}
	if _, ok := c.keys[id]; !ok {
		return fmt.Errorf("%w: %q", ErrKeyUnavailable, id)
	}
	delete(c.keys, id)
	return nil
}

// ActiveKeyID returns the id used for new encryptions
func (c *Cipher) ActiveKeyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeID
}
