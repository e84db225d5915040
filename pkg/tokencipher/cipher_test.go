package tokencipher

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func testKey(t *testing.T, id, alg string) Key {
	t.Helper()
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		t.Fatalf("Failed to generate key material: %v", err)
	}
	return Key{ID: id, Material: material, Algorithm: alg}
}

func TestCipher_New(t *testing.T) {
	t.Run("no keys", func(t *testing.T) {
		if _, err := New(nil, "k1"); err == nil {
			t.Error("Expected error for empty key set")
		}
	})

	t.Run("active key not in set", func(t *testing.T) {
		_, err := New([]Key{testKey(t, "k1", AlgAESGCM)}, "missing")
		if !errors.Is(err, ErrKeyUnavailable) {
			t.Errorf("Expected ErrKeyUnavailable, got %v", err)
		}
	})

	t.Run("short key material", func(t *testing.T) {
		_, err := New([]Key{{ID: "k1", Material: []byte("short"), Algorithm: AlgAESGCM}}, "k1")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("duplicate key id", func(t *testing.T) {
		_, err := New([]Key{testKey(t, "k1", AlgAESGCM), testKey(t, "k1", AlgAESGCM)}, "k1")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := New([]Key{testKey(t, "k1", "rot13")}, "k1")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})
}

func TestCipher_Roundtrip(t *testing.T) {
	for _, alg := range []string{AlgAESGCM, AlgXChaCha} {
		t.Run(alg, func(t *testing.T) {
			c, err := New([]Key{testKey(t, "k1", alg)}, "k1")
			if err != nil {
				t.Fatalf("Failed to create cipher: %v", err)
			}

			plaintext := []byte(`{"sid":"abc","tid":"def"}`)
			aad := []byte("refresh-token")

			token, err := c.EncryptToString(plaintext, aad)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			got, err := c.DecryptString(token, aad)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("Roundtrip mismatch: got %q", got)
			}
		})
	}
}

func TestCipher_EnvelopeFormat(t *testing.T) {
	c, err := New([]Key{testKey(t, "primary", AlgXChaCha)}, "primary")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	token, err := c.EncryptToString([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("Token is not base64url: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Envelope is not JSON: %v", err)
	}
	if env.Version != 2 {
		t.Errorf("Expected version 2 for xchacha, got %d", env.Version)
	}
	if env.KeyID != "primary" {
		t.Errorf("Expected kid primary, got %q", env.KeyID)
	}
	if _, err := base64.RawURLEncoding.DecodeString(env.Nonce); err != nil {
		t.Errorf("Nonce is not base64url: %v", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(env.CT); err != nil {
		t.Errorf("Ciphertext is not base64url: %v", err)
	}
}

func TestCipher_AuthenticationFailures(t *testing.T) {
	c, err := New([]Key{testKey(t, "k1", AlgAESGCM)}, "k1")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	t.Run("wrong aad", func(t *testing.T) {
		token, _ := c.EncryptToString([]byte("data"), []byte("refresh-token"))
		_, err := c.DecryptString(token, []byte("access-token"))
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		env, _ := c.Encrypt([]byte("data"), nil)
		ct, _ := base64.RawURLEncoding.DecodeString(env.CT)
		ct[0] ^= 0xff
		env.CT = base64.RawURLEncoding.EncodeToString(ct)

		_, err := c.Decrypt(env, nil)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
		}
	})

	t.Run("unknown key id", func(t *testing.T) {
		env, _ := c.Encrypt([]byte("data"), nil)
		env.KeyID = "retired"
		_, err := c.Decrypt(env, nil)
		if !errors.Is(err, ErrKeyUnavailable) {
			t.Errorf("Expected ErrKeyUnavailable, got %v", err)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		env, _ := c.Encrypt([]byte("data"), nil)
		env.Version = 9
		_, err := c.Decrypt(env, nil)
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := c.DecryptString("not a token", nil)
		if !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
		}
	})
}

func TestCipher_Rotation(t *testing.T) {
	c, err := New([]Key{testKey(t, "k1", AlgAESGCM)}, "k1")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	oldToken, err := c.EncryptToString([]byte("old"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Add a new key and make it active
	if err := c.AddKey(testKey(t, "k2", AlgXChaCha)); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if err := c.SetActiveKey("k2"); err != nil {
		t.Fatalf("SetActiveKey failed: %v", err)
	}
	if c.ActiveKeyID() != "k2" {
		t.Errorf("Expected active key k2, got %q", c.ActiveKeyID())
	}

	// New tokens seal under k2, old tokens still decrypt under k1
	newToken, err := c.EncryptToString([]byte("new"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := c.DecryptString(oldToken, nil); err != nil {
		t.Errorf("Old token should still decrypt: %v", err)
	}
	if _, err := c.DecryptString(newToken, nil); err != nil {
		t.Errorf("New token should decrypt: %v", err)
	}

	// Active key cannot be removed
	if err := c.RemoveKey("k2"); !errors.Is(err, ErrActiveKeyRemoval) {
		t.Errorf("Expected ErrActiveKeyRemoval, got %v", err)
	}

	// Removing the retired key makes old tokens undecryptable
	if err := c.RemoveKey("k1"); err != nil {
		t.Fatalf("RemoveKey failed: %v", err)
	}
	if _, err := c.DecryptString(oldToken, nil); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("Expected ErrKeyUnavailable after removal, got %v", err)
	}
}
