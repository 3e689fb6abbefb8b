// Package secret provides AES-GCM envelope encryption for tenant secret blobs.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Blob is the persisted form of an encrypted payload. The plaintext is a
// JSON serialization of an arbitrary object.
type Blob struct {
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// ErrKeyInvalid is returned when the master key decodes to an unsupported length.
var ErrKeyInvalid = errors.New("key_invalid: master key must decode to 16/24/32 bytes")

// Cipher encrypts and decrypts JSON payloads with a single symmetric key.
// The key version is a label only; it does not route decryption.
type Cipher struct {
	aead       cipher.AEAD
	KeyVersion string
}

// New builds a Cipher from a base64-encoded master key. An empty key falls
// back to a derived development key labeled dev-v1.
func New(masterKeyB64 string) (*Cipher, error) {
	var key []byte
	version := "v1"
	if masterKeyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(masterKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		key = decoded
	} else {
		// Dev fallback for local environments.
		sum := sha256.Sum256([]byte("nexus-saas-dev-key"))
		key = sum[:]
		version = "dev-v1"
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKeyInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, KeyVersion: version}, nil
}

// Encrypt serializes obj as JSON and seals it under a fresh nonce.
func (c *Cipher) Encrypt(obj any) (Blob, error) {
	plaintext, err := json.Marshal(obj)
	if err != nil {
		return Blob{}, fmt.Errorf("marshal secret payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Blob{}, err
	}
	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return Blob{
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens a blob and unmarshals the plaintext JSON into out.
func (c *Cipher) Decrypt(blob Blob, out any) error {
	nonce, err := base64.StdEncoding.DecodeString(blob.NonceB64)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.CiphertextB64)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("open secret blob: %w", err)
	}
	return json.Unmarshal(plaintext, out)
}
