// Package cryptox encrypts token records at rest.
//
// Keys are derived with argon2id from a machine-specific secret plus a
// per-blob random salt, then used with AES-256-GCM. The profile name is
// bound in as additional authenticated data, so a blob copied between
// profiles or machines fails decryption instead of yielding a foreign
// token record.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrDecrypt indicates the blob could not be authenticated: wrong machine
// key, wrong profile, or tampered ciphertext. Callers treat this as "not
// authenticated", never as recoverable plaintext.
var ErrDecrypt = errors.New("cryptox: decrypt failed")

const (
	saltLength = 16
	keyLength  = 32
)

// KDFParams are the argon2id cost parameters stored alongside each blob,
// so old blobs stay readable after defaults change.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams returns the current cost defaults.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// Blob is the persisted form of an encrypted record.
type Blob struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Salt       []byte    `json:"salt"`
	KDF        KDFParams `json:"kdf"`
}

// Cipher derives keys from a machine secret and encrypts/decrypts blobs.
// It performs no I/O.
type Cipher struct {
	secret []byte
	params KDFParams
}

// New creates a cipher over the given machine secret.
func New(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("cryptox: empty machine secret")
	}
	return &Cipher{secret: secret, params: DefaultKDFParams()}, nil
}

// Encrypt seals plaintext for a profile with a fresh salt and nonce.
func (c *Cipher) Encrypt(plaintext []byte, profile string) (*Blob, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cryptox: generate salt: %w", err)
	}

	gcm, err := c.aead(salt, c.params)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(profile))
	return &Blob{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
		KDF:        c.params,
	}, nil
}

// Decrypt opens a blob for a profile. Any authentication failure yields
// ErrDecrypt; partial or garbled plaintext is never returned.
func (c *Cipher) Decrypt(blob *Blob, profile string) ([]byte, error) {
	if blob == nil || len(blob.Salt) == 0 || len(blob.Nonce) == 0 {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecrypt)
	}

	gcm, err := c.aead(blob.Salt, blob.KDF)
	if err != nil {
		return nil, err
	}
	if len(blob.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrDecrypt)
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, []byte(profile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// aead builds the AES-GCM instance for a salt and parameter set.
func (c *Cipher) aead(salt []byte, params KDFParams) (cipher.AEAD, error) {
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("%w: bad kdf parameters", ErrDecrypt)
	}
	key := argon2.IDKey(c.secret, salt, params.Time, params.Memory, params.Threads, keyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}
	return gcm, nil
}
