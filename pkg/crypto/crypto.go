// Package crypto provides the cryptographic primitives used by horizen.
//
// This package implements AES-256-GCM authenticated encryption and
// PBKDF2-HMAC-SHA256 password stretching.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with a fresh random IV per call
//   - PBKDF2-HMAC-SHA256 key derivation (100,000 iterations minimum)
//   - HKDF-SHA256 sub-keys for domain separation
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key, err := crypto.DeriveKey([]byte("password"), salt, crypto.DefaultIterations)
//
//	blob, err := crypto.EncryptBlob(key, plaintext)
//	encoded := blob.Encode()
//
//	decoded, err := crypto.DecodeBlob(encoded)
//	plaintext, err := crypto.DecryptBlob(key, decoded)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces (IVs) in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 32

	// TagLength is the GCM authentication tag length in bytes.
	TagLength = 16

	// DefaultIterations is the PBKDF2 iteration count used for new keys.
	DefaultIterations = 100000

	// MinIterations is the lowest iteration count DeriveKey accepts.
	MinIterations = 100000
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrWeakIterations indicates an iteration count below MinIterations.
	ErrWeakIterations = errors.New("crypto: iteration count below minimum")

	// ErrEmptySalt indicates a missing salt.
	ErrEmptySalt = errors.New("crypto: salt must not be empty")
)

// DeriveKey stretches password into a 256-bit AES key with PBKDF2-HMAC-SHA256.
//
// The same (password, salt, iterations) triple always yields the same key.
// The password buffer is zeroed before returning, so callers must pass a
// copy if they still need it.
func DeriveKey(password, salt []byte, iterations int) ([]byte, error) {
	defer SecureWipe(password)

	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrWeakIterations, iterations, MinIterations)
	}
	if len(salt) == 0 {
		return nil, ErrEmptySalt
	}

	return pbkdf2.Key(password, salt, iterations, KeyLength, sha256.New), nil
}

// DeriveSubKey derives a 256-bit key from secret bound to info using HKDF-SHA256.
func DeriveSubKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive sub-key: %w", err)
	}
	return key, nil
}

// GenerateKey returns a random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns SaltLength random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A new 12-byte nonce is drawn from crypto/rand on every call, including
// repeated encryption of identical plaintext. The authentication tag is
// appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// Returns ErrInvalidKeyLength, ErrInvalidNonceLength, ErrCiphertextTooShort,
// or ErrDecryptionFailed when the tag does not verify.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" so the stores are not elided.
	runtime.KeepAlive(b)
}
