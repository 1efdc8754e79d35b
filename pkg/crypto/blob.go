package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformedBlob indicates an encoded blob that is not valid base64 or is
// too short to hold an IV and a GCM tag.
var ErrMalformedBlob = errors.New("crypto: malformed encrypted blob")

// EncryptedBlob is one AES-GCM output: the IV and the ciphertext with its tag.
// It is persisted as base64(iv ∥ ciphertext).
type EncryptedBlob struct {
	IV         []byte
	Ciphertext []byte
}

// EncryptBlob encrypts plaintext under key with a fresh IV.
func EncryptBlob(key, plaintext []byte) (*EncryptedBlob, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedBlob{IV: nonce, Ciphertext: ciphertext}, nil
}

// DecryptBlob decrypts blob under key.
func DecryptBlob(key []byte, blob *EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, ErrMalformedBlob
	}
	return Decrypt(key, blob.Ciphertext, blob.IV)
}

// Bytes returns iv ∥ ciphertext.
func (b *EncryptedBlob) Bytes() []byte {
	out := make([]byte, 0, len(b.IV)+len(b.Ciphertext))
	out = append(out, b.IV...)
	return append(out, b.Ciphertext...)
}

// Encode returns the standard base64 encoding of iv ∥ ciphertext.
func (b *EncryptedBlob) Encode() string {
	return base64.StdEncoding.EncodeToString(b.Bytes())
}

// ParseBlob splits raw iv ∥ ciphertext bytes.
func ParseBlob(raw []byte) (*EncryptedBlob, error) {
	if len(raw) < NonceLength+TagLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBlob, len(raw))
	}
	iv := make([]byte, NonceLength)
	copy(iv, raw[:NonceLength])
	ct := make([]byte, len(raw)-NonceLength)
	copy(ct, raw[NonceLength:])
	return &EncryptedBlob{IV: iv, Ciphertext: ct}, nil
}

// DecodeBlob parses the base64 form produced by Encode. Decoding is strict:
// non-zero padding bits are rejected so every blob has one encoding.
func DecodeBlob(encoded string) (*EncryptedBlob, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return ParseBlob(raw)
}

// SealString encrypts plaintext and returns the encoded blob.
func SealString(key, plaintext []byte) (string, error) {
	blob, err := EncryptBlob(key, plaintext)
	if err != nil {
		return "", err
	}
	return blob.Encode(), nil
}

// OpenString decodes and decrypts an encoded blob. Malformed input returns an
// error wrapping ErrMalformedBlob; a wrong key or tampered ciphertext returns
// ErrDecryptionFailed.
func OpenString(key []byte, encoded string) ([]byte, error) {
	blob, err := DecodeBlob(encoded)
	if err != nil {
		return nil, err
	}
	return DecryptBlob(key, blob)
}
