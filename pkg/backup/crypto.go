package backup

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/security"
)

// HKDF info binding the export key to this format.
const hkdfInfoExport = "horizen-export-v2"

// DeriveExportKey derives the section key from an export password. It never
// involves the session key, so exports stay readable after a password change.
// The password is normalized the same way as the account password.
func DeriveExportKey(password []byte, salt []byte, iterations int) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}

	masterKey, err := security.DerivePasswordKey(string(password), salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to derive export key: %w", err)
	}
	defer crypto.SecureWipe(masterKey)

	return crypto.DeriveSubKey(masterKey, hkdfInfoExport)
}

// sealSection encrypts the compact JSON of v with a fresh IV.
func sealSection(key []byte, v any) (*crypto.EncryptedBlob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(data)
	return crypto.EncryptBlob(key, data)
}

// openSection decrypts blob into T. A tag failure is ErrIncorrectPassword.
// The plaintext must pass the same structural checks as a plain section of
// the same name.
func openSection[T any](key []byte, name SectionName, sec *Section[T]) (T, error) {
	var v T
	data, err := crypto.DecryptBlob(key, sec.Blob())
	if err != nil {
		return v, security.ClassifyDecryptError(err)
	}
	defer crypto.SecureWipe(data)

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return v, &security.FormatError{Problems: []string{"decrypted section is not valid JSON"}}
	}
	if problems := checkSection(name, "encryptedSections."+string(name), generic); len(problems) > 0 {
		return v, &security.FormatError{Problems: problems}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &security.FormatError{Problems: []string{err.Error()}}
	}
	return v, nil
}

// hashInput is the canonical form the document hash covers. encoding/json
// sorts map keys and compacts raw messages, so whitespace in the file does
// not affect the hash.
type hashInput struct {
	Version           string                     `json:"version"`
	ExportedAt        string                     `json:"exportedAt"`
	Encrypted         bool                       `json:"encrypted"`
	Salt              string                     `json:"salt"`
	Iterations        int                        `json:"iterations"`
	EncryptedSections map[string]string          `json:"encryptedSections"`
	Contents          map[string]json.RawMessage `json:"contents"`
}

// ComputeHash returns the hex SHA-256 of the canonical document, excluding
// the hash field itself.
func ComputeHash(doc *ExportDataV2) (string, error) {
	w, err := doc.toWire()
	if err != nil {
		return "", err
	}

	in := hashInput{
		Version:           w.Version,
		ExportedAt:        w.ExportedAt,
		Encrypted:         w.Encrypted,
		Iterations:        w.Iterations,
		EncryptedSections: w.EncryptedSections,
		Contents:          w.Contents,
	}
	if len(doc.Salt) > 0 {
		in.Salt = base64.StdEncoding.EncodeToString(doc.Salt)
	}
	if in.EncryptedSections == nil {
		in.EncryptedSections = map[string]string{}
	}
	if in.Contents == nil {
		in.Contents = map[string]json.RawMessage{}
	}

	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("backup: failed to encode document for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the document hash and compares it with doc.Hash.
func VerifyHash(doc *ExportDataV2) error {
	if doc.Hash == "" {
		return fmt.Errorf("%w: document has no hash", security.ErrIntegrityCheckFailed)
	}
	want, err := ComputeHash(doc)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(doc.Hash)) != 1 {
		return security.ErrIntegrityCheckFailed
	}
	return nil
}
