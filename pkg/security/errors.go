package security

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/horizen/pkg/crypto"
)

// Error taxonomy shared by every horizen package. Callers match with
// errors.Is; wrapped errors keep the sentinel reachable.
var (
	// ErrSessionLocked indicates an operation that needs an unlocked session.
	ErrSessionLocked = errors.New("security: session is locked")

	// ErrIncorrectPassword indicates a well-formed ciphertext that does not
	// open under the derived key.
	ErrIncorrectPassword = errors.New("security: incorrect password")

	// ErrDataCorrupted indicates stored ciphertext or config that is
	// malformed or truncated. The stored value is never deleted.
	ErrDataCorrupted = errors.New("security: stored data is corrupted")

	// ErrImportFormatInvalid indicates a structural problem in an import
	// document, found before any decryption.
	ErrImportFormatInvalid = errors.New("security: import format invalid")

	// ErrIntegrityCheckFailed indicates an export hash mismatch.
	ErrIntegrityCheckFailed = errors.New("security: integrity check failed")

	// ErrValidation indicates rejected input such as a short password or an
	// empty selection.
	ErrValidation = errors.New("security: validation failed")

	// ErrNotEnabled indicates a password operation while protection is off.
	ErrNotEnabled = errors.New("security: password protection is not enabled")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "security: " + e.Message
	}
	return fmt.Sprintf("security: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// FormatError lists every structural problem found in an import document.
type FormatError struct {
	Problems []string
}

func (e *FormatError) Error() string {
	return "security: import format invalid: " + strings.Join(e.Problems, "; ")
}

func (e *FormatError) Unwrap() error { return ErrImportFormatInvalid }

// ClassifyDecryptError maps crypto failures onto the taxonomy: a malformed
// blob is corruption, a tag mismatch on a well-formed blob is a wrong key.
func ClassifyDecryptError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, crypto.ErrMalformedBlob),
		errors.Is(err, crypto.ErrCiphertextTooShort),
		errors.Is(err, crypto.ErrInvalidNonceLength):
		return fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return fmt.Errorf("%w: %v", ErrIncorrectPassword, err)
	default:
		return err
	}
}
