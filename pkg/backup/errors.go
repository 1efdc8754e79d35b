// Package backup implements the horizen export/import format: sectioned,
// optionally password-encrypted, hash-verified JSON documents, the import
// pipeline that parses, validates, verifies and decrypts them, the merge
// that applies a selection to the local stores, and the rotating
// pre-import snapshots.
//
// Security:
//   - Export salt is generated fresh for each export
//   - The export key comes from the export password alone, never the session
//   - Each section is sealed separately so a subset can be decrypted
//   - The hash is checked before anything is decrypted or applied
package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrPasswordRequired indicates an export of API keys, or an import of an
	// encrypted document, without a password.
	ErrPasswordRequired = errors.New("backup: password is required")

	// ErrUnsupportedVersion indicates a document version this build cannot read.
	ErrUnsupportedVersion = errors.New("backup: unsupported format version")

	// ErrSnapshotNotFound indicates Restore of an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("backup: snapshot not found")

	// ErrSectionUnavailable indicates a selected section that is absent or
	// failed to decrypt.
	ErrSectionUnavailable = errors.New("backup: section unavailable")
)

// SectionError records a failure confined to one section.
type SectionError struct {
	Section SectionName
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("backup: section %s: %v", e.Section, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }
