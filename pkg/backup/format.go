package backup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
)

// Current export format version.
const FormatVersion = "2.0"

// MIMEType is the media type of export files.
const MIMEType = "application/json"

// SectionName identifies an export section on the wire.
type SectionName string

const (
	SectionSettings SectionName = "settings"
	SectionAPIKeys  SectionName = "apiKeys"
	SectionChats    SectionName = "chats"
	SectionWidgets  SectionName = "widgets"
)

// AllSections lists every section in canonical order.
var AllSections = []SectionName{SectionSettings, SectionAPIKeys, SectionChats, SectionWidgets}

func (n SectionName) valid() bool {
	for _, s := range AllSections {
		if s == n {
			return true
		}
	}
	return false
}

// SettingsSection is the preferences document without conversations.
type SettingsSection struct {
	Settings        prefs.Settings         `json:"settings"`
	QuickLinks      []prefs.QuickLink      `json:"quickLinks"`
	Shortcuts       []prefs.Shortcut       `json:"shortcuts"`
	WeatherLocation *prefs.WeatherLocation `json:"weatherLocation,omitempty"`
}

// Section is either a plaintext value or an encrypted blob, never both.
type Section[T any] struct {
	value *T
	raw   json.RawMessage
	blob  *crypto.EncryptedBlob
}

// Plain returns a plaintext section holding v.
func Plain[T any](v T) *Section[T] {
	return &Section[T]{value: &v}
}

// Encrypted returns a section holding blob.
func Encrypted[T any](blob *crypto.EncryptedBlob) *Section[T] {
	return &Section[T]{blob: blob}
}

// IsEncrypted reports whether the section holds ciphertext.
func (s *Section[T]) IsEncrypted() bool { return s != nil && s.blob != nil }

// Blob returns the ciphertext, or nil for a plaintext section.
func (s *Section[T]) Blob() *crypto.EncryptedBlob { return s.blob }

// Value returns the plaintext value. For an encrypted section ok is false.
func (s *Section[T]) Value() (v T, ok bool, err error) {
	if s == nil || s.blob != nil {
		return v, false, nil
	}
	if s.value != nil {
		return *s.value, true, nil
	}
	if err := json.Unmarshal(s.raw, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// plainJSON returns the compact JSON of a plaintext section.
func (s *Section[T]) plainJSON() (json.RawMessage, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	return json.Marshal(s.value)
}

// Sections holds the optional sections of a document. A nil field means the
// section was not exported.
type Sections struct {
	Settings *Section[SettingsSection]
	APIKeys  *Section[apikeys.APIKeys]
	Chats    *Section[[]prefs.Conversation]
	Widgets  *Section[[]prefs.Widget]
}

// Names returns the names of the present sections in canonical order.
func (s *Sections) Names() []SectionName {
	var names []SectionName
	if s.Settings != nil {
		names = append(names, SectionSettings)
	}
	if s.APIKeys != nil {
		names = append(names, SectionAPIKeys)
	}
	if s.Chats != nil {
		names = append(names, SectionChats)
	}
	if s.Widgets != nil {
		names = append(names, SectionWidgets)
	}
	return names
}

// sectionCodec gives the generic wire helpers access to one Sections field.
type sectionCodec interface {
	isEncrypted() bool
	blobValue() *crypto.EncryptedBlob
	plain() (json.RawMessage, error)
}

func (s *Section[T]) isEncrypted() bool { return s.IsEncrypted() }
func (s *Section[T]) blobValue() *crypto.EncryptedBlob { return s.blob }
func (s *Section[T]) plain() (json.RawMessage, error) { return s.plainJSON() }

func (s *Sections) codecs() map[SectionName]sectionCodec {
	m := make(map[SectionName]sectionCodec, len(AllSections))
	if s.Settings != nil {
		m[SectionSettings] = s.Settings
	}
	if s.APIKeys != nil {
		m[SectionAPIKeys] = s.APIKeys
	}
	if s.Chats != nil {
		m[SectionChats] = s.Chats
	}
	if s.Widgets != nil {
		m[SectionWidgets] = s.Widgets
	}
	return m
}

// ExportDataV2 is an export document.
type ExportDataV2 struct {
	Version    string
	ExportedAt string // kept as written so the hash is reproducible
	Hash       string
	Encrypted  bool
	Salt       []byte
	Iterations int
	Sections   Sections
}

// ExportTime parses ExportedAt.
func (d *ExportDataV2) ExportTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.ExportedAt)
}

// wireDoc is the JSON shape of ExportDataV2.
type wireDoc struct {
	Version           string                     `json:"version"`
	ExportedAt        string                     `json:"exportedAt"`
	Hash              string                     `json:"hash"`
	Encrypted         bool                       `json:"encrypted"`
	Salt              string                     `json:"salt,omitempty"`
	Iterations        int                        `json:"iterations,omitempty"`
	EncryptedSections map[string]string          `json:"encryptedSections,omitempty"`
	Contents          map[string]json.RawMessage `json:"contents,omitempty"`
}

func (d *ExportDataV2) toWire() (*wireDoc, error) {
	w := &wireDoc{
		Version:    d.Version,
		ExportedAt: d.ExportedAt,
		Hash:       d.Hash,
		Encrypted:  d.Encrypted,
		Iterations: d.Iterations,
	}
	if len(d.Salt) > 0 {
		w.Salt = base64.StdEncoding.EncodeToString(d.Salt)
	}
	for name, sec := range d.Sections.codecs() {
		if sec.isEncrypted() {
			if w.EncryptedSections == nil {
				w.EncryptedSections = make(map[string]string)
			}
			w.EncryptedSections[string(name)] = sec.blobValue().Encode()
			continue
		}
		raw, err := sec.plain()
		if err != nil {
			return nil, fmt.Errorf("backup: failed to encode section %s: %w", name, err)
		}
		if w.Contents == nil {
			w.Contents = make(map[string]json.RawMessage)
		}
		w.Contents[string(name)] = raw
	}
	return w, nil
}

// MarshalJSON encodes the wire shape.
func (d *ExportDataV2) MarshalJSON() ([]byte, error) {
	w, err := d.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape. Structural problems are reported as
// a *security.FormatError.
func (d *ExportDataV2) UnmarshalJSON(data []byte) error {
	var w wireDoc
	if err := json.Unmarshal(data, &w); err != nil {
		return &security.FormatError{Problems: []string{err.Error()}}
	}
	return d.fromWire(&w)
}

func (d *ExportDataV2) fromWire(w *wireDoc) error {
	var problems []string

	*d = ExportDataV2{
		Version:    w.Version,
		ExportedAt: w.ExportedAt,
		Hash:       w.Hash,
		Encrypted:  w.Encrypted,
		Iterations: w.Iterations,
	}
	if w.Salt != "" {
		salt, err := base64.StdEncoding.Strict().DecodeString(w.Salt)
		if err != nil {
			problems = append(problems, "salt is not valid base64")
		}
		d.Salt = salt
	}

	for name, encoded := range w.EncryptedSections {
		sn := SectionName(name)
		if !sn.valid() {
			problems = append(problems, fmt.Sprintf("unknown section %q", name))
			continue
		}
		if _, dup := w.Contents[name]; dup {
			problems = append(problems, fmt.Sprintf("section %s is both encrypted and plain", name))
			continue
		}
		blob, err := crypto.DecodeBlob(encoded)
		if err != nil {
			problems = append(problems, fmt.Sprintf("section %s: %v", name, err))
			continue
		}
		d.Sections.setEncrypted(sn, blob)
	}
	for name, raw := range w.Contents {
		sn := SectionName(name)
		if !sn.valid() {
			problems = append(problems, fmt.Sprintf("unknown section %q", name))
			continue
		}
		if _, dup := w.EncryptedSections[name]; dup {
			continue
		}
		d.Sections.setRaw(sn, raw)
	}

	if len(w.EncryptedSections) > 0 && !w.Encrypted {
		problems = append(problems, "encryptedSections present but encrypted is false")
	}
	if w.Encrypted && len(w.Contents) > 0 {
		problems = append(problems, "contents present but encrypted is true")
	}
	if w.Encrypted && (len(d.Salt) == 0 || w.Iterations == 0) {
		problems = append(problems, "encrypted document without salt or iterations")
	}

	if len(problems) > 0 {
		return &security.FormatError{Problems: problems}
	}
	return nil
}

func (s *Sections) setEncrypted(name SectionName, blob *crypto.EncryptedBlob) {
	switch name {
	case SectionSettings:
		s.Settings = Encrypted[SettingsSection](blob)
	case SectionAPIKeys:
		s.APIKeys = Encrypted[apikeys.APIKeys](blob)
	case SectionChats:
		s.Chats = Encrypted[[]prefs.Conversation](blob)
	case SectionWidgets:
		s.Widgets = Encrypted[[]prefs.Widget](blob)
	}
}

func (s *Sections) setRaw(name SectionName, raw json.RawMessage) {
	switch name {
	case SectionSettings:
		s.Settings = &Section[SettingsSection]{raw: raw}
	case SectionAPIKeys:
		s.APIKeys = &Section[apikeys.APIKeys]{raw: raw}
	case SectionChats:
		s.Chats = &Section[[]prefs.Conversation]{raw: raw}
	case SectionWidgets:
		s.Widgets = &Section[[]prefs.Widget]{raw: raw}
	}
}

// Marshal encodes doc as indented JSON, the on-disk form.
func Marshal(doc *ExportDataV2) ([]byte, error) {
	w, err := doc.toWire()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(w, "", "  ")
}

// ExportFileName returns the file name for an export made at now:
// horizen-backup-YYYY-MM-DDTHH-mm-ss.json.
func ExportFileName(now time.Time) string {
	stamp := now.UTC().Format("2006-01-02T15:04:05")
	return "horizen-backup-" + strings.ReplaceAll(stamp, ":", "-") + ".json"
}
