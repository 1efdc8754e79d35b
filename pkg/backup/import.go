package backup

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
)

// SectionResult is one section of an import: its value, or the error that
// kept it from being read.
type SectionResult[T any] struct {
	Value T
	Err   error
}

// OK reports whether the section is present and readable.
func (r *SectionResult[T]) OK() bool { return r != nil && r.Err == nil }

// ImportResult is a parsed, verified and decrypted import. Nil section
// fields were not in the document.
type ImportResult struct {
	Version    string
	ExportedAt time.Time
	Encrypted  bool
	Legacy     bool // V1 document, no hash

	Settings *SectionResult[SettingsSection]
	APIKeys  *SectionResult[apikeys.APIKeys]
	Chats    *SectionResult[[]prefs.Conversation]
	Widgets  *SectionResult[[]prefs.Widget]
}

// Available returns the sections that can be applied, in canonical order.
func (r *ImportResult) Available() []SectionName {
	var names []SectionName
	if r.Settings.OK() {
		names = append(names, SectionSettings)
	}
	if r.APIKeys.OK() {
		names = append(names, SectionAPIKeys)
	}
	if r.Chats.OK() {
		names = append(names, SectionChats)
	}
	if r.Widgets.OK() {
		names = append(names, SectionWidgets)
	}
	return names
}

// Failed returns the per-section errors.
func (r *ImportResult) Failed() map[SectionName]error {
	failed := make(map[SectionName]error)
	if r.Settings != nil && r.Settings.Err != nil {
		failed[SectionSettings] = r.Settings.Err
	}
	if r.APIKeys != nil && r.APIKeys.Err != nil {
		failed[SectionAPIKeys] = r.APIKeys.Err
	}
	if r.Chats != nil && r.Chats.Err != nil {
		failed[SectionChats] = r.Chats.Err
	}
	if r.Widgets != nil && r.Widgets.Err != nil {
		failed[SectionWidgets] = r.Widgets.Err
	}
	return failed
}

// Preferences assembles the imported settings and conversations into a
// preferences document.
func (r *ImportResult) Preferences() *prefs.Preferences {
	p := prefs.Default()
	if r.Settings.OK() {
		s := r.Settings.Value
		p.Settings = s.Settings
		p.QuickLinks = s.QuickLinks
		p.Shortcuts = s.Shortcuts
		p.WeatherLocation = s.WeatherLocation
	}
	if r.Chats.OK() {
		p.Conversations = r.Chats.Value
	}
	p.Normalize()
	return p
}

// ParseImportFile runs the import pipeline: structural validation, hash
// verification, then decryption. Nothing is decrypted unless the hash
// matches.
func ParseImportFile(data []byte, password []byte) (*ImportResult, error) {
	if err := ValidateImportData(data); err != nil {
		return nil, err
	}

	var head struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &security.FormatError{Problems: []string{err.Error()}}
	}
	if classifyVersion(head.Version) == versionV1 {
		return parseV1(data)
	}

	var doc ExportDataV2
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if err := VerifyHash(&doc); err != nil {
		return nil, err
	}
	return DecryptExportData(&doc, password)
}

// DecryptExportData reads every section of doc. Sections are decrypted
// independently and failures are recorded per section. If every encrypted
// section fails under password the whole call fails with
// security.ErrIncorrectPassword.
func DecryptExportData(doc *ExportDataV2, password []byte) (*ImportResult, error) {
	res := &ImportResult{
		Version:   doc.Version,
		Encrypted: doc.Encrypted,
	}
	if t, err := doc.ExportTime(); err == nil {
		res.ExportedAt = t
	}

	var key []byte
	if hasEncrypted(&doc.Sections) {
		if len(password) == 0 {
			return nil, ErrPasswordRequired
		}
		k, err := DeriveExportKey(append([]byte(nil), password...), doc.Salt, doc.Iterations)
		if err != nil {
			return nil, err
		}
		key = k
		defer crypto.SecureWipe(key)
	}

	if doc.Sections.Settings != nil {
		v, err := DecryptSection(key, SectionSettings, doc.Sections.Settings)
		res.Settings = &SectionResult[SettingsSection]{Value: v, Err: sectionErr(SectionSettings, err)}
	}
	if doc.Sections.APIKeys != nil {
		v, err := DecryptSection(key, SectionAPIKeys, doc.Sections.APIKeys)
		res.APIKeys = &SectionResult[apikeys.APIKeys]{Value: v, Err: sectionErr(SectionAPIKeys, err)}
	}
	if doc.Sections.Chats != nil {
		v, err := DecryptSection(key, SectionChats, doc.Sections.Chats)
		res.Chats = &SectionResult[[]prefs.Conversation]{Value: v, Err: sectionErr(SectionChats, err)}
	}
	if doc.Sections.Widgets != nil {
		v, err := DecryptSection(key, SectionWidgets, doc.Sections.Widgets)
		res.Widgets = &SectionResult[[]prefs.Widget]{Value: v, Err: sectionErr(SectionWidgets, err)}
	}

	if key != nil && allEncryptedFailed(res, &doc.Sections) {
		return nil, security.ErrIncorrectPassword
	}
	return res, nil
}

// DecryptSection returns the value of one section. Plaintext sections need
// no key.
func DecryptSection[T any](key []byte, name SectionName, sec *Section[T]) (T, error) {
	if !sec.IsEncrypted() {
		v, _, err := sec.Value()
		if err != nil {
			return v, &security.FormatError{Problems: []string{err.Error()}}
		}
		return v, nil
	}
	if key == nil {
		var zero T
		return zero, ErrPasswordRequired
	}
	return openSection(key, name, sec)
}

func sectionErr(name SectionName, err error) error {
	if err == nil {
		return nil
	}
	return &SectionError{Section: name, Err: err}
}

func hasEncrypted(s *Sections) bool {
	return s.Settings.IsEncrypted() || s.APIKeys.IsEncrypted() ||
		s.Chats.IsEncrypted() || s.Widgets.IsEncrypted()
}

func allEncryptedFailed(res *ImportResult, s *Sections) bool {
	failed := res.Failed()
	for name, sec := range s.codecs() {
		if !sec.isEncrypted() {
			continue
		}
		if !errors.Is(failed[name], security.ErrIncorrectPassword) {
			return false
		}
	}
	return true
}

// v1Doc is the legacy export layout: a flat object without hash or
// encryption.
type v1Doc struct {
	Version         string                 `json:"version"`
	Timestamp       json.RawMessage        `json:"timestamp"`
	ExportedAt      string                 `json:"exportedAt"`
	Preferences     *prefs.Preferences     `json:"preferences"`
	APIKeys         apikeys.APIKeys        `json:"apiKeys"`
	Shortcuts       []prefs.Shortcut       `json:"shortcuts"`
	WeatherLocation *prefs.WeatherLocation `json:"weatherLocation"`
}

func parseV1(data []byte) (*ImportResult, error) {
	var doc v1Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &security.FormatError{Problems: []string{err.Error()}}
	}

	res := &ImportResult{Version: doc.Version, Legacy: true}
	res.ExportedAt = parseV1Time(doc.Timestamp, doc.ExportedAt)

	if doc.Preferences != nil || doc.Shortcuts != nil || doc.WeatherLocation != nil {
		p := doc.Preferences
		if p == nil {
			p = prefs.Default()
		}
		p.Normalize()

		settings := SettingsSection{
			Settings:        p.Settings,
			QuickLinks:      p.QuickLinks,
			Shortcuts:       p.Shortcuts,
			WeatherLocation: p.WeatherLocation,
		}
		if doc.Shortcuts != nil {
			settings.Shortcuts = doc.Shortcuts
		}
		if doc.WeatherLocation != nil {
			settings.WeatherLocation = doc.WeatherLocation
		}
		res.Settings = &SectionResult[SettingsSection]{Value: settings}

		if doc.Preferences != nil {
			res.Chats = &SectionResult[[]prefs.Conversation]{Value: p.ExportableConversations()}
		}
	}
	if doc.APIKeys != nil {
		res.APIKeys = &SectionResult[apikeys.APIKeys]{Value: doc.APIKeys}
	}
	return res, nil
}

// parseV1Time accepts an RFC 3339 string or Unix milliseconds.
func parseV1Time(raw json.RawMessage, fallback string) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, fallback); err == nil {
		return t
	}
	return time.Time{}
}
