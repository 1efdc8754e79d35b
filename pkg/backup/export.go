package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
)

// PreferencesSource supplies the preferences document.
type PreferencesSource interface {
	Load() (*prefs.Preferences, error)
}

// APIKeySource supplies the decrypted API keys.
type APIKeySource interface {
	GetAPIKeys() (apikeys.APIKeys, error)
}

// WidgetSource supplies widget data.
type WidgetSource interface {
	List() ([]prefs.Widget, error)
	WeatherLocation() (*prefs.WeatherLocation, error)
}

// Logger receives warnings for best-effort steps.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Sources are the collaborators an export reads from. Widgets may be nil.
type Sources struct {
	Preferences PreferencesSource
	APIKeys     APIKeySource
	Widgets     WidgetSource
	Logger      Logger
}

// ExportOptions selects the sections to export.
type ExportOptions struct {
	IncludeSettings bool
	IncludeAPIKeys  bool
	IncludeChats    bool
	IncludeWidgets  bool
	Iterations      int              // crypto.DefaultIterations when zero
	Now             func() time.Time // time.Now when nil
}

// AllSectionsOptions exports everything.
func AllSectionsOptions() ExportOptions {
	return ExportOptions{
		IncludeSettings: true,
		IncludeAPIKeys:  true,
		IncludeChats:    true,
		IncludeWidgets:  true,
	}
}

func (o ExportOptions) selected() bool {
	return o.IncludeSettings || o.IncludeAPIKeys || o.IncludeChats || o.IncludeWidgets
}

// Export builds an export document. With a password every section is
// encrypted separately under a key derived from it; without one the sections
// are embedded as plaintext. A password is mandatory when API keys are
// included. The password buffer is not modified.
func Export(src Sources, opts ExportOptions, password []byte) (*ExportDataV2, error) {
	if !opts.selected() {
		return nil, &security.ValidationError{Field: "sections", Message: "select at least one section to export"}
	}
	if opts.IncludeAPIKeys && len(password) == 0 {
		return nil, fmt.Errorf("%w: exports that include API keys must be encrypted", ErrPasswordRequired)
	}
	if len(password) > 0 {
		if v := security.ValidatePassword(string(password)); !v.Valid {
			return nil, &security.ValidationError{Field: "password", Message: v.Message}
		}
	}
	if opts.Iterations == 0 {
		opts.Iterations = crypto.DefaultIterations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if src.Logger == nil {
		src.Logger = nopLogger{}
	}

	content, err := collect(src, opts)
	if err != nil {
		return nil, err
	}

	doc := &ExportDataV2{
		Version:    FormatVersion,
		ExportedAt: opts.Now().UTC().Format(time.RFC3339Nano),
	}

	if len(password) == 0 {
		doc.Sections = content.plainSections()
	} else {
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		key, err := DeriveExportKey(append([]byte(nil), password...), salt, opts.Iterations)
		if err != nil {
			return nil, err
		}
		defer crypto.SecureWipe(key)

		sections, err := content.sealedSections(key)
		if err != nil {
			return nil, fmt.Errorf("backup: failed to encrypt sections: %w", err)
		}
		doc.Sections = sections
		doc.Encrypted = true
		doc.Salt = salt
		doc.Iterations = opts.Iterations
	}

	hash, err := ComputeHash(doc)
	if err != nil {
		return nil, err
	}
	doc.Hash = hash
	return doc, nil
}

// exportContent is the plaintext gathered for an export. Nil fields were not
// requested.
type exportContent struct {
	settings *SettingsSection
	apiKeys  apikeys.APIKeys
	chats    []prefs.Conversation
	widgets  []prefs.Widget
}

func collect(src Sources, opts ExportOptions) (*exportContent, error) {
	c := &exportContent{}

	if opts.IncludeSettings || opts.IncludeChats {
		if src.Preferences == nil {
			return nil, fmt.Errorf("backup: preferences source is required")
		}
		p, err := src.Preferences.Load()
		if err != nil {
			return nil, fmt.Errorf("backup: failed to read preferences: %w", err)
		}
		if opts.IncludeSettings {
			c.settings = &SettingsSection{
				Settings:        p.Settings,
				QuickLinks:      p.QuickLinks,
				Shortcuts:       p.Shortcuts,
				WeatherLocation: p.WeatherLocation,
			}
			if c.settings.WeatherLocation == nil && src.Widgets != nil {
				loc, err := src.Widgets.WeatherLocation()
				if err != nil {
					src.Logger.Warnf("weather location not exported: %v", err)
				} else {
					c.settings.WeatherLocation = loc
				}
			}
		}
		if opts.IncludeChats {
			c.chats = p.ExportableConversations()
		}
	}

	if opts.IncludeAPIKeys {
		if src.APIKeys == nil {
			return nil, fmt.Errorf("backup: API key source is required")
		}
		keys, err := src.APIKeys.GetAPIKeys()
		if err != nil {
			return nil, err
		}
		c.apiKeys = keys
		if c.apiKeys == nil {
			c.apiKeys = apikeys.APIKeys{}
		}
	}

	if opts.IncludeWidgets {
		c.widgets = []prefs.Widget{}
		if src.Widgets != nil {
			widgets, err := src.Widgets.List()
			if err != nil {
				return nil, fmt.Errorf("backup: failed to read widgets: %w", err)
			}
			c.widgets = widgets
		}
	}
	return c, nil
}

func (c *exportContent) plainSections() Sections {
	var s Sections
	if c.settings != nil {
		s.Settings = Plain(*c.settings)
	}
	if c.apiKeys != nil {
		s.APIKeys = Plain(c.apiKeys)
	}
	if c.chats != nil {
		s.Chats = Plain(c.chats)
	}
	if c.widgets != nil {
		s.Widgets = Plain(c.widgets)
	}
	return s
}

func (c *exportContent) sealedSections(key []byte) (Sections, error) {
	var s Sections
	if c.settings != nil {
		blob, err := sealSection(key, c.settings)
		if err != nil {
			return s, err
		}
		s.Settings = Encrypted[SettingsSection](blob)
	}
	if c.apiKeys != nil {
		blob, err := sealSection(key, c.apiKeys)
		if err != nil {
			return s, err
		}
		s.APIKeys = Encrypted[apikeys.APIKeys](blob)
	}
	if c.chats != nil {
		blob, err := sealSection(key, c.chats)
		if err != nil {
			return s, err
		}
		s.Chats = Encrypted[[]prefs.Conversation](blob)
	}
	if c.widgets != nil {
		blob, err := sealSection(key, c.widgets)
		if err != nil {
			return s, err
		}
		s.Widgets = Encrypted[[]prefs.Widget](blob)
	}
	return s, nil
}

// File permissions for written exports.
const (
	FileMode = 0600
	DirMode  = 0700
)

// WriteExportFile writes doc into dir under ExportFileName(now) and returns
// the path.
func WriteExportFile(dir string, doc *ExportDataV2, now time.Time) (string, error) {
	data, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", fmt.Errorf("backup: failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, ExportFileName(now))
	if err := os.WriteFile(path, data, FileMode); err != nil {
		return "", fmt.Errorf("backup: failed to write export file: %w", err)
	}
	return path, nil
}
