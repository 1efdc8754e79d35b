// Package prefs holds the start-page preferences model and the stores that
// persist it: the preferences document under "preferences" and per-widget
// data under "widget:<id>".
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// Message is one chat message.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Conversation is a chat thread. Ghost-mode conversations are never exported.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	IsGhostMode bool      `json:"isGhostMode,omitempty"`
	CreatedAt   int64     `json:"createdAt,omitempty"`
	UpdatedAt   int64     `json:"updatedAt,omitempty"`
}

// QuickLink is a start-page link tile.
type QuickLink struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Icon  string `json:"icon,omitempty"`
}

// Shortcut binds a key combination to an action.
type Shortcut struct {
	Key    string `json:"key"`
	Action string `json:"action"`
}

// WeatherLocation is the saved location for the weather widget.
type WeatherLocation struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name,omitempty"`
}

// Settings are the scalar UI settings.
type Settings struct {
	Theme        string `json:"theme,omitempty"`
	SearchEngine string `json:"searchEngine,omitempty"`
	ClockFormat  string `json:"clockFormat,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
	ShowSeconds  bool   `json:"showSeconds,omitempty"`
}

// Preferences is the whole persisted preferences document.
type Preferences struct {
	Settings        Settings         `json:"settings"`
	QuickLinks      []QuickLink      `json:"quickLinks"`
	Conversations   []Conversation   `json:"conversations"`
	Shortcuts       []Shortcut       `json:"shortcuts"`
	WeatherLocation *WeatherLocation `json:"weatherLocation,omitempty"`
}

// Default returns empty preferences with non-nil slices.
func Default() *Preferences {
	return &Preferences{
		QuickLinks:    []QuickLink{},
		Conversations: []Conversation{},
		Shortcuts:     []Shortcut{},
	}
}

// Normalize replaces nil slices with empty ones so the JSON shape is stable.
func (p *Preferences) Normalize() {
	if p.QuickLinks == nil {
		p.QuickLinks = []QuickLink{}
	}
	if p.Conversations == nil {
		p.Conversations = []Conversation{}
	}
	if p.Shortcuts == nil {
		p.Shortcuts = []Shortcut{}
	}
	for i := range p.Conversations {
		if p.Conversations[i].Messages == nil {
			p.Conversations[i].Messages = []Message{}
		}
	}
}

// Clone returns a deep copy.
func (p *Preferences) Clone() *Preferences {
	data, err := json.Marshal(p)
	if err != nil {
		// Preferences contains only JSON-safe fields.
		panic(err)
	}
	var out Preferences
	_ = json.Unmarshal(data, &out)
	out.Normalize()
	return &out
}

// ExportableConversations returns the conversations that are not in ghost
// mode.
func (p *Preferences) ExportableConversations() []Conversation {
	out := make([]Conversation, 0, len(p.Conversations))
	for _, c := range p.Conversations {
		if !c.IsGhostMode {
			out = append(out, c)
		}
	}
	return out
}

// Load reads preferences from kv, returning Default when none are stored.
func Load(kv store.KV) (*Preferences, error) {
	raw, err := kv.Get(store.KeyPreferences)
	if errors.Is(err, store.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	var p Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: preferences: %v", security.ErrDataCorrupted, err)
	}
	p.Normalize()
	return &p, nil
}

// Save writes p to kv.
func Save(kv store.KV, p *Preferences) error {
	if p == nil {
		return &security.ValidationError{Field: "preferences", Message: "must not be nil"}
	}
	p.Normalize()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("prefs: failed to marshal preferences: %w", err)
	}
	return kv.Put(store.KeyPreferences, string(data))
}

// Store is the preferences collaborator used by export and import.
type Store struct {
	mu sync.Mutex
	kv store.Store
}

// NewStore returns a Store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// KV returns the backing store.
func (s *Store) KV() store.Store { return s.kv }

// Load returns the current preferences.
func (s *Store) Load() (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Load(s.kv)
}

// Save replaces the stored preferences.
func (s *Store) Save(p *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Save(s.kv, p)
}

// Modify applies fn to the current preferences and saves the result.
func (s *Store) Modify(fn func(p *Preferences) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := Load(s.kv)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return Save(s.kv, p)
}

// UpsertConversation adds c or replaces the conversation with the same id.
func (s *Store) UpsertConversation(c Conversation) error {
	if c.ID == "" {
		return &security.ValidationError{Field: "conversation.id", Message: "must not be empty"}
	}
	return s.Modify(func(p *Preferences) error {
		for i := range p.Conversations {
			if p.Conversations[i].ID == c.ID {
				p.Conversations[i] = c
				return nil
			}
		}
		p.Conversations = append(p.Conversations, c)
		return nil
	})
}

// DeleteConversation removes the conversation with id. Missing ids are ignored.
func (s *Store) DeleteConversation(id string) error {
	return s.Modify(func(p *Preferences) error {
		kept := p.Conversations[:0]
		for _, c := range p.Conversations {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		p.Conversations = kept
		return nil
	})
}
