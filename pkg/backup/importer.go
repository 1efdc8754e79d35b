package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// ChatStrategy decides how imported conversations meet existing ones.
type ChatStrategy string

const (
	// ChatAppend keeps existing conversations and adds imported ones,
	// re-keying any imported id that collides.
	ChatAppend ChatStrategy = "append"
	// ChatReplace substitutes the imported conversations wholesale.
	ChatReplace ChatStrategy = "replace"
)

// CollectionStrategy decides how imported quick links or widgets meet
// existing ones.
type CollectionStrategy string

const (
	// Merge is a union by id where existing items win and imported items
	// fill the gaps.
	Merge CollectionStrategy = "merge"
	// Replace substitutes the imported items wholesale.
	Replace CollectionStrategy = "replace"
)

// Strategies carries one strategy per mergeable collection.
type Strategies struct {
	Chats      ChatStrategy
	QuickLinks CollectionStrategy
	Widgets    CollectionStrategy
}

// DefaultStrategies never removes existing data.
func DefaultStrategies() Strategies {
	return Strategies{Chats: ChatAppend, QuickLinks: Merge, Widgets: Merge}
}

// Validate rejects unknown strategy names.
func (s Strategies) Validate() error {
	switch s.Chats {
	case ChatAppend, ChatReplace:
	default:
		return &security.ValidationError{Field: "strategy.chats", Message: fmt.Sprintf("unknown strategy %q", s.Chats)}
	}
	for field, v := range map[string]CollectionStrategy{"quickLinks": s.QuickLinks, "widgets": s.Widgets} {
		if v != Merge && v != Replace {
			return &security.ValidationError{Field: "strategy." + field, Message: fmt.Sprintf("unknown strategy %q", v)}
		}
	}
	return nil
}

// SectionSelection selects a section and, optionally, a subset of its items.
// A nil Items map means every item.
type SectionSelection struct {
	Selected bool
	Items    map[string]bool
}

// Includes reports whether the item with id is selected.
func (s SectionSelection) Includes(id string) bool {
	if !s.Selected {
		return false
	}
	if s.Items == nil {
		return true
	}
	return s.Items[id]
}

func (s SectionSelection) empty() bool {
	if !s.Selected {
		return true
	}
	if s.Items == nil {
		return false
	}
	for _, on := range s.Items {
		if on {
			return false
		}
	}
	return true
}

// SelectionTree is the user's choice of what to import. Item ids are quick
// link ids for Settings, provider names for APIKeys, conversation ids for
// Chats and widget ids for Widgets. Settings items filter quick links only;
// the scalar settings are applied whenever Settings is selected.
type SelectionTree struct {
	Settings SectionSelection
	APIKeys  SectionSelection
	Chats    SectionSelection
	Widgets  SectionSelection
}

// NewSelectionTree selects every readable section of res.
func NewSelectionTree(res *ImportResult) *SelectionTree {
	return &SelectionTree{
		Settings: SectionSelection{Selected: res.Settings.OK()},
		APIKeys:  SectionSelection{Selected: res.APIKeys.OK()},
		Chats:    SectionSelection{Selected: res.Chats.OK()},
		Widgets:  SectionSelection{Selected: res.Widgets.OK()},
	}
}

// Empty reports whether nothing at all is selected.
func (t *SelectionTree) Empty() bool {
	return t == nil || (!t.Settings.Selected && t.APIKeys.empty() && t.Chats.empty() && t.Widgets.empty())
}

// SectionStatus reports what Apply did with one section.
type SectionStatus struct {
	Applied int
	Renamed int
	Skipped int
	Err     error
}

// ApplyResult reports the outcome of Apply. Nil fields were not selected.
type ApplyResult struct {
	SnapshotID string
	Settings   *SectionStatus
	APIKeys    *SectionStatus
	Chats      *SectionStatus
	Widgets    *SectionStatus
}

// APIKeyStore is the secret store an import merges API keys into.
type APIKeyStore interface {
	GetAPIKeys() (apikeys.APIKeys, error)
	SaveAPIKeys(keys apikeys.APIKeys) error
}

// Importer applies import results to the local stores.
type Importer struct {
	kv        store.Store
	keys      APIKeyStore
	snapshots *Snapshots
	newSuffix func() string
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithRetention sets how many pre-import snapshots are kept.
func WithRetention(n int) ImporterOption {
	return func(im *Importer) { im.snapshots.retention = max(n, 1) }
}

// WithClock sets the clock used for snapshot ids.
func WithClock(now func() time.Time) ImporterOption {
	return func(im *Importer) { im.snapshots.now = now }
}

// NewImporter returns an Importer over kv. keys may be nil when API keys are
// never imported.
func NewImporter(kv store.Store, keys APIKeyStore, opts ...ImporterOption) *Importer {
	im := &Importer{
		kv:        kv,
		keys:      keys,
		snapshots: NewSnapshots(kv, DefaultRetention, nil),
		newSuffix: func() string { return strings.SplitN(uuid.NewString(), "-", 2)[0] },
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Snapshots returns the snapshot manager.
func (im *Importer) Snapshots() *Snapshots { return im.snapshots }

// Apply merges the selected parts of res into the local stores. Preferences
// and widgets are written in one transaction together with a snapshot of
// their previous state; API keys are merged afterwards through the secret
// store. A selected section that is missing or failed to decrypt is reported
// in its status and skipped.
func (im *Importer) Apply(res *ImportResult, sel *SelectionTree, st Strategies) (*ApplyResult, error) {
	if sel.Empty() {
		return nil, &security.ValidationError{Field: "selection", Message: "nothing selected to import"}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}

	out := &ApplyResult{}

	// Read the current keys first so a locked session fails before any write.
	var currentKeys apikeys.APIKeys
	if sel.APIKeys.Selected && res.APIKeys.OK() {
		if im.keys == nil {
			return nil, fmt.Errorf("backup: no API key store configured")
		}
		keys, err := im.keys.GetAPIKeys()
		if err != nil {
			return nil, err
		}
		currentKeys = keys
	}

	err := im.kv.Update(func(tx store.KV) error {
		id, err := im.snapshots.take(tx)
		if err != nil {
			return fmt.Errorf("backup: failed to snapshot preferences: %w", err)
		}
		out.SnapshotID = id

		p, err := prefs.Load(tx)
		if err != nil {
			return err
		}

		if sel.Settings.Selected {
			out.Settings = unavailable(res.Settings)
			if out.Settings == nil {
				out.Settings = mergeSettings(p, res.Settings.Value, sel.Settings, st.QuickLinks)
			}
		}
		if sel.Chats.Selected {
			out.Chats = unavailable(res.Chats)
			if out.Chats == nil {
				out.Chats = im.mergeChats(p, res.Chats.Value, sel.Chats, st.Chats)
			}
		}
		if err := prefs.Save(tx, p); err != nil {
			return err
		}

		if sel.Widgets.Selected {
			out.Widgets = unavailable(res.Widgets)
			if out.Widgets == nil {
				status, err := mergeWidgets(tx, res.Widgets.Value, sel.Widgets, st.Widgets)
				if err != nil {
					return err
				}
				out.Widgets = status
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sel.APIKeys.Selected {
		out.APIKeys = unavailable(res.APIKeys)
		if out.APIKeys == nil {
			out.APIKeys = im.mergeAPIKeys(currentKeys, res.APIKeys.Value, sel.APIKeys)
		}
	}
	return out, nil
}

func unavailable[T any](r *SectionResult[T]) *SectionStatus {
	switch {
	case r == nil:
		return &SectionStatus{Err: ErrSectionUnavailable}
	case r.Err != nil:
		return &SectionStatus{Err: fmt.Errorf("%w: %v", ErrSectionUnavailable, r.Err)}
	default:
		return nil
	}
}

func mergeSettings(p *prefs.Preferences, in SettingsSection, sel SectionSelection, strategy CollectionStrategy) *SectionStatus {
	status := &SectionStatus{}

	p.Settings = in.Settings
	if in.Shortcuts != nil {
		p.Shortcuts = in.Shortcuts
	}
	if in.WeatherLocation != nil {
		p.WeatherLocation = in.WeatherLocation
	}

	var links []prefs.QuickLink
	for _, l := range in.QuickLinks {
		if sel.Includes(l.ID) {
			links = append(links, l)
		} else {
			status.Skipped++
		}
	}

	if strategy == Replace {
		p.QuickLinks = links
		status.Applied = len(links)
		return status
	}

	existing := make(map[string]bool, len(p.QuickLinks))
	for _, l := range p.QuickLinks {
		existing[l.ID] = true
	}
	for _, l := range links {
		if existing[l.ID] {
			status.Skipped++
			continue
		}
		p.QuickLinks = append(p.QuickLinks, l)
		existing[l.ID] = true
		status.Applied++
	}
	return status
}

func (im *Importer) mergeChats(p *prefs.Preferences, in []prefs.Conversation, sel SectionSelection, strategy ChatStrategy) *SectionStatus {
	status := &SectionStatus{}

	var chosen []prefs.Conversation
	for _, c := range in {
		// Ghost conversations never persist, even from a hand-edited file.
		if c.IsGhostMode || !sel.Includes(c.ID) {
			status.Skipped++
			continue
		}
		chosen = append(chosen, c)
	}

	if strategy == ChatReplace {
		p.Conversations = chosen
		status.Applied = len(chosen)
		return status
	}

	taken := make(map[string]bool, len(p.Conversations)+len(chosen))
	for _, c := range p.Conversations {
		taken[c.ID] = true
	}
	for _, c := range chosen {
		if taken[c.ID] {
			base := c.ID
			for taken[c.ID] {
				c.ID = base + "-imported-" + im.newSuffix()
			}
			status.Renamed++
		}
		taken[c.ID] = true
		p.Conversations = append(p.Conversations, c)
		status.Applied++
	}
	return status
}

func mergeWidgets(tx store.KV, in []prefs.Widget, sel SectionSelection, strategy CollectionStrategy) (*SectionStatus, error) {
	status := &SectionStatus{}

	var chosen []prefs.Widget
	for _, w := range in {
		if !sel.Includes(w.ID) {
			status.Skipped++
			continue
		}
		if err := prefs.ValidateWidget(w); err != nil {
			status.Skipped++
			continue
		}
		chosen = append(chosen, w)
	}

	if strategy == Replace {
		if err := prefs.ReplaceWidgets(tx, chosen); err != nil {
			return nil, err
		}
		status.Applied = len(chosen)
		return status, nil
	}

	current, err := prefs.ListWidgets(tx)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(current))
	for _, w := range current {
		existing[w.ID] = true
	}
	for _, w := range chosen {
		if existing[w.ID] {
			status.Skipped++
			continue
		}
		if err := prefs.PutWidget(tx, w); err != nil {
			return nil, err
		}
		existing[w.ID] = true
		status.Applied++
	}
	return status, nil
}

func (im *Importer) mergeAPIKeys(current, in apikeys.APIKeys, sel SectionSelection) *SectionStatus {
	status := &SectionStatus{}

	merged := make(apikeys.APIKeys, len(current)+len(in))
	for k, v := range current {
		merged[k] = v
	}
	for provider, value := range in {
		p := apikeys.NormalizeProvider(provider)
		if p == "" || value == "" || !sel.Includes(provider) {
			status.Skipped++
			continue
		}
		merged[p] = value
		status.Applied++
	}
	if status.Applied == 0 {
		return status
	}
	if err := im.keys.SaveAPIKeys(merged); err != nil {
		status.Err = err
		status.Applied = 0
	}
	return status
}
