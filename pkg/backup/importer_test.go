package backup

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

func conv(id string) prefs.Conversation {
	return prefs.Conversation{ID: id, Title: "title " + id, Model: "m", Messages: []prefs.Message{}}
}

func importResult() *ImportResult {
	return &ImportResult{
		Version: FormatVersion,
		Settings: &SectionResult[SettingsSection]{Value: SettingsSection{
			Settings: prefs.Settings{Theme: "imported"},
			QuickLinks: []prefs.QuickLink{
				{ID: "gh", Title: "GitHub (imported)", URL: "https://github.com"},
				{ID: "new", Title: "New", URL: "https://example.com"},
			},
		}},
		APIKeys: &SectionResult[apikeys.APIKeys]{Value: apikeys.APIKeys{"openai": "sk-new", "Mistral": "sk-mistral"}},
		Chats: &SectionResult[[]prefs.Conversation]{Value: []prefs.Conversation{
			conv("a"), conv("b"),
		}},
		Widgets: &SectionResult[[]prefs.Widget]{Value: []prefs.Widget{
			{ID: "notes-1", Type: prefs.WidgetNotes, Data: map[string]string{"text": "imported"}},
			{ID: "clock-1", Type: prefs.WidgetClock},
		}},
	}
}

func newTestImporter(t *testing.T) (*fixture, *Importer) {
	t.Helper()
	p := prefs.Default()
	p.Settings.Theme = "local"
	p.QuickLinks = []prefs.QuickLink{{ID: "gh", Title: "GitHub", URL: "https://github.com"}}
	p.Conversations = []prefs.Conversation{conv("a")}
	f := newFixture(t, p)
	if err := f.registry.Put(prefs.Widget{ID: "notes-1", Type: prefs.WidgetNotes, Data: map[string]string{"text": "local"}}); err != nil {
		t.Fatal(err)
	}

	im := NewImporter(f.kv, f.keys)
	im.newSuffix = func() string { return "deadbeef" }
	return f, im
}

func TestApplyDefaultStrategies(t *testing.T) {
	f, im := newTestImporter(t)
	res := importResult()

	out, err := im.Apply(res, NewSelectionTree(res), DefaultStrategies())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.SnapshotID == "" {
		t.Error("no snapshot taken")
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if p.Settings.Theme != "imported" {
		t.Errorf("theme = %q", p.Settings.Theme)
	}

	// Quick links merge: existing wins, new ones fill in.
	if len(p.QuickLinks) != 2 || p.QuickLinks[0].Title != "GitHub" || p.QuickLinks[1].ID != "new" {
		t.Errorf("quick links = %+v", p.QuickLinks)
	}
	if out.Settings.Applied != 1 || out.Settings.Skipped != 1 {
		t.Errorf("settings status = %+v", out.Settings)
	}

	// Chat append re-keys the colliding id.
	var ids []string
	for _, c := range p.Conversations {
		ids = append(ids, c.ID)
	}
	if want := []string{"a", "a-imported-deadbeef", "b"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("conversation ids = %v, want %v", ids, want)
	}
	if out.Chats.Applied != 2 || out.Chats.Renamed != 1 {
		t.Errorf("chats status = %+v", out.Chats)
	}

	widgets, err := f.registry.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(widgets) != 2 {
		t.Fatalf("widgets = %+v", widgets)
	}
	notes, err := f.registry.Get("notes-1")
	if err != nil {
		t.Fatal(err)
	}
	if notes.Data["text"] != "local" {
		t.Errorf("merge overwrote existing widget: %+v", notes)
	}

	if f.keys.keys["openai"] != "sk-new" || f.keys.keys["mistral"] != "sk-mistral" || f.keys.keys["anthropic"] != "sk-ant" {
		t.Errorf("api keys = %v", f.keys.keys)
	}
	if out.APIKeys.Applied != 2 {
		t.Errorf("api key status = %+v", out.APIKeys)
	}
}

func TestApplyReplaceStrategies(t *testing.T) {
	f, im := newTestImporter(t)
	res := importResult()

	st := Strategies{Chats: ChatReplace, QuickLinks: Replace, Widgets: Replace}
	if _, err := im.Apply(res, NewSelectionTree(res), st); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.QuickLinks) != 2 || p.QuickLinks[0].Title != "GitHub (imported)" {
		t.Errorf("quick links = %+v", p.QuickLinks)
	}
	if len(p.Conversations) != 2 || p.Conversations[0].ID != "a" || p.Conversations[1].ID != "b" {
		t.Errorf("conversations = %+v", p.Conversations)
	}
	notes, err := f.registry.Get("notes-1")
	if err != nil {
		t.Fatal(err)
	}
	if notes.Data["text"] != "imported" {
		t.Errorf("notes = %+v", notes)
	}
}

func TestApplyItemSelection(t *testing.T) {
	f, im := newTestImporter(t)
	res := importResult()

	sel := &SelectionTree{
		Chats:   SectionSelection{Selected: true, Items: map[string]bool{"b": true}},
		APIKeys: SectionSelection{Selected: true, Items: map[string]bool{"Mistral": true}},
	}
	out, err := im.Apply(res, sel, DefaultStrategies())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Settings != nil || out.Widgets != nil {
		t.Error("unselected sections reported")
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if p.Settings.Theme != "local" {
		t.Error("settings changed although not selected")
	}
	if len(p.Conversations) != 2 || p.Conversations[1].ID != "b" {
		t.Errorf("conversations = %+v", p.Conversations)
	}
	if out.Chats.Skipped != 1 {
		t.Errorf("chats status = %+v", out.Chats)
	}
	if f.keys.keys["openai"] != "sk-openai" || f.keys.keys["mistral"] != "sk-mistral" {
		t.Errorf("api keys = %v", f.keys.keys)
	}
}

func TestApplyRejectsEmptySelection(t *testing.T) {
	_, im := newTestImporter(t)
	res := importResult()

	tests := []struct {
		name string
		sel  *SelectionTree
	}{
		{"nil", nil},
		{"nothing selected", &SelectionTree{}},
		{"no items", &SelectionTree{Chats: SectionSelection{Selected: true, Items: map[string]bool{"a": false}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := im.Apply(res, tt.sel, DefaultStrategies())
			if !errors.Is(err, security.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	snaps, err := im.Snapshots().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("rejected imports left %d snapshots", len(snaps))
	}
}

func TestApplyRejectsUnknownStrategy(t *testing.T) {
	_, im := newTestImporter(t)
	res := importResult()
	_, err := im.Apply(res, NewSelectionTree(res), Strategies{Chats: "overwrite", QuickLinks: Merge, Widgets: Merge})
	if !errors.Is(err, security.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestApplyUnavailableSection(t *testing.T) {
	f, im := newTestImporter(t)
	res := importResult()
	res.Chats = &SectionResult[[]prefs.Conversation]{Err: &SectionError{Section: SectionChats, Err: security.ErrIncorrectPassword}}

	sel := NewSelectionTree(res)
	sel.Chats.Selected = true
	out, err := im.Apply(res, sel, DefaultStrategies())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !errors.Is(out.Chats.Err, ErrSectionUnavailable) {
		t.Errorf("chats status = %+v", out.Chats)
	}
	if out.Settings.Err != nil {
		t.Errorf("settings failed: %v", out.Settings.Err)
	}
	p, _ := f.prefs.Load()
	if len(p.Conversations) != 1 {
		t.Errorf("conversations = %+v", p.Conversations)
	}
}

func TestApplyLockedKeyStoreWritesNothing(t *testing.T) {
	f, im := newTestImporter(t)
	f.keys.err = security.ErrSessionLocked
	res := importResult()

	_, err := im.Apply(res, NewSelectionTree(res), DefaultStrategies())
	if !errors.Is(err, security.ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	p, _ := f.prefs.Load()
	if p.Settings.Theme != "local" {
		t.Error("preferences changed although the import failed")
	}
}

func TestApplyIgnoresGhostConversations(t *testing.T) {
	f, im := newTestImporter(t)
	ghost := conv("g")
	ghost.IsGhostMode = true
	res := &ImportResult{Chats: &SectionResult[[]prefs.Conversation]{Value: []prefs.Conversation{ghost}}}

	if _, err := im.Apply(res, NewSelectionTree(res), DefaultStrategies()); err != nil {
		t.Fatal(err)
	}
	p, _ := f.prefs.Load()
	for _, c := range p.Conversations {
		if c.ID == "g" {
			t.Error("ghost conversation persisted")
		}
	}
}

func TestSnapshotRetention(t *testing.T) {
	kv := store.NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	snaps := NewSnapshots(kv, DefaultRetention, func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	var taken []string
	for i := 0; i < 7; i++ {
		id, err := snaps.Take()
		if err != nil {
			t.Fatal(err)
		}
		taken = append(taken, id)
	}

	list, err := snaps.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != DefaultRetention {
		t.Fatalf("kept %d snapshots, want %d", len(list), DefaultRetention)
	}
	if list[0].ID != taken[6] || list[4].ID != taken[2] {
		t.Errorf("kept %v, want newest five of %v", list, taken)
	}
	if _, err := snaps.Get(taken[0]); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("oldest snapshot not pruned: %v", err)
	}

	keys, _ := kv.List(store.PrefixBackup)
	for _, k := range keys {
		if !strings.HasPrefix(k, store.PrefixBackup) {
			t.Errorf("unexpected key %s", k)
		}
	}
}

func TestSnapshotSameMillisecond(t *testing.T) {
	kv := store.NewMemory()
	at := time.UnixMilli(1700000000000)
	snaps := NewSnapshots(kv, 3, func() time.Time { return at })

	first, err := snaps.Take()
	if err != nil {
		t.Fatal(err)
	}
	second, err := snaps.Take()
	if err != nil {
		t.Fatal(err)
	}
	if first != "1700000000000" || second != "1700000000001" {
		t.Errorf("ids = %s, %s", first, second)
	}
}

func TestSnapshotRestore(t *testing.T) {
	f, im := newTestImporter(t)
	res := importResult()

	out, err := im.Apply(res, NewSelectionTree(res), Strategies{Chats: ChatReplace, QuickLinks: Replace, Widgets: Replace})
	if err != nil {
		t.Fatal(err)
	}
	if err := im.Snapshots().Restore(out.SnapshotID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	p, _ := f.prefs.Load()
	if p.Settings.Theme != "local" || len(p.Conversations) != 1 || len(p.QuickLinks) != 1 {
		t.Errorf("restored preferences = %+v", p)
	}
	widgets, _ := f.registry.List()
	if len(widgets) != 1 || widgets[0].Data["text"] != "local" {
		t.Errorf("restored widgets = %+v", widgets)
	}

	if err := im.Snapshots().Restore("123"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestImportRetentionOption(t *testing.T) {
	f, _ := newTestImporter(t)
	base := time.UnixMilli(1700000000000)
	n := 0
	im := NewImporter(f.kv, f.keys, WithRetention(2), WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}))
	res := &ImportResult{Chats: &SectionResult[[]prefs.Conversation]{Value: []prefs.Conversation{}}}

	for i := 0; i < 4; i++ {
		if _, err := im.Apply(res, NewSelectionTree(res), DefaultStrategies()); err != nil {
			t.Fatal(err)
		}
	}
	list, err := im.Snapshots().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("kept %d snapshots, want 2", len(list))
	}
	if list[0].ID != fmt.Sprint(base.UnixMilli()+4) {
		t.Errorf("newest = %s", list[0].ID)
	}
}
