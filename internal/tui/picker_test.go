package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, keys ...tea.KeyMsg) Model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(k)
		var ok bool
		if m, ok = next.(Model); !ok {
			t.Fatalf("Update returned %T", next)
		}
	}
	return m
}

func sampleResult() *backup.ImportResult {
	return &backup.ImportResult{
		Settings: &backup.SectionResult[backup.SettingsSection]{Value: backup.SettingsSection{
			QuickLinks: []prefs.QuickLink{{ID: "gh", Title: "GitHub"}},
		}},
		APIKeys: &backup.SectionResult[apikeys.APIKeys]{Err: &backup.SectionError{Section: backup.SectionAPIKeys, Err: security.ErrIncorrectPassword}},
		Chats: &backup.SectionResult[[]prefs.Conversation]{Value: []prefs.Conversation{
			{ID: "a", Title: "First", Messages: []prefs.Message{{Role: "user", Content: "hi"}}},
			{ID: "b", Title: "Second"},
		}},
	}
}

func TestNewModelSelectsReadableSections(t *testing.T) {
	m := NewModel(sampleResult(), backup.DefaultStrategies())
	sel := m.Selection()

	if !sel.Settings.Selected || !sel.Settings.Includes("gh") {
		t.Errorf("settings = %+v", sel.Settings)
	}
	if sel.APIKeys.Selected {
		t.Error("undecryptable section selected")
	}
	if !sel.Chats.Includes("a") || !sel.Chats.Includes("b") {
		t.Errorf("chats = %+v", sel.Chats)
	}
	if sel.Widgets.Selected {
		t.Error("absent section selected")
	}

	view := m.View()
	for _, want := range []string{"Settings", "First (1 messages)", "incorrect password"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestToggleItemsAndSections(t *testing.T) {
	m := NewModel(sampleResult(), backup.DefaultStrategies())
	// rows: settings, gh, apiKeys (disabled), chats, a, b
	m = press(t, m, runes("j"), runes("j"), runes("j"), runes("j"), runes("x"))
	sel := m.Selection()
	if sel.Chats.Includes("a") || !sel.Chats.Includes("b") {
		t.Errorf("after item toggle chats = %+v", sel.Chats)
	}

	m = press(t, m, runes("k"), runes("x"))
	if m.Selection().Chats.Selected {
		t.Error("unchecking the section header should clear its items")
	}

	m = press(t, m, runes("k"), runes("x"))
	if m.Selection().APIKeys.Selected {
		t.Error("disabled row toggled")
	}

	m = press(t, m, runes("a"))
	if !m.Selection().Chats.Includes("a") {
		t.Error("select all did not select chats")
	}
	m = press(t, m, runes("n"))
	if !m.Selection().Empty() {
		t.Error("select none left a selection")
	}
}

func TestConfirmAndCancel(t *testing.T) {
	m := NewModel(sampleResult(), backup.DefaultStrategies())
	m = press(t, m, runes("n"), tea.KeyMsg{Type: tea.KeyEnter})
	if m.Confirmed() {
		t.Error("empty selection confirmed")
	}

	m = press(t, m, runes("a"), runes("c"), runes("w"), tea.KeyMsg{Type: tea.KeyEnter})
	if !m.Confirmed() {
		t.Fatal("selection not confirmed")
	}
	st := m.Strategies()
	if st.Chats != backup.ChatReplace || st.Widgets != backup.Replace || st.QuickLinks != backup.Merge {
		t.Errorf("strategies = %+v", st)
	}

	m = NewModel(sampleResult(), backup.DefaultStrategies())
	m = press(t, m, runes("q"))
	if m.Confirmed() {
		t.Error("cancelled picker confirmed")
	}
}
