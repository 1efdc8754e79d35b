package cli

import (
	"errors"
	"testing"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
)

func TestParseSections(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []backup.SectionName
		wantErr bool
	}{
		{name: "empty selects all", values: nil, want: backup.AllSections},
		{name: "all keyword", values: []string{"chats", "all"}, want: backup.AllSections},
		{name: "canonical order", values: []string{"widgets", "settings"}, want: []backup.SectionName{backup.SectionSettings, backup.SectionWidgets}},
		{name: "aliases", values: []string{"API-Keys", " chats "}, want: []backup.SectionName{backup.SectionAPIKeys, backup.SectionChats}},
		{name: "duplicates collapse", values: []string{"keys", "apikeys"}, want: []backup.SectionName{backup.SectionAPIKeys}},
		{name: "unknown", values: []string{"bookmarks"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSections(tc.values)
			if tc.wantErr {
				if !errors.Is(err, security.ErrValidation) {
					t.Fatalf("ParseSections() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSections() error = %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("ParseSections() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("position %d: got %s, want %s", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestExportOptions(t *testing.T) {
	opts := ExportOptions([]backup.SectionName{backup.SectionSettings, backup.SectionChats})
	if !opts.IncludeSettings || !opts.IncludeChats {
		t.Errorf("expected settings and chats, got %+v", opts)
	}
	if opts.IncludeAPIKeys || opts.IncludeWidgets {
		t.Errorf("unexpected sections in %+v", opts)
	}
}

func TestParseStrategies(t *testing.T) {
	st, err := ParseStrategies("", "", "")
	if err != nil {
		t.Fatalf("ParseStrategies() error = %v", err)
	}
	if st != backup.DefaultStrategies() {
		t.Errorf("empty flags = %+v, want defaults", st)
	}

	st, err = ParseStrategies("Replace", "replace", "merge")
	if err != nil {
		t.Fatalf("ParseStrategies() error = %v", err)
	}
	want := backup.Strategies{Chats: backup.ChatReplace, QuickLinks: backup.Replace, Widgets: backup.Merge}
	if st != want {
		t.Errorf("ParseStrategies() = %+v, want %+v", st, want)
	}

	if _, err := ParseStrategies("merge", "", ""); !errors.Is(err, security.ErrValidation) {
		t.Errorf("chat strategy merge: error = %v, want ErrValidation", err)
	}
	if _, err := ParseStrategies("", "", "append"); !errors.Is(err, security.ErrValidation) {
		t.Errorf("widget strategy append: error = %v, want ErrValidation", err)
	}
}

func sampleResult() *backup.ImportResult {
	return &backup.ImportResult{
		Version: "2.0",
		Settings: &backup.SectionResult[backup.SettingsSection]{Value: backup.SettingsSection{
			QuickLinks: []prefs.QuickLink{
				{ID: "gh", Title: "GitHub", URL: "https://github.com"},
				{ID: "mail", Title: "Mail", URL: "https://mail.example.com"},
			},
		}},
		APIKeys: &backup.SectionResult[apikeys.APIKeys]{Err: security.ErrIncorrectPassword},
		Chats: &backup.SectionResult[[]prefs.Conversation]{Value: []prefs.Conversation{
			{ID: "work-standup", Title: "Standup"},
			{ID: "work-review", Title: "Review"},
			{ID: "recipes", Title: "Recipes"},
		}},
	}
}

func TestSelectionDefaultsToAvailable(t *testing.T) {
	sel, err := SelectionFlags{}.Selection(sampleResult())
	if err != nil {
		t.Fatalf("Selection() error = %v", err)
	}
	if !sel.Settings.Selected || !sel.Chats.Selected {
		t.Errorf("readable sections should be selected: %+v", sel)
	}
	if sel.APIKeys.Selected {
		t.Error("failed section should not be selected by default")
	}
	if sel.Widgets.Selected {
		t.Error("missing section should not be selected")
	}
	if sel.Chats.Items != nil {
		t.Errorf("no patterns should select every item, got %v", sel.Chats.Items)
	}
}

func TestSelectionNarrowsItems(t *testing.T) {
	flags := SelectionFlags{
		Sections: []string{"chats"},
		Chats:    []string{"work-*"},
	}
	sel, err := flags.Selection(sampleResult())
	if err != nil {
		t.Fatalf("Selection() error = %v", err)
	}
	if sel.Settings.Selected {
		t.Error("settings were not requested")
	}
	if !sel.Chats.Includes("work-standup") || !sel.Chats.Includes("work-review") {
		t.Errorf("work chats should be included: %v", sel.Chats.Items)
	}
	if sel.Chats.Includes("recipes") {
		t.Error("recipes should be excluded")
	}

	flags = SelectionFlags{Sections: []string{"settings"}, QuickLinks: []string{"gh"}}
	sel, err = flags.Selection(sampleResult())
	if err != nil {
		t.Fatalf("Selection() error = %v", err)
	}
	if !sel.Settings.Includes("gh") || sel.Settings.Includes("mail") {
		t.Errorf("quick link selection = %v", sel.Settings.Items)
	}
}

func TestSelectionErrors(t *testing.T) {
	tests := []struct {
		name  string
		flags SelectionFlags
	}{
		{name: "missing section requested", flags: SelectionFlags{Sections: []string{"widgets"}}},
		{name: "pattern for missing section", flags: SelectionFlags{Widgets: []string{"*"}}},
		{name: "pattern matches nothing", flags: SelectionFlags{Chats: []string{"home-*"}}},
		{name: "unknown section", flags: SelectionFlags{Sections: []string{"bookmarks"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.flags.Selection(sampleResult()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSelectionKeepsRequestedFailedSection(t *testing.T) {
	sel, err := SelectionFlags{Sections: []string{"apikeys"}}.Selection(sampleResult())
	if err != nil {
		t.Fatalf("Selection() error = %v", err)
	}
	if !sel.APIKeys.Selected {
		t.Error("an explicitly requested section should stay selected so the import reports it")
	}
}
