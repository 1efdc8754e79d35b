package cli

import (
	"fmt"
	"strings"

	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/security"
)

// sectionAliases maps accepted flag spellings to section names.
var sectionAliases = map[string]backup.SectionName{
	"settings": backup.SectionSettings,
	"apikeys":  backup.SectionAPIKeys,
	"api-keys": backup.SectionAPIKeys,
	"keys":     backup.SectionAPIKeys,
	"chats":    backup.SectionChats,
	"widgets":  backup.SectionWidgets,
}

// ParseSections parses a --sections flag value. An empty list or "all"
// selects every section.
func ParseSections(values []string) ([]backup.SectionName, error) {
	if len(values) == 0 {
		return backup.AllSections, nil
	}

	seen := make(map[backup.SectionName]bool)
	for _, raw := range values {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "all" {
			return backup.AllSections, nil
		}
		name, ok := sectionAliases[v]
		if !ok {
			return nil, &security.ValidationError{Field: "sections", Message: fmt.Sprintf("unknown section %q", raw)}
		}
		seen[name] = true
	}

	var names []backup.SectionName
	for _, name := range backup.AllSections {
		if seen[name] {
			names = append(names, name)
		}
	}
	return names, nil
}

// ExportOptions turns section names into export options.
func ExportOptions(names []backup.SectionName) backup.ExportOptions {
	var opts backup.ExportOptions
	for _, name := range names {
		switch name {
		case backup.SectionSettings:
			opts.IncludeSettings = true
		case backup.SectionAPIKeys:
			opts.IncludeAPIKeys = true
		case backup.SectionChats:
			opts.IncludeChats = true
		case backup.SectionWidgets:
			opts.IncludeWidgets = true
		}
	}
	return opts
}

// ParseStrategies builds merge strategies from flag values. Empty values
// keep the defaults.
func ParseStrategies(chats, quickLinks, widgets string) (backup.Strategies, error) {
	st := backup.DefaultStrategies()
	if chats != "" {
		st.Chats = backup.ChatStrategy(strings.ToLower(chats))
	}
	if quickLinks != "" {
		st.QuickLinks = backup.CollectionStrategy(strings.ToLower(quickLinks))
	}
	if widgets != "" {
		st.Widgets = backup.CollectionStrategy(strings.ToLower(widgets))
	}
	if err := st.Validate(); err != nil {
		return backup.Strategies{}, err
	}
	return st, nil
}

// SelectionFlags are the non-interactive import selection flags. Item
// patterns narrow a section to the matching ids and select the section.
type SelectionFlags struct {
	Sections   []string
	QuickLinks []string
	APIKeys    []string
	Chats      []string
	Widgets    []string
}

// Selection builds the selection tree for res. Requested sections that are
// missing from res are an error; sections that failed to decrypt stay
// selected so the import reports them.
func (f SelectionFlags) Selection(res *backup.ImportResult) (*backup.SelectionTree, error) {
	var names []backup.SectionName
	if len(f.Sections) == 0 {
		names = res.Available()
	} else {
		parsed, err := ParseSections(f.Sections)
		if err != nil {
			return nil, err
		}
		names = parsed
	}

	present := presentSections(res)
	sel := &backup.SelectionTree{}
	for _, name := range names {
		if !present[name] {
			if len(f.Sections) == 0 {
				continue
			}
			return nil, fmt.Errorf("section %s is not in the export file", name)
		}
		sectionOf(sel, name).Selected = true
	}

	narrow := []struct {
		name     backup.SectionName
		patterns []string
		ids      []string
	}{
		{backup.SectionSettings, f.QuickLinks, quickLinkIDs(res)},
		{backup.SectionAPIKeys, f.APIKeys, providerIDs(res)},
		{backup.SectionChats, f.Chats, chatIDs(res)},
		{backup.SectionWidgets, f.Widgets, widgetIDs(res)},
	}
	for _, n := range narrow {
		if len(n.patterns) == 0 {
			continue
		}
		if !present[n.name] {
			return nil, fmt.Errorf("section %s is not in the export file", n.name)
		}
		matched, err := MatchAllIDs(n.patterns, n.ids)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.name, err)
		}
		s := sectionOf(sel, n.name)
		s.Selected = true
		s.Items = make(map[string]bool, len(matched))
		for _, id := range matched {
			s.Items[id] = true
		}
	}
	return sel, nil
}

func sectionOf(sel *backup.SelectionTree, name backup.SectionName) *backup.SectionSelection {
	switch name {
	case backup.SectionSettings:
		return &sel.Settings
	case backup.SectionAPIKeys:
		return &sel.APIKeys
	case backup.SectionChats:
		return &sel.Chats
	default:
		return &sel.Widgets
	}
}

func presentSections(res *backup.ImportResult) map[backup.SectionName]bool {
	return map[backup.SectionName]bool{
		backup.SectionSettings: res.Settings != nil,
		backup.SectionAPIKeys:  res.APIKeys != nil,
		backup.SectionChats:    res.Chats != nil,
		backup.SectionWidgets:  res.Widgets != nil,
	}
}

func quickLinkIDs(res *backup.ImportResult) []string {
	if !res.Settings.OK() {
		return nil
	}
	ids := make([]string, 0, len(res.Settings.Value.QuickLinks))
	for _, l := range res.Settings.Value.QuickLinks {
		ids = append(ids, l.ID)
	}
	return ids
}

func providerIDs(res *backup.ImportResult) []string {
	if !res.APIKeys.OK() {
		return nil
	}
	return MapKeys(res.APIKeys.Value)
}

func chatIDs(res *backup.ImportResult) []string {
	if !res.Chats.OK() {
		return nil
	}
	ids := make([]string, 0, len(res.Chats.Value))
	for _, c := range res.Chats.Value {
		ids = append(ids, c.ID)
	}
	return ids
}

func widgetIDs(res *backup.ImportResult) []string {
	if !res.Widgets.OK() {
		return nil
	}
	ids := make([]string, 0, len(res.Widgets.Value))
	for _, w := range res.Widgets.Value {
		ids = append(ids, w.ID)
	}
	return ids
}
