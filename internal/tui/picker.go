// Package tui holds the interactive import picker: a checklist of the
// sections and items in an import file, plus the merge strategies, from
// which a backup.SelectionTree is built.
package tui

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/forest6511/horizen/pkg/backup"
)

// ErrCancelled is returned by Pick when the user quits without confirming.
var ErrCancelled = errors.New("tui: import cancelled")

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("57")).Foreground(lipgloss.Color("0"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// row is one line of the checklist. Item rows have a non-empty id.
type row struct {
	section  backup.SectionName
	id       string
	label    string
	checked  bool
	disabled bool
	reason   string
}

// Model is the bubbletea model of the picker.
type Model struct {
	rows       []row
	cursor     int
	strategies backup.Strategies
	done       bool
	cancelled  bool
}

// NewModel lists every section of res. Sections that are absent are left
// out; sections that failed to decrypt are shown but cannot be selected.
func NewModel(res *backup.ImportResult, st backup.Strategies) Model {
	m := Model{strategies: st}

	if res.Settings != nil {
		var items []row
		if res.Settings.OK() {
			for _, l := range res.Settings.Value.QuickLinks {
				items = append(items, row{id: l.ID, label: "quick link: " + l.Title})
			}
		}
		m.addSection(backup.SectionSettings, "Settings", res.Settings.Err, items)
	}
	if res.APIKeys != nil {
		var items []row
		if res.APIKeys.OK() {
			providers := make([]string, 0, len(res.APIKeys.Value))
			for p := range res.APIKeys.Value {
				providers = append(providers, p)
			}
			sort.Strings(providers)
			for _, p := range providers {
				items = append(items, row{id: p, label: p})
			}
		}
		m.addSection(backup.SectionAPIKeys, "API keys", res.APIKeys.Err, items)
	}
	if res.Chats != nil {
		var items []row
		if res.Chats.OK() {
			for _, c := range res.Chats.Value {
				if c.IsGhostMode {
					continue
				}
				items = append(items, row{id: c.ID, label: fmt.Sprintf("%s (%d messages)", c.Title, len(c.Messages))})
			}
		}
		m.addSection(backup.SectionChats, "Conversations", res.Chats.Err, items)
	}
	if res.Widgets != nil {
		var items []row
		if res.Widgets.OK() {
			for _, w := range res.Widgets.Value {
				items = append(items, row{id: w.ID, label: w.Type + ": " + w.ID})
			}
		}
		m.addSection(backup.SectionWidgets, "Widgets", res.Widgets.Err, items)
	}
	return m
}

func (m *Model) addSection(name backup.SectionName, label string, err error, items []row) {
	header := row{section: name, label: label, checked: err == nil}
	if err != nil {
		header.disabled = true
		header.reason = err.Error()
	}
	m.rows = append(m.rows, header)
	for _, it := range items {
		it.section = name
		it.checked = true
		m.rows = append(m.rows, it)
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "q", "esc", "ctrl+c":
		m.cancelled = true
		return m, tea.Quit
	case "enter":
		if m.Selection().Empty() {
			return m, nil
		}
		m.done = true
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case " ", "space", "x":
		m.toggle(m.cursor)
	case "a":
		m.setAll(true)
	case "n":
		m.setAll(false)
	case "c":
		if m.strategies.Chats == backup.ChatAppend {
			m.strategies.Chats = backup.ChatReplace
		} else {
			m.strategies.Chats = backup.ChatAppend
		}
	case "l":
		m.strategies.QuickLinks = flip(m.strategies.QuickLinks)
	case "w":
		m.strategies.Widgets = flip(m.strategies.Widgets)
	}
	return m, nil
}

func flip(s backup.CollectionStrategy) backup.CollectionStrategy {
	if s == backup.Merge {
		return backup.Replace
	}
	return backup.Merge
}

// toggle flips row i. A section header carries its items with it.
func (m *Model) toggle(i int) {
	if i < 0 || i >= len(m.rows) || m.rows[i].disabled {
		return
	}
	r := &m.rows[i]
	r.checked = !r.checked
	if r.id != "" {
		return
	}
	for j := i + 1; j < len(m.rows) && m.rows[j].section == r.section && m.rows[j].id != ""; j++ {
		m.rows[j].checked = r.checked
	}
}

func (m *Model) setAll(on bool) {
	for i := range m.rows {
		if !m.rows[i].disabled {
			m.rows[i].checked = on
		}
	}
}

// Selection builds the selection tree from the current checkboxes. A
// section is selected when its header or any of its items is checked.
func (m Model) Selection() *backup.SelectionTree {
	sel := &backup.SelectionTree{}
	for _, r := range m.rows {
		if r.disabled {
			continue
		}
		s := sectionOf(sel, r.section)
		if r.id == "" {
			s.Selected = s.Selected || r.checked
			continue
		}
		if s.Items == nil {
			s.Items = make(map[string]bool)
		}
		s.Items[r.id] = r.checked
		s.Selected = s.Selected || r.checked
	}
	return sel
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

// Strategies returns the strategies as currently chosen.
func (m Model) Strategies() backup.Strategies { return m.strategies }

// Confirmed reports whether the user accepted the selection.
func (m Model) Confirmed() bool { return m.done && !m.cancelled }

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Import selection") + "\n\n")

	for i, r := range m.rows {
		box := "[ ]"
		if r.checked {
			box = "[x]"
		}
		var line string
		if r.id == "" {
			line = box + " " + sectionStyle.Render(r.label)
		} else {
			line = "    " + box + " " + r.label
		}
		if r.disabled {
			line = disabledStyle.Render("[-] "+r.label) + "  " + errorStyle.Render(r.reason)
		}
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	fmt.Fprintf(&b, "\nchats: %s   quick links: %s   widgets: %s\n",
		m.strategies.Chats, m.strategies.QuickLinks, m.strategies.Widgets)
	b.WriteString(helpStyle.Render("j/k=move  space=toggle  a/n=all/none  c/l/w=strategy  enter=import  q=cancel"))
	return b.String()
}

// Pick runs the picker on the terminal and returns the confirmed selection
// and strategies.
func Pick(res *backup.ImportResult, st backup.Strategies) (*backup.SelectionTree, backup.Strategies, error) {
	final, err := tea.NewProgram(NewModel(res, st)).Run()
	if err != nil {
		return nil, st, fmt.Errorf("tui: %w", err)
	}
	m, ok := final.(Model)
	if !ok || !m.Confirmed() {
		return nil, st, ErrCancelled
	}
	return m.Selection(), m.Strategies(), nil
}
