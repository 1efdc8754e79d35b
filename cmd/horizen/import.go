package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/internal/cli"
	"github.com/forest6511/horizen/internal/tui"
	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/crypto"
)

var (
	importInteractive bool
	importSelection   cli.SelectionFlags
	importChatMode    string
	importLinkMode    string
	importWidgetMode  string
	importDryRun      bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	f := importCmd.Flags()
	f.BoolVarP(&importInteractive, "interactive", "i", false, "Choose sections and items in a terminal UI")
	f.StringSliceVarP(&importSelection.Sections, "sections", "s", nil, "Sections to import (default: every readable section)")
	f.StringSliceVar(&importSelection.QuickLinks, "quick-links", nil, "Quick link ids or glob patterns to import")
	f.StringSliceVar(&importSelection.APIKeys, "providers", nil, "API key providers or glob patterns to import")
	f.StringSliceVar(&importSelection.Chats, "chats", nil, "Conversation ids or glob patterns to import")
	f.StringSliceVar(&importSelection.Widgets, "widgets", nil, "Widget ids or glob patterns to import")
	f.StringVar(&importChatMode, "chat-strategy", "", "append (default) or replace")
	f.StringVar(&importLinkMode, "quick-link-strategy", "", "merge (default) or replace")
	f.StringVar(&importWidgetMode, "widget-strategy", "", "merge (default) or replace")
	f.BoolVar(&importDryRun, "dry-run", false, "Show what the file contains without importing")

	_ = importCmd.RegisterFlagCompletionFunc("sections", fixed(sectionNames...))
	_ = importCmd.RegisterFlagCompletionFunc("chat-strategy", fixed("append", "replace"))
	_ = importCmd.RegisterFlagCompletionFunc("quick-link-strategy", fixed("merge", "replace"))
	_ = importCmd.RegisterFlagCompletionFunc("widget-strategy", fixed("merge", "replace"))
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an export file",
	Long: `Import a horizen export file.

The file is validated and its integrity hash checked before anything is
decrypted. Sections that cannot be decrypted are reported and skipped.
Preferences and widgets are snapshotted before they change; see
"horizen backups".

Merge strategies:
  chats        append keeps existing conversations and renames colliding ids,
               replace substitutes them
  quick links  merge keeps existing links and adds new ids, replace substitutes
  widgets      merge keeps existing widgets and adds new ids, replace substitutes

Examples:
  horizen import horizen-backup-2025-01-02T10-00-00.json
  horizen import backup.json --sections settings,chats --chats "work-*"
  horizen import backup.json --interactive`,
	Args: cobra.ExactArgs(1),
	RunE: executeImport,
}

func executeImport(cmd *cobra.Command, args []string) error {
	st, err := cli.ParseStrategies(importChatMode, importLinkMode, importWidgetMode)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	res, err := parseImport(data)
	if err != nil {
		v.LogEvent(audit.OpImport, audit.ResultError, "", err)
		return err
	}

	w := cmd.OutOrStdout()
	printImportSummary(w, res)
	if importDryRun {
		return nil
	}

	var sel *backup.SelectionTree
	if importInteractive {
		sel, st, err = tui.Pick(res, st)
		if errors.Is(err, tui.ErrCancelled) {
			fmt.Fprintln(w, "Import cancelled")
			return nil
		}
	} else {
		sel, err = importSelection.Selection(res)
	}
	if err != nil {
		return err
	}

	if sel.APIKeys.Selected && res.APIKeys.OK() {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()
	}

	im := backup.NewImporter(v.Store(), v.APIKeys(), backup.WithRetention(cfg.SnapshotRetention))
	out, err := im.Apply(res, sel, st)
	if err != nil {
		v.LogEvent(audit.OpImport, audit.ResultError, "", err)
		return err
	}
	v.LogEvent(audit.OpImport, audit.ResultSuccess, "", nil)

	printApplyResult(w, out)
	return nil
}

// parseImport runs the import pipeline, prompting for the password only when
// the file has encrypted sections.
func parseImport(data []byte) (*backup.ImportResult, error) {
	res, err := backup.ParseImportFile(data, nil)
	if !errors.Is(err, backup.ErrPasswordRequired) {
		return res, err
	}

	password, err := readPassword("Export password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(password)

	stop := startSpinner("Decrypting sections...")
	defer stop()
	return backup.ParseImportFile(data, password)
}

func printImportSummary(w io.Writer, res *backup.ImportResult) {
	format := "v2"
	if res.Legacy {
		format = "v1"
	}
	fmt.Fprintf(w, "Export version %s (%s)", res.Version, format)
	if !res.ExportedAt.IsZero() {
		fmt.Fprintf(w, ", created %s", res.ExportedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w)

	for _, name := range res.Available() {
		fmt.Fprintf(w, "  ✓ %s\n", name)
	}
	failed := res.Failed()
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  ✗ %s: %v\n", name, failed[backup.SectionName(name)])
	}
}

func printApplyResult(w io.Writer, out *backup.ApplyResult) {
	fmt.Fprintf(w, "Snapshot %s saved before import\n", out.SnapshotID)
	report := []struct {
		name   backup.SectionName
		status *backup.SectionStatus
	}{
		{backup.SectionSettings, out.Settings},
		{backup.SectionAPIKeys, out.APIKeys},
		{backup.SectionChats, out.Chats},
		{backup.SectionWidgets, out.Widgets},
	}
	for _, r := range report {
		if r.status == nil {
			continue
		}
		if r.status.Err != nil {
			fmt.Fprintf(w, "  ✗ %s: %v\n", r.name, r.status.Err)
			continue
		}
		fmt.Fprintf(w, "  ✓ %s: %d imported", r.name, r.status.Applied)
		if r.status.Renamed > 0 {
			fmt.Fprintf(w, ", %d renamed", r.status.Renamed)
		}
		if r.status.Skipped > 0 {
			fmt.Fprintf(w, ", %d skipped", r.status.Skipped)
		}
		fmt.Fprintln(w)
	}
}
