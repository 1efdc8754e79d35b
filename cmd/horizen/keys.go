package main

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/pkg/apikeys"
	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/security"
)

var (
	keysShow bool
	keysCopy bool
	keysJSON bool
)

// keysCmd groups the API key commands.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored API keys",
	Long: `Manage the API keys used by the start page widgets and chat.

Keys are stored encrypted. When password protection is enabled the session
must be unlocked to read or change them.

Example:
  horizen keys list
  horizen keys set openai
  horizen keys get openai --copy`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		keys, err := v.APIKeys().GetAPIKeys()
		if err != nil {
			return err
		}
		providers, err := v.APIKeys().Providers()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(providers) == 0 {
			fmt.Fprintln(w, "No API keys stored")
			return nil
		}
		for _, p := range providers {
			fmt.Fprintf(w, "%-16s %-20s %s\n", p, maskKey(keys[p]), security.RateCredential(keys[p]))
		}
		return nil
	},
}

var keysCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report duplicate and weak API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		keys, err := v.APIKeys().GetAPIKeys()
		if err != nil {
			return err
		}
		report, err := security.AnalyzeCredentials(keys)
		if err != nil {
			return fmt.Errorf("failed to analyze keys: %w", err)
		}
		if keysJSON {
			return writeJSON(cmd.OutOrStdout(), report)
		}

		w := cmd.OutOrStdout()
		if len(report.Duplicates) == 0 && len(report.Weak) == 0 {
			fmt.Fprintf(w, "✓ %d keys checked, no issues found\n", report.Total)
			return nil
		}
		for i, group := range report.Duplicates {
			fmt.Fprintf(w, "%d. %d providers share the same key: %s\n", i+1, group.Count, strings.Join(group.Providers, ", "))
		}
		for _, issue := range report.Weak {
			fmt.Fprintf(w, "✗ %s: %s\n", issue.Provider, issue.Message)
		}
		return nil
	},
}

var keysSetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store or replace the key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		value, err := readPassword("API key: ")
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(value)) == "" {
			return &security.ValidationError{Field: "value", Message: "must not be empty"}
		}
		if err := v.APIKeys().UpdateAPIKey(args[0], string(value)); err != nil {
			v.LogEvent(audit.OpAPIKeyUpdate, audit.ResultError, args[0], err)
			return err
		}
		v.LogEvent(audit.OpAPIKeyUpdate, audit.ResultSuccess, args[0], nil)

		if security.RateCredential(string(value)) == security.CredentialWeak {
			log.Warnf("the key for %s looks unusually short", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored key for %s\n", args[0])
		return nil
	},
}

var keysGetCmd = &cobra.Command{
	Use:   "get <provider>",
	Short: "Show or copy the key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		keys, err := v.APIKeys().GetAPIKeys()
		if err != nil {
			return err
		}
		value, ok := keys[apikeys.NormalizeProvider(args[0])]
		if !ok {
			return fmt.Errorf("no key stored for %s", args[0])
		}
		v.LogEvent(audit.OpAPIKeyRead, audit.ResultSuccess, args[0], nil)

		w := cmd.OutOrStdout()
		switch {
		case keysCopy:
			if err := clipboard.WriteAll(value); err != nil {
				return fmt.Errorf("failed to copy to clipboard: %w", err)
			}
			fmt.Fprintf(w, "Key for %s copied to clipboard\n", args[0])
		case keysShow:
			fmt.Fprintln(w, value)
		default:
			fmt.Fprintln(w, maskKey(value))
		}
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove the key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		if err := v.APIKeys().ClearAPIKey(args[0]); err != nil {
			v.LogEvent(audit.OpAPIKeyDelete, audit.ResultError, args[0], err)
			return err
		}
		v.LogEvent(audit.OpAPIKeyDelete, audit.ResultSuccess, args[0], nil)
		fmt.Fprintf(cmd.OutOrStdout(), "Removed key for %s\n", args[0])
		return nil
	},
}

var keysMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Encrypt API keys left in plaintext by older versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		migrated, err := v.APIKeys().MigrateFromPlaintext()
		if err != nil {
			v.LogEvent(audit.OpAPIKeyMigrate, audit.ResultError, "", err)
			return err
		}
		if !migrated {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to migrate")
			return nil
		}
		v.LogEvent(audit.OpAPIKeyMigrate, audit.ResultSuccess, "", nil)
		fmt.Fprintln(cmd.OutOrStdout(), "Plaintext API keys encrypted")
		return nil
	},
}

// maskKey keeps the last four characters of keys long enough to hide the rest.
func maskKey(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", 8) + value[len(value)-4:]
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd, keysCheckCmd, keysSetCmd, keysGetCmd, keysDeleteCmd, keysMigrateCmd)

	keysGetCmd.Flags().BoolVar(&keysShow, "show", false, "Print the full key")
	keysGetCmd.Flags().BoolVarP(&keysCopy, "copy", "c", false, "Copy the key to the clipboard")
	keysCheckCmd.Flags().BoolVar(&keysJSON, "json", false, "Output in JSON format")
}
