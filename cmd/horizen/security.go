package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/vault"
)

var (
	securityJSON    bool
	securityTimeout int
)

// securityCmd groups the password protection commands.
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Manage password protection",
	Long: `Manage the password that protects your API keys.

Without a password, API keys are encrypted with a device key stored next to
them. Enabling protection derives the key from your password instead.

Example:
  horizen security status
  horizen security setup
  horizen security change-password`,
}

var securityStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the protection state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := v.Status()
		if err != nil {
			return err
		}
		if securityJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func printStatus(w io.Writer, st *vault.Status) {
	fmt.Fprintf(w, "State:           %s\n", st.State)
	fmt.Fprintf(w, "Key source:      %s\n", st.KeySource)
	fmt.Fprintf(w, "API keys stored: %t\n", st.HasAPIKeys)
	if !st.Enabled {
		if st.LegacyKeyPresent {
			fmt.Fprintln(w, "Device key:      present")
		}
		return
	}
	fmt.Fprintf(w, "Iterations:      %d\n", st.Iterations)
	fmt.Fprintf(w, "Session timeout: %d minutes\n", st.SessionTimeout)
	if st.Unlocked && !st.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "Session expires: %s\n", st.ExpiresAt.Local().Format(time.RFC1123))
	}
	if st.FailedAttempts > 0 {
		fmt.Fprintf(w, "Failed attempts: %d\n", st.FailedAttempts)
	}
	if st.CooldownRemaining != "" {
		fmt.Fprintf(w, "Cooldown:        %s\n", st.CooldownRemaining)
	}
}

var securitySetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Enable password protection",
	Long: `Enable password protection. Stored API keys are re-encrypted under a key
derived from the new password and the device key is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.Security().IsEnabled() {
			return vault.ErrAlreadyEnabled
		}
		pw, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}

		stop := startSpinner("Deriving key...")
		err = v.EnablePasswordProtection(string(pw))
		stop()
		if err != nil {
			return err
		}
		defer v.Lock()

		if securityTimeout > 0 {
			if err := v.Security().SetSessionTimeout(securityTimeout); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password protection enabled")
		return nil
	},
}

var securityDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable password protection",
	Long: `Disable password protection. API keys are re-encrypted with a new device
key. The current password is required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.Security().IsEnabled() {
			return security.ErrNotEnabled
		}
		if err := ensureUnlocked(); err != nil {
			return err
		}
		if err := v.DisablePasswordProtection(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password protection disabled")
		return nil
	},
}

var securityChangePasswordCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Change the password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.Security().IsEnabled() {
			return security.ErrNotEnabled
		}
		oldPw, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		newPw, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}

		stop := startSpinner("Re-encrypting...")
		ok, err := v.ChangePassword(string(oldPw), string(newPw))
		stop()
		if err != nil {
			return err
		}
		if !ok {
			return security.ErrIncorrectPassword
		}
		defer v.Lock()
		fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
		return nil
	},
}

var securityTimeoutCmd = &cobra.Command{
	Use:   "timeout <minutes>",
	Short: "Set the session timeout",
	Long:  `Set how long an unlocked session lasts. 0 keeps the session open until it is locked.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var minutes int
		if _, err := fmt.Sscanf(args[0], "%d", &minutes); err != nil {
			return &security.ValidationError{Field: "minutes", Message: "must be a number"}
		}
		if err := v.Security().SetSessionTimeout(minutes); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session timeout set to %d minutes\n", minutes)
		return nil
	},
}

var securityValidateCmd = &cobra.Command{
	Use:         "validate",
	Short:       "Check a password against the rules",
	Annotations: map[string]string{noVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		result := security.ValidatePassword(string(pw))
		if securityJSON {
			return writeJSON(cmd.OutOrStdout(), result)
		}

		w := cmd.OutOrStdout()
		switch {
		case !result.Valid:
			fmt.Fprintf(w, "✗ %s\n", result.Message)
			return &security.ValidationError{Field: "password", Message: result.Message}
		default:
			fmt.Fprintf(w, "✓ %s\n", result.Message)
		}
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(securityCmd)
	securityCmd.AddCommand(securityStatusCmd, securitySetupCmd, securityDisableCmd,
		securityChangePasswordCmd, securityTimeoutCmd, securityValidateCmd)

	securityStatusCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
	securityValidateCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
	securitySetupCmd.Flags().IntVar(&securityTimeout, "timeout", 0, "Session timeout in minutes")
}
