package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/internal/config"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/vault"
)

// EnvCompletion opts in to completion of provider names and snapshot ids,
// which opens the data directory on every tab press.
const EnvCompletion = "HORIZEN_COMPLETION_ENABLED"

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(horizen completion bash)

Zsh:
  $ horizen completion zsh > ~/.zsh/completions/_horizen

Fish:
  $ horizen completion fish > ~/.config/fish/completions/horizen.fish

PowerShell:
  PS> horizen completion powershell >> $PROFILE

Dynamic completion (providers, snapshot ids):
  Set HORIZEN_COMPLETION_ENABLED=1. Providers complete only while password
  protection is disabled, since completion never prompts.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Annotations:           map[string]string{noVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	for _, c := range []*cobra.Command{keysGetCmd, keysSetCmd, keysDeleteCmd} {
		c.ValidArgsFunction = completeProviders
	}
	backupsRestoreCmd.ValidArgsFunction = completeSnapshotIDs
}

var sectionNames = []string{"settings", "apikeys", "chats", "widgets", "all"}

// fixed completes a flag from a static list.
func fixed(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return cobra.FixedCompletions(values, cobra.ShellCompDirectiveNoFileComp)
}

func isDynamicCompletionEnabled() bool {
	return os.Getenv(EnvCompletion) == "1"
}

// withCompletionVault opens the data directory for one completion request.
func withCompletionVault(fn func(v *vault.Vault) []string) []string {
	if !isDynamicCompletionEnabled() {
		return nil
	}
	dir := dataDirFlag
	if dir == "" {
		var err error
		if dir, err = config.DataDir(); err != nil {
			return nil
		}
	}
	cv, err := vault.Open(dir, vault.OpenOptions{})
	if err != nil {
		return nil
	}
	defer cv.Close()
	return fn(cv)
}

func completeProviders(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	providers := withCompletionVault(func(cv *vault.Vault) []string {
		// Never prompt: a protected store has no readable providers here.
		if cv.Security().NeedsUnlock() {
			return nil
		}
		all, err := cv.APIKeys().Providers()
		if err != nil {
			return nil
		}
		return all
	})
	return filterPrefix(providers, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeSnapshotIDs(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ids := withCompletionVault(func(cv *vault.Vault) []string {
		infos, err := backup.NewSnapshots(cv.Store(), 0, nil).List()
		if err != nil {
			return nil
		}
		out := make([]string, 0, len(infos))
		for _, info := range infos {
			out = append(out, info.ID)
		}
		return out
	})
	return filterPrefix(ids, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func filterPrefix(values []string, prefix string) []string {
	var out []string
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	return out
}
