package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/horizen/internal/config"
	"github.com/forest6511/horizen/internal/logging"
	"github.com/forest6511/horizen/pkg/backup"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/vault"
)

var (
	dataDirFlag string
	verbose     bool
	debug       bool

	dataDir string
	cfg     *config.Config
	log     logging.Logger
	v       *vault.Vault
)

// Password input. Tests replace stdin; a non-terminal reader is read line
// by line.
var (
	stdin  io.Reader = os.Stdin
	reader *bufio.Reader
)

// noVault marks commands that run without opening the store.
const noVault = "no-vault"

var rootCmd = &cobra.Command{
	Use:           "horizen",
	Short:         "horizen manages the protected data of the horizen start page",
	Long:          `Password protection, encrypted API keys and backup export/import for horizen.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE loads the configuration and opens the store for
	// every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		dataDir = dataDirFlag
		if dataDir == "" {
			if dataDir, err = config.DataDir(); err != nil {
				return err
			}
		}
		if cfg, err = config.Load(dataDir); err != nil {
			return err
		}
		log = logging.Logger{
			Verbose: verbose || cfg.Log.Verbose,
			Debug:   debug || cfg.Log.Debug,
		}
		log.Debugf("data directory: %s", dataDir)

		if cmd.Annotations[noVault] != "" {
			return nil
		}
		v, err = vault.Open(dataDir, vault.OpenOptions{
			SessionTimeout: cfg.SessionTimeout(),
			Iterations:     cfg.KDFIterations,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to open data directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if v == nil {
			return nil
		}
		err := v.Close()
		v = nil
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $HORIZEN_HOME or ~/.horizen)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show info messages")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Show debug messages")
}

// execute runs the root command and prints a readable error.
func execute(args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil {
		log.Errorf("%s", describeError(err))
		if v != nil {
			v.Close()
			v = nil
		}
	}
	return err
}

// describeError maps the error taxonomy to user-facing messages.
func describeError(err error) string {
	var formatErr *security.FormatError
	switch {
	case errors.As(err, &formatErr):
		return "the file is not a valid horizen export:\n  - " + strings.Join(formatErr.Problems, "\n  - ")
	case errors.Is(err, security.ErrIncorrectPassword):
		return "incorrect password"
	case errors.Is(err, security.ErrSessionLocked):
		return "the session is locked: unlock with your password first"
	case errors.Is(err, security.ErrIntegrityCheckFailed):
		return "the export file failed its integrity check and may have been modified"
	case errors.Is(err, security.ErrDataCorrupted):
		return "stored data is corrupted: " + err.Error()
	case errors.Is(err, vault.ErrCooldownActive), errors.Is(err, vault.ErrTooManyAttempts):
		return err.Error()
	case errors.Is(err, backup.ErrPasswordRequired):
		return "a password is required: " + err.Error()
	case errors.Is(err, backup.ErrUnsupportedVersion):
		return "this export was made by a newer version of horizen"
	case errors.Is(err, security.ErrNotEnabled):
		return "password protection is not enabled"
	default:
		return err.Error()
	}
}

// readPassword prompts for a password. On a terminal the input is hidden;
// otherwise one line is read.
func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}

	if reader == nil {
		reader = bufio.NewReader(stdin)
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// readNewPassword prompts twice and validates the result.
func readNewPassword(prompt string) ([]byte, error) {
	pw1, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	pw2, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if string(pw1) != string(pw2) {
		return nil, errors.New("passwords do not match")
	}

	result := security.ValidatePassword(string(pw1))
	if !result.Valid {
		return nil, &security.ValidationError{Field: "password", Message: result.Message}
	}
	if !result.IsStrong {
		log.Warnf("%s", result.Message)
	}
	return pw1, nil
}

// ensureUnlocked prompts for the password when protection is enabled and
// the session is locked.
func ensureUnlocked() error {
	if !v.Security().NeedsUnlock() {
		return nil
	}
	if remaining := v.RemainingCooldown(); remaining > 0 {
		return fmt.Errorf("%w: please wait %s", vault.ErrCooldownActive, remaining.Round(time.Second))
	}

	pw, err := readPassword("Enter password: ")
	if err != nil {
		return err
	}
	stop := startSpinner("Unlocking...")
	ok, err := v.Unlock(string(pw))
	stop()
	if err != nil {
		return err
	}
	if !ok {
		return security.ErrIncorrectPassword
	}
	log.Infof("unlocked")
	return nil
}

// startSpinner shows a spinner on stderr while key derivation runs. It is
// skipped in verbose mode and when stderr is not a terminal.
func startSpinner(message string) func() {
	if log.Verbose || log.Debug || !term.IsTerminal(int(os.Stderr.Fd())) {
		log.Infof("%s", message)
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	// Ignore color errors - continue without colored spinner if it fails.
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}
