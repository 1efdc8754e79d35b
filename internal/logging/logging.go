// Package logging provides the levelled console logger used by the horizen
// CLI and handed to library packages for their best-effort warnings.
//
// Verbosity is controlled by two flags:
//
//   - --verbose: info messages
//   - --debug: info and debug messages
//
// Warnings and errors are always printed. Colors follow fatih/color, which
// disables itself for NO_COLOR and non-terminal output.
//
//	log := logging.Logger{Verbose: verbose, Debug: debug}
//	log.Infof("exported %d sections", n)
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Logger writes prefixed, colored lines. The zero value prints warnings and
// errors to stderr.
type Logger struct {
	Verbose bool
	Debug   bool
	Out     io.Writer // os.Stdout when nil
	Err     io.Writer // os.Stderr when nil
}

func (l Logger) stdout() io.Writer {
	if l.Out != nil {
		return l.Out
	}
	return os.Stdout
}

func (l Logger) stderr() io.Writer {
	if l.Err != nil {
		return l.Err
	}
	return os.Stderr
}

func (l Logger) Infof(msg string, args ...any) {
	if l.Verbose || l.Debug {
		fmt.Fprintf(l.stdout(), color.GreenString("[info] ")+msg+"\n", args...)
	}
}

func (l Logger) Debugf(msg string, args ...any) {
	if l.Debug {
		fmt.Fprintf(l.stdout(), color.CyanString("[debug] ")+msg+"\n", args...)
	}
}

func (l Logger) Warnf(msg string, args ...any) {
	fmt.Fprintf(l.stderr(), color.YellowString("[warn] ")+msg+"\n", args...)
}

func (l Logger) Errorf(msg string, args ...any) {
	fmt.Fprintf(l.stderr(), color.RedString("[error] ")+msg+"\n", args...)
}
