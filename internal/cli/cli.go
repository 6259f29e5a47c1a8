// Package cli implements produce's command-line surface: flag parsing and
// validation into a driver.Config. Grounded on internal/cli/cli.go's
// flag.NewFlagSet + custom Usage + ExitError pattern.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/produce/internal/driver"
)

// ExitError carries a specific process exit code, mirroring the teacher's
// typed error unwrapped once at the top of main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// stringSlice accumulates repeated occurrences of a flag, the usual way
// to grow a multi-value flag on top of the stdlib flag package.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// LogOptions carries the logging-related flags, kept separate from
// driver.Config since the driver itself is agnostic to how its logger was
// constructed.
type LogOptions struct {
	Debug  bool
	Format string
}

// Parse processes command-line arguments into a driver.Config plus
// LogOptions. It returns (config, logOpts, shouldExit, err): shouldExit is
// true after -h/--help or -v/--version, and never combined with a
// non-nil config.
func Parse(args []string, output io.Writer) (*driver.Config, *LogOptions, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("produce", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
produce - a pattern-directed, concurrent build driver.

Usage:
  produce [options] [TARGET...]

Options:
`)
		flagSet.PrintDefaults()
	}

	var alwaysBuild, debug, dryRun, silent, version bool
	var file, logFormat string
	var jobs int
	var pretend stringSlice

	flagSet.BoolVar(&alwaysBuild, "always-build", false, "Force-rebuild every target reached.")
	flagSet.BoolVar(&alwaysBuild, "B", false, "Shorthand for --always-build.")
	flagSet.BoolVar(&debug, "debug", false, "Enable verbose logging.")
	flagSet.BoolVar(&debug, "d", false, "Shorthand for --debug.")
	flagSet.StringVar(&file, "file", "produce.ini", "Path to the rule file.")
	flagSet.StringVar(&file, "f", "produce.ini", "Shorthand for --file.")
	flagSet.IntVar(&jobs, "jobs", 1, "Recipe parallelism.")
	flagSet.IntVar(&jobs, "j", 1, "Shorthand for --jobs.")
	flagSet.BoolVar(&dryRun, "dry-run", false, "Print recipes; do not execute them.")
	flagSet.BoolVar(&dryRun, "n", false, "Shorthand for --dry-run.")
	flagSet.BoolVar(&silent, "silent", false, "Do not echo recipes.")
	flagSet.BoolVar(&silent, "s", false, "Shorthand for --silent.")
	flagSet.Var(&pretend, "pretend-up-to-date", "Treat PATH as fresh this invocation (repeatable).")
	flagSet.Var(&pretend, "u", "Shorthand for --pretend-up-to-date.")
	flagSet.StringVar(&logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flagSet.BoolVar(&version, "version", false, "Print version information and exit.")
	flagSet.BoolVar(&version, "v", false, "Shorthand for --version.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, nil, true, nil
		}
		return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if version {
		fmt.Fprintln(output, versionString())
		return nil, nil, true, nil
	}

	if jobs < 1 {
		return nil, nil, false, &ExitError{Code: 2, Message: "--jobs must be at least 1"}
	}

	logFormat = strings.ToLower(logFormat)
	if logFormat != "text" && logFormat != "json" {
		return nil, nil, false, &ExitError{Code: 2, Message: "invalid --log-format: must be 'text' or 'json'"}
	}

	cfg := &driver.Config{
		RuleFile:        file,
		Targets:         flagSet.Args(),
		AlwaysBuild:     alwaysBuild,
		Jobs:            jobs,
		DryRun:          dryRun,
		Silent:          silent,
		PretendUpToDate: []string(pretend),
	}
	logOpts := &LogOptions{Debug: debug, Format: logFormat}

	slog.Debug("CLI parser finished successfully.", "config", cfg)
	return cfg, logOpts, false, nil
}

// DebugRequested reports whether -d/--debug was passed, so main can raise
// the bootstrap logger's level before the full config exists.
func DebugRequested(args []string) bool {
	for _, a := range args {
		if a == "-d" || a == "--debug" {
			return true
		}
	}
	return false
}
