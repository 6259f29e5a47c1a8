// Command produce drives builds from a rule file per spec.md.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/produce/internal/cli"
	"github.com/vk/produce/internal/ctxlog"
	"github.com/vk/produce/internal/driver"
	"github.com/vk/produce/internal/expr"
)

func main() {
	// Use a minimal logger until the full one is configured.
	level := slog.LevelInfo
	if cli.DebugRequested(os.Args[1:]) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and
// error handling.
func run(outW io.Writer, args []string) (err error) {
	cfg, logOpts, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// A rule-file parse or a resolution failure surfaces as a plain
	// error from the driver; anything unexpected (e.g. a nil-pointer
	// bug reachable through a malformed rule file) is still recovered
	// here so the process exits cleanly rather than dumping a stack
	// trace to the user.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("produce panicked: %v", r)
		}
	}()

	logger := cli.NewLogger(logOpts.Debug, logOpts.Format, os.Stderr)
	slog.SetDefault(logger)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	d := driver.New(*cfg, expr.NewHCLEvaluator())
	return d.Run(ctx)
}
