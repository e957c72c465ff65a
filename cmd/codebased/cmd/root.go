// Package cmd provides the CLI commands for codebased.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exitCodeError lets a subcommand request a specific process exit code
// instead of cobra's blanket 1-on-any-error.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codebased",
		Short: "Local interactive code search",
		Long: `codebased indexes a repository's functions, methods, classes and other
declarations and serves hybrid lexical+semantic search over them, entirely
locally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSearchCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code: 0 success, 1 user
// error, 2 runtime/index error, 130 interrupted.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		fmt.Fprintln(os.Stderr, "error:", ec.err)
		return ec.code
	}

	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
