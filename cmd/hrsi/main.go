// Command hrsi searches the HR-S&I catalogue and downloads the products it
// lists.
//
// Usage:
//
//	hrsi query <output_dir> [filter flags | --query-url URL]
//	hrsi query-and-download <output_dir> --credentials FILE [filter flags | --query-url URL]
//	hrsi download <output_dir> --credentials FILE --result-file FILE
//
// Exit codes: 0 on success, 2 on usage or validation errors (nothing is
// sent to the network), 1 on any other failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/query"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	// Replaced by the configured logger once the command has loaded its config.
	opts := &rootOptions{logger: logging.New(logging.Config{Level: logging.LevelInfo, Output: stderr})}

	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		opts.logger.Error().Err(err).Int("exit_code", code).Msg("Command failed")
	}
	return code
}

// usageError marks a command line problem detected before any network
// activity.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var uerr *usageError
	var verr *query.ValidationError
	switch {
	case errors.As(err, &uerr),
		errors.As(err, &verr),
		errors.Is(err, query.ErrEmptyFilter),
		errors.Is(err, query.ErrInvalidQueryURL):
		return exitUsage
	default:
		return exitError
	}
}
