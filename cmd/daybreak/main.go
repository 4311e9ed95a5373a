// Package main provides the daybreak CLI entrypoint.
//
// Usage:
//
//	daybreak [global options] <command> [options]
//
// Exit codes for `run`:
//   - 0: completed
//   - 1: halted with a retryable error
//   - 2: aborted or dropped
//   - 3: halted with an invariant violation
//   - 4: configuration error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/cli/cmd"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := cmd.NewApp(commit, nil)
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitMessage(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitMessage returns the exit code for err and the message to print, if
// any. cli.Exit("", n) carries no message.
func exitMessage(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
