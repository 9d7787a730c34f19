// Package main provides the nuvoisp CLI entrypoint.
//
// Usage:
//
//	nuvoisp [global options] <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: usage, config or image error
//   - 2: capture failed (bootloader not found)
//   - 3: transfer failed (write failed mid-transfer)
//   - 130: cancelled by signal
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set via ldflags at build time.
var version = "dev"

const (
	exitSuccess        = 0
	exitUsage          = 1
	exitCaptureFailed  = 2
	exitTransferFailed = 3
	exitCancelled      = 130
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(exitUsage)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "nuvoisp",
		Usage:          "Update Nuvoton APROM firmware through the ISP UART bootloader",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags:          globalFlags(),
		Commands: []*cli.Command{
			flashCommand(),
			infoCommand(),
			configCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitUsage)
}
