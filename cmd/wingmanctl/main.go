package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/carlosprados/wingman/internal/config"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUnsupported = 2
	exitBusy        = 3
	exitDownload    = 4
	exitSupervisor  = 5
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error { return &exitError{code: code, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return exitFailure
}

func main() {
	config.LoadDotEnvDefault()
	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wingmanctl:", err)
	}
	os.Exit(exitCode(err))
}
