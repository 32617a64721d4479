// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitError carries a process exit status. A nil Err means the status
// is already reported (for example, a child process's own exit code)
// and nothing more should be printed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode implements the interface main() checks before falling back
// to status 1.
func (e *ExitError) ExitCode() int { return e.Code }

// WithCode wraps err with an explicit exit status.
func WithCode(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// fatal writes "error: err" to stderr and exits with code 1. The
// structured logger may not be initialized when run() fails.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit terminates the process according to err: nil exits 0, an
// *ExitError exits with its code (printing its cause, if any), and
// anything else prints "error: err" and exits 1.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}
	fatal(err)
}
