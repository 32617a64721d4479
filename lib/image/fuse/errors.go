// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"errors"
	"fmt"
)

// SetupError reports a failure before the session started serving.
// Step names what was being done: "create mountpoint" or "mount".
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("fuse session setup: %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ErrSessionUsed is returned by Serve on a session that has already
// been served.
var ErrSessionUsed = errors.New("fuse session already started")

// ErrNotServing is returned by Wait when the session ended before the
// mount completed.
var ErrNotServing = errors.New("fuse session is not serving")
