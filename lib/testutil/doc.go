// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tebako packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. These are the only place
// in the test suite where real wall-clock timeouts are used.
//
// [RequireFUSE] skips tests that need a real kernel mount when the
// host cannot provide one, and [MountDir] returns a fresh directory to
// mount on. [LockedMemory] reports how much of the process is
// mlocked, for tests of memory pinning.
//
// All helpers call t.Fatalf (or t.Skip) on failure rather than
// returning errors, since test setup failures are not recoverable.
//
// This package has no tebako-internal dependencies.
package testutil
