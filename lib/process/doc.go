// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers: fatal error
// reporting before the structured logger exists, and carrying an exit
// status from run() back to main().
//
// The packaged runtime must exit with the packaged program's status,
// so run() returns an *ExitError instead of calling os.Exit itself.
// main() hands the error to Exit, which is the single place the
// process terminates.
package process
