// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides runtime configuration for a packaged
// executable.
//
// Defaults are fixed at build time through -ldflags -X on
// [DefaultMountPoint], [DefaultEntryPoint], [DefaultInterpreter],
// [DefaultHost] and [DefaultMountOptions]. A single optional file,
// named by the TEBAKO_CONFIG environment variable (via [Load]) or
// passed explicitly (via [LoadFile]), overrides them. The file format
// follows its extension: .yaml/.yml is YAML, .json/.jsonc is JSON with
// comments and trailing commas allowed. There is no discovery and no
// search path.
//
// TEBAKO_MOUNT_OPTIONS is appended to the configured mount option
// string, so an operator can tune cache size or workers without
// rebuilding. No other environment variable overrides config values.
//
// Variable expansion is performed on the mount point after loading:
// ${PID}, ${TMPDIR} and ${VAR:-default} patterns are expanded.
package config
