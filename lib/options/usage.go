// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"fmt"
	"strings"

	"github.com/tamatebako/tebako/lib/logging"
)

// Usage describes every recognised option and its default.
func Usage() string {
	defaults := Defaults()
	var builder strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&builder, format+"\n", args...)
	}
	line("Mount options (-o key[=value],...):")
	line("  -o cachesize=SIZE      block cache size (default %s)", FormatSize(defaults.CacheSize))
	line("  -o debuglevel=NAME     error, warn, info, debug or trace (default %s)", logging.LevelName(defaults.DebugLevel))
	line("  -o workers=NUM         block decoding parallelism per read (default %d)", defaults.Workers)
	line("  -o mlock=NAME          none, try or must (default %s)", defaults.LockMode)
	line("  -o decratio=NUM        fraction of a block decoded before finishing it (default %.1f)", defaults.DecompressRatio)
	line("  -o offset=NUM|auto     image offset in bytes (default %d)", defaults.ImageOffset)
	line("  -o enable_nlink        report real link counts")
	line("  -o readonly            report all files as read-only")
	line("  -o (no_)cache_image    keep stored image pages pinned after decoding (default %s)", onOff(defaults.CacheImage))
	line("  -o (no_)cache_files    let the kernel cache file contents (default %s)", onOff(defaults.CacheFiles))
	line("  -o singlethread        serve requests on a single goroutine")
	line("  -o allow_other         let other users access the mount")
	line("  -o fsname=NAME         filesystem name shown in mount tables (default %s)", defaults.FsName)
	line("Other options are passed to the kernel mount unchanged.")
	return builder.String()
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
