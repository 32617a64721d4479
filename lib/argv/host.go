// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package argv

import (
	"fmt"
	"strings"
)

// Host is the interpreter a packaged executable runs. It supplies the
// inline-script flag and the script used by extract mode.
type Host interface {
	// Flag is the option that makes the interpreter run its next
	// argument as a script.
	Flag() string

	// Script returns a program that recursively copies source to
	// destination and exits.
	Script(source, destination string) string
}

// HostByName returns the host for an interpreter name: "ruby" or
// "sh". The empty name selects ruby.
func HostByName(name string) (Host, error) {
	switch name {
	case "", "ruby":
		return RubyHost{}, nil
	case "sh", "shell":
		return ShellHost{}, nil
	default:
		return nil, fmt.Errorf("unknown interpreter %q (want ruby or sh)", name)
	}
}

// RubyHost is the Ruby interpreter.
type RubyHost struct{}

func (RubyHost) Flag() string { return "-e" }

func (RubyHost) Script(source, destination string) string {
	return fmt.Sprintf("puts \"Extracting tebako image to '%s'\"; require 'fileutils'; FileUtils.copy_entry %s, %s",
		strings.NewReplacer(`\`, `\\`, `"`, `\"`, `#`, `\#`).Replace(destination),
		rubyQuote(source), rubyQuote(destination))
}

// rubyQuote returns s as a single-quoted Ruby string literal.
func rubyQuote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// ShellHost is a POSIX shell.
type ShellHost struct{}

func (ShellHost) Flag() string { return "-c" }

func (ShellHost) Script(source, destination string) string {
	return fmt.Sprintf("echo %s && mkdir -p %s && cp -R %s %s",
		shellQuote("Extracting tebako image to '"+destination+"'"),
		shellQuote(destination),
		shellQuote(strings.TrimRight(source, "/")+"/."),
		shellQuote(destination))
}

// shellQuote wraps a string in single quotes for safe use in shell commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
