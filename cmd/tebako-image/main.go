// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// tebako-image builds and examines tebako images.
//
// Usage:
//
//	tebako-image build [flags] DIR OUTPUT
//	tebako-image ls [flags] IMAGE [PATH]
//	tebako-image cat [flags] IMAGE PATH
//	tebako-image inspect [flags] IMAGE
//	tebako-image append RUNTIME IMAGE OUTPUT
//
// IMAGE may be a bare image or a packaged executable.
package main

import (
	"io"
	"os"

	"github.com/tamatebako/tebako/lib/process"
	"github.com/tamatebako/tebako/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "--version" {
		version.Print("tebako-image")
		return nil
	}
	return rootCommand(stdout).Execute(args)
}

func rootCommand(stdout io.Writer) *command {
	return &command{
		Name:    "tebako-image",
		Summary: "Build and examine tebako images",
		Subcommands: []*command{
			buildCommand(stdout),
			lsCommand(stdout),
			catCommand(stdout),
			inspectCommand(stdout),
			appendCommand(stdout),
		},
	}
}
