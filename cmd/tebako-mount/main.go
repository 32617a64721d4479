// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// tebako-mount serves an image file, or a packaged executable's
// embedded image, at a mount point until it is unmounted or
// interrupted.
//
// Usage:
//
//	tebako-mount [flags] IMAGE MOUNTPOINT
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tamatebako/tebako/lib/config"
	"github.com/tamatebako/tebako/lib/launch"
	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/options"
	"github.com/tamatebako/tebako/lib/payload"
	"github.com/tamatebako/tebako/lib/process"
	"github.com/tamatebako/tebako/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	var (
		optionSpecs  []string
		debug        bool
		singleThread bool
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("tebako-mount", pflag.ContinueOnError)
	flagSet.StringArrayVarP(&optionSpecs, "options", "o", nil, "mount options key[=value],... (repeatable)")
	flagSet.BoolVarP(&debug, "debug", "d", false, "shorthand for -o debuglevel=debug")
	flagSet.BoolVarP(&singleThread, "single-thread", "s", false, "shorthand for -o singlethread")
	flagSet.BoolP("foreground", "f", true, "run in the foreground (always on)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		version.Print("tebako-mount")
		return nil
	}

	positional := flagSet.Args()
	if len(positional) != 2 {
		printHelp(flagSet)
		return fmt.Errorf("expected IMAGE and MOUNTPOINT, got %d arguments", len(positional))
	}
	imagePath, mountpoint := positional[0], positional[1]

	if debug {
		optionSpecs = append(optionSpecs, "debuglevel=debug")
	}
	if singleThread {
		optionSpecs = append(optionSpecs, "singlethread")
	}
	optionString := config.JoinOptions(optionSpecs...)

	// Validate before touching the image so bad options fail fast.
	mountOptions, err := options.Parse(optionString)
	if err != nil {
		return err
	}
	logger := logging.New(mountOptions.DebugLevel, os.Stderr)
	logger.Debug("mount options", "options", mountOptions.String())

	mapping, err := payload.Map(imagePath)
	if err != nil {
		return err
	}
	defer mapping.Close()
	data, err := mapping.Image()
	if err != nil {
		return err
	}

	mounted, err := launch.Mount(data, launch.Request{
		Mountpoint: mountpoint,
		Options:    optionString,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := mounted.Wait(context.Background()); err != nil {
		mounted.Unmount()
		return err
	}
	return mounted.Unmount()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tebako-mount - serve a tebako image as a read-only FUSE file system

IMAGE is an image file or a packaged executable carrying one. The
mount stays in the foreground until it is unmounted (fusermount -u
MOUNTPOINT) or the process receives SIGINT, SIGTERM or SIGHUP.

Usage:
  tebako-mount [flags] IMAGE MOUNTPOINT

Flags:
%s
%s`, flagSet.FlagUsages(), options.Usage())
}
