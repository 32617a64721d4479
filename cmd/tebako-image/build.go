// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/options"
)

func buildCommand(stdout io.Writer) *command {
	var (
		blockSize   string
		compression string
		verbose     bool
	)
	return &command{
		Name:    "build",
		Summary: "Pack a directory tree into an image",
		Usage:   "[flags] DIR OUTPUT",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("build", pflag.ContinueOnError)
			flagSet.StringVar(&blockSize, "block-size", "1M", "uncompressed size of each data block")
			flagSet.StringVar(&compression, "compression", "zstd", "block compression: zstd, lz4 or none")
			flagSet.BoolVarP(&verbose, "verbose", "v", false, "log skipped files and progress")
			return flagSet
		},
		Run: func(args []string) error {
			if err := exactArgs(args, 2, "tebako-image build [flags] DIR OUTPUT"); err != nil {
				return err
			}
			size, err := options.ParseSize(blockSize)
			if err != nil {
				return fmt.Errorf("--block-size: %w", err)
			}
			codec, err := image.ParseCompression(compression)
			if err != nil {
				return fmt.Errorf("--compression: %w", err)
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			return buildImage(args[0], args[1], image.BuilderOptions{
				BlockSize:   int(size),
				Compression: codec,
				Created:     time.Now(),
				Logger:      logging.New(level, os.Stderr),
			}, stdout)
		},
	}
}

func buildImage(source, output string, builderOptions image.BuilderOptions, stdout io.Writer) error {
	builder, err := image.NewBuilder(builderOptions)
	if err != nil {
		return err
	}
	if err := builder.AddTree(source); err != nil {
		return fmt.Errorf("adding %s: %w", source, err)
	}

	file, err := os.Create(output)
	if err != nil {
		return err
	}
	written, err := builder.WriteTo(file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(output)
		return fmt.Errorf("writing %s: %w", output, err)
	}
	fmt.Fprintf(stdout, "wrote %s (%s)\n", output, humanize.IBytes(uint64(written)))
	return nil
}
