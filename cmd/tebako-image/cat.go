// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/tamatebako/tebako/lib/image"
)

// catBufferSize is the read size per ReadAt call.
const catBufferSize = 256 << 10

func catCommand(stdout io.Writer) *command {
	var offset string
	return &command{
		Name:    "cat",
		Summary: "Write a file from an image to standard output",
		Usage:   "[flags] IMAGE PATH",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cat", pflag.ContinueOnError)
			flagSet.StringVar(&offset, "offset", "0", "image offset in bytes, or auto")
			return flagSet
		},
		Run: func(args []string) error {
			if err := exactArgs(args, 2, "tebako-image cat [flags] IMAGE PATH"); err != nil {
				return err
			}
			img, closeImage, err := openImage(args[0], offset)
			if err != nil {
				return err
			}
			defer closeImage()
			return catFile(img, args[1], stdout)
		},
	}
}

func catFile(img *image.Image, p string, stdout io.Writer) error {
	entry, err := img.Resolve(p)
	if err != nil {
		return err
	}
	if !entry.IsRegular() {
		return fmt.Errorf("%s is not a regular file", p)
	}
	buffer := make([]byte, catBufferSize)
	for offset := int64(0); offset < entry.Size(); {
		n, err := img.ReadAt(entry.Inode(), buffer, offset)
		if err != nil {
			return fmt.Errorf("reading %s at %d: %w", p, offset, err)
		}
		if n == 0 {
			return fmt.Errorf("reading %s at %d: %w", p, offset, io.ErrUnexpectedEOF)
		}
		if _, err := stdout.Write(buffer[:n]); err != nil {
			return err
		}
		offset += int64(n)
	}
	return nil
}
