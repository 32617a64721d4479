// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/tamatebako/tebako/lib/payload"
)

func appendCommand(stdout io.Writer) *command {
	return &command{
		Name:    "append",
		Summary: "Package an image with a runtime binary into an executable",
		Usage:   "RUNTIME IMAGE OUTPUT",
		Run: func(args []string) error {
			if err := exactArgs(args, 3, "tebako-image append RUNTIME IMAGE OUTPUT"); err != nil {
				return err
			}
			return packageExecutable(args[0], args[1], args[2], stdout)
		},
	}
}

func packageExecutable(runtimePath, imagePath, output string, stdout io.Writer) error {
	runtime, err := os.Open(runtimePath)
	if err != nil {
		return err
	}
	defer runtime.Close()
	imageFile, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	written, err := payload.Append(file, runtime, imageFile)
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
