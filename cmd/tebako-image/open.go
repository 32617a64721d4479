// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io/fs"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/memregion"
	"github.com/tamatebako/tebako/lib/options"
	"github.com/tamatebako/tebako/lib/payload"
)

// openImage maps path and opens the image in it. offset is a mount
// "offset=" value: a byte count or "auto". The returned close function
// releases the image and the mapping.
func openImage(path, offset string) (*image.Image, func(), error) {
	mountOptions, err := options.Parse("offset=" + offset)
	if err != nil {
		return nil, nil, err
	}
	mapping, err := payload.Map(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := mapping.Image()
	if err != nil {
		mapping.Close()
		return nil, nil, err
	}
	region, err := memregion.New(data)
	if err != nil {
		mapping.Close()
		return nil, nil, err
	}
	img, err := image.Open(region, mountOptions.ImageOptions(slog.New(slog.DiscardHandler)))
	if err != nil {
		mapping.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return img, func() {
		img.Close()
		mapping.Close()
	}, nil
}

// fileMode converts a stat mode to an fs.FileMode for display.
func fileMode(mode uint32) fs.FileMode {
	result := fs.FileMode(mode & 0o777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		result |= fs.ModeDir
	case unix.S_IFLNK:
		result |= fs.ModeSymlink
	}
	if mode&unix.S_ISUID != 0 {
		result |= fs.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		result |= fs.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		result |= fs.ModeSticky
	}
	return result
}
