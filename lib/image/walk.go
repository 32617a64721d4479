// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// SkipDir returned from a Walk callback on a directory skips its
// contents.
var SkipDir = errors.New("skip this directory")

// Walk calls fn for every entry, parents before children, children in
// name order. Paths are absolute slash paths; the root is "/".
// Hardlinked files are visited once per name.
func (img *Image) Walk(fn func(p string, entry Entry) error) error {
	return img.walk("/", img.Root(), fn)
}

func (img *Image) walk(p string, entry Entry, fn func(string, Entry) error) error {
	if err := fn(p, entry); err != nil {
		if errors.Is(err, SkipDir) && entry.IsDir() {
			return nil
		}
		return err
	}
	if !entry.IsDir() {
		return nil
	}
	for _, child := range entry.record.Children {
		next, ok := img.Find(uint64(child.Inode))
		if !ok {
			continue
		}
		if err := img.walk(path.Join(p, child.Name), next, fn); err != nil {
			return err
		}
	}
	return nil
}

// Info summarises an image's layout.
type Info struct {
	Offset       int64
	ImageSize    uint64
	BlockSize    uint32
	Blocks       int
	StoredBytes  uint64
	DecodedBytes uint64
	ByCodec      map[Compression]int
	Inodes       int
	FileBytes    uint64
	Created      time.Time
}

// Info reports the image layout for diagnostics.
func (img *Image) Info() Info {
	info := Info{
		Offset:    img.base,
		ImageSize: img.super.ImageSize,
		BlockSize: img.super.BlockSize,
		Blocks:    len(img.blocks),
		ByCodec:   make(map[Compression]int),
		Inodes:    len(img.table.Inodes),
		FileBytes: img.table.TotalSize,
		Created:   time.Unix(img.table.Created, 0),
	}
	for _, entry := range img.blocks {
		info.StoredBytes += uint64(entry.StoredSize)
		info.DecodedBytes += uint64(entry.DecodedSize)
		info.ByCodec[entry.Compression]++
	}
	return info
}

// RawMetadata returns the decompressed CBOR inode table as stored in
// the image.
func (img *Image) RawMetadata() ([]byte, error) {
	stored := img.data[img.super.MetadataOffset:][:img.super.MetadataSize]
	raw, err := decompress(stored, img.super.MetadataCompression, int(img.super.MetadataRawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	return raw, nil
}
