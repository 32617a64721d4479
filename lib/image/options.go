// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"
	"log/slog"
	"strings"
)

// LockMode selects whether the image is pinned into RAM at open.
type LockMode uint8

const (
	// LockNone leaves residency to the kernel.
	LockNone LockMode = iota

	// LockTry pins the image and logs a warning if mlock fails.
	LockTry

	// LockMust pins the image and fails Open if mlock fails.
	LockMust
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockTry:
		return "try"
	case LockMust:
		return "must"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseLockMode parses the mlock option value.
func ParseLockMode(name string) (LockMode, error) {
	switch strings.ToLower(name) {
	case "none":
		return LockNone, nil
	case "try":
		return LockTry, nil
	case "must":
		return LockMust, nil
	}
	return 0, fmt.Errorf("invalid lock mode %q (want none, try or must)", name)
}

// OffsetAuto asks Open to locate the superblock by scanning for its
// magic instead of trusting a fixed offset.
const OffsetAuto int64 = -1

// Defaults for Options fields left at zero.
const (
	DefaultCacheSize       = 512 << 20
	DefaultWorkers         = 2
	DefaultDecompressRatio = 0.8
)

// Options configures an opened image.
type Options struct {
	// CacheSize bounds the decompressed block cache in bytes. Zero
	// uses DefaultCacheSize.
	CacheSize int64

	// Workers bounds the number of blocks decoded in parallel for a
	// single read. Zero uses DefaultWorkers. SetNumWorkers changes
	// it after open.
	Workers int

	// LockMode controls mlock of the whole image at open.
	LockMode LockMode

	// DecompressRatio is the decoded fraction of a zstd block after
	// which the rest of the block is decoded in one pass. Must be in
	// [0, 1]; zero means "always decode whole blocks".
	DecompressRatio float64

	// ImageOffset is where the superblock starts within the region,
	// or OffsetAuto.
	ImageOffset int64

	// ReleasePages unpins a block's stored pages once the block is
	// fully decoded into the cache. Only meaningful with LockTry or
	// LockMust.
	ReleasePages bool

	// EnableNlink reports real link counts. Otherwise every inode
	// reports nlink 1, which keeps tools like find from optimising
	// on directory link counts.
	EnableNlink bool

	// ReadOnly strips all write permission bits from reported modes.
	ReadOnly bool

	// Logger receives diagnostics. If nil, errors go to stderr.
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
}

func (o *Options) validate() error {
	if !(o.DecompressRatio >= 0 && o.DecompressRatio <= 1) {
		return fmt.Errorf("decompress ratio %v outside [0, 1]", o.DecompressRatio)
	}
	if o.ImageOffset < 0 && o.ImageOffset != OffsetAuto {
		return fmt.Errorf("negative image offset %d", o.ImageOffset)
	}
	return nil
}
