// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package image implements the read-only compressed filesystem image
// that tebako embeds in a packaged executable, and the engine that
// serves lookups and reads from it.
//
// An image is a single byte range:
//
//	superblock (64 bytes)
//	data blocks (compressed independently)
//	block index (56 bytes per block)
//	metadata (compressed CBOR inode table)
//
// File contents are concatenated into a stream and cut into fixed-size
// blocks, each compressed with zstd, lz4 or stored raw when
// incompressible. Every index entry carries a BLAKE3 keyed hash of the
// stored block bytes, verified when a block first enters the cache.
// Identical files are stored once.
//
// [Open] parses an image held in a [memregion.Region] and returns an
// [*Image]. Blocks are decompressed on demand into an LRU cache bounded
// by [Options.CacheSize]. Zstd blocks are decoded incrementally: a read
// near the start of a large block does not pay for the whole block,
// until the decoded fraction reaches [Options.DecompressRatio] and the
// remainder is finished in one pass.
//
// [Builder] produces images, from explicit entries or by walking a
// directory with [Builder.AddTree].
//
// The format is private to this repository. Nothing outside the
// repository should parse it directly.
package image
