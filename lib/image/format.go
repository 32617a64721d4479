// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic opens every image. Offset auto-detection scans for it.
var Magic = [6]byte{'T', 'B', 'K', 'I', 'M', 'G'}

// FormatVersion is the only layout version Open accepts.
const FormatVersion uint16 = 1

const (
	superblockSize = 64
	indexEntrySize = 56

	// DefaultBlockSize is the uncompressed block size used by the
	// Builder when none is configured.
	DefaultBlockSize = 1 << 20

	minBlockSize = 4 << 10
	maxBlockSize = 64 << 20
)

// ErrFormat wraps every structural problem found while parsing an
// image.
var ErrFormat = errors.New("image: invalid format")

// superblock is the fixed header at the start of an image. All offsets
// are relative to the superblock's own position.
//
//	[0:6]   magic
//	[6:8]   format version
//	[8:12]  block size
//	[12:16] block count
//	[16:24] index offset
//	[24:32] metadata offset
//	[32:40] metadata stored size
//	[40:48] metadata decoded size
//	[48]    metadata compression
//	[49:56] reserved
//	[56:64] total image size
type superblock struct {
	BlockSize           uint32
	BlockCount          uint32
	IndexOffset         uint64
	MetadataOffset      uint64
	MetadataSize        uint64
	MetadataRawSize     uint64
	MetadataCompression Compression
	ImageSize           uint64
}

func (s *superblock) marshal() []byte {
	buffer := make([]byte, superblockSize)
	copy(buffer[0:6], Magic[:])
	binary.LittleEndian.PutUint16(buffer[6:8], FormatVersion)
	binary.LittleEndian.PutUint32(buffer[8:12], s.BlockSize)
	binary.LittleEndian.PutUint32(buffer[12:16], s.BlockCount)
	binary.LittleEndian.PutUint64(buffer[16:24], s.IndexOffset)
	binary.LittleEndian.PutUint64(buffer[24:32], s.MetadataOffset)
	binary.LittleEndian.PutUint64(buffer[32:40], s.MetadataSize)
	binary.LittleEndian.PutUint64(buffer[40:48], s.MetadataRawSize)
	buffer[48] = byte(s.MetadataCompression)
	binary.LittleEndian.PutUint64(buffer[56:64], s.ImageSize)
	return buffer
}

func parseSuperblock(data []byte) (*superblock, error) {
	if len(data) < superblockSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the superblock", ErrFormat, len(data))
	}
	if !bytes.Equal(data[0:6], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, data[0:6])
	}
	if version := binary.LittleEndian.Uint16(data[6:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, version)
	}
	s := &superblock{
		BlockSize:           binary.LittleEndian.Uint32(data[8:12]),
		BlockCount:          binary.LittleEndian.Uint32(data[12:16]),
		IndexOffset:         binary.LittleEndian.Uint64(data[16:24]),
		MetadataOffset:      binary.LittleEndian.Uint64(data[24:32]),
		MetadataSize:        binary.LittleEndian.Uint64(data[32:40]),
		MetadataRawSize:     binary.LittleEndian.Uint64(data[40:48]),
		MetadataCompression: Compression(data[48]),
		ImageSize:           binary.LittleEndian.Uint64(data[56:64]),
	}
	return s, s.check(uint64(len(data)))
}

// check validates the superblock against the bytes available after it.
func (s *superblock) check(available uint64) error {
	if s.BlockSize < minBlockSize || s.BlockSize > maxBlockSize {
		return fmt.Errorf("%w: block size %d out of range", ErrFormat, s.BlockSize)
	}
	if s.ImageSize > available {
		return fmt.Errorf("%w: image size %d exceeds %d available bytes", ErrFormat, s.ImageSize, available)
	}
	indexEnd := s.IndexOffset + uint64(s.BlockCount)*indexEntrySize
	if s.IndexOffset < superblockSize || indexEnd > s.ImageSize || indexEnd < s.IndexOffset {
		return fmt.Errorf("%w: block index [%d, %d) outside image", ErrFormat, s.IndexOffset, indexEnd)
	}
	metadataEnd := s.MetadataOffset + s.MetadataSize
	if s.MetadataOffset < superblockSize || metadataEnd > s.ImageSize || metadataEnd < s.MetadataOffset {
		return fmt.Errorf("%w: metadata [%d, %d) outside image", ErrFormat, s.MetadataOffset, metadataEnd)
	}
	if !s.MetadataCompression.valid() {
		return fmt.Errorf("%w: metadata compression %s", ErrFormat, s.MetadataCompression)
	}
	return nil
}

// blockEntry describes one stored block.
//
//	[0:8]   offset from the superblock
//	[8:12]  stored size
//	[12:16] decoded size
//	[16]    compression
//	[17:24] reserved
//	[24:56] BLAKE3 keyed hash of the stored bytes
type blockEntry struct {
	Offset      uint64
	StoredSize  uint32
	DecodedSize uint32
	Compression Compression
	Hash        Hash
}

func (e *blockEntry) marshal(buffer []byte) {
	binary.LittleEndian.PutUint64(buffer[0:8], e.Offset)
	binary.LittleEndian.PutUint32(buffer[8:12], e.StoredSize)
	binary.LittleEndian.PutUint32(buffer[12:16], e.DecodedSize)
	buffer[16] = byte(e.Compression)
	clear(buffer[17:24])
	copy(buffer[24:56], e.Hash[:])
}

func parseBlockIndex(data []byte, s *superblock) ([]blockEntry, error) {
	entries := make([]blockEntry, s.BlockCount)
	for i := range entries {
		raw := data[s.IndexOffset+uint64(i)*indexEntrySize:][:indexEntrySize]
		entry := &entries[i]
		entry.Offset = binary.LittleEndian.Uint64(raw[0:8])
		entry.StoredSize = binary.LittleEndian.Uint32(raw[8:12])
		entry.DecodedSize = binary.LittleEndian.Uint32(raw[12:16])
		entry.Compression = Compression(raw[16])
		copy(entry.Hash[:], raw[24:56])

		end := entry.Offset + uint64(entry.StoredSize)
		if entry.Offset < superblockSize || end > s.IndexOffset || end < entry.Offset {
			return nil, fmt.Errorf("%w: block %d stored range [%d, %d) outside data area", ErrFormat, i, entry.Offset, end)
		}
		if entry.DecodedSize > s.BlockSize {
			return nil, fmt.Errorf("%w: block %d decoded size %d exceeds block size %d", ErrFormat, i, entry.DecodedSize, s.BlockSize)
		}
		if !entry.Compression.valid() {
			return nil, fmt.Errorf("%w: block %d compression %s", ErrFormat, i, entry.Compression)
		}
	}
	return entries, nil
}

// FindOffset returns the position of the first superblock in data
// that parses cleanly. It is used for offset=auto, where the image is
// appended to an executable of unknown length.
func FindOffset(data []byte) (int64, error) {
	position := 0
	for {
		index := bytes.Index(data[position:], Magic[:])
		if index < 0 {
			return 0, fmt.Errorf("%w: no superblock found in %d bytes", ErrFormat, len(data))
		}
		candidate := position + index
		if _, err := parseSuperblock(data[candidate:]); err == nil {
			return int64(candidate), nil
		}
		position = candidate + 1
	}
}
