// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/codec"
	"github.com/tamatebako/tebako/lib/logging"
)

// BuilderOptions configures image construction.
type BuilderOptions struct {
	// BlockSize is the decoded size of each data block. Zero uses
	// DefaultBlockSize.
	BlockSize int

	// Compression is applied to data blocks and metadata. Blocks
	// that do not shrink are stored raw.
	Compression Compression

	// Created is recorded in the metadata. Zero uses the time of
	// WriteTo.
	Created time.Time

	// Logger receives warnings about skipped files in AddTree.
	Logger *slog.Logger
}

// Attributes are the ownership, permission and time fields of a new
// entry. Mode holds permission bits only; the builder sets the type.
type Attributes struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
}

// Builder assembles an image in memory. It is not safe for concurrent
// use.
type Builder struct {
	options  BuilderOptions
	logger   *slog.Logger
	inodes   []inodeRecord
	children map[uint32]map[string]uint32
	paths    map[string]uint32

	pending    []byte
	stored     [][]byte
	entries    []blockEntry
	dataOffset uint64
	dedup      map[Hash][]chunk
	totalSize  uint64
}

// NewBuilder returns a Builder holding only a root directory.
func NewBuilder(options BuilderOptions) (*Builder, error) {
	if options.BlockSize == 0 {
		options.BlockSize = DefaultBlockSize
	}
	if options.BlockSize < minBlockSize || options.BlockSize > maxBlockSize {
		return nil, fmt.Errorf("block size %d outside [%d, %d]", options.BlockSize, minBlockSize, maxBlockSize)
	}
	if !options.Compression.valid() {
		return nil, fmt.Errorf("unsupported compression %s", options.Compression)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	b := &Builder{
		options:    options,
		logger:     logger,
		children:   make(map[uint32]map[string]uint32),
		paths:      make(map[string]uint32),
		dataOffset: superblockSize,
		dedup:      make(map[Hash][]chunk),
	}
	b.inodes = append(b.inodes, inodeRecord{Mode: unix.S_IFDIR | 0o755})
	b.children[0] = make(map[string]uint32)
	b.paths["/"] = 0
	return b, nil
}

// cleanPath normalises p to an absolute slash path.
func cleanPath(p string) string {
	return path.Clean("/" + filepath.ToSlash(p))
}

// parentOf returns the inode of p's parent directory, creating missing
// ancestors with default attributes.
func (b *Builder) parentOf(p string) (uint32, error) {
	directory := path.Dir(p)
	if inode, ok := b.paths[directory]; ok {
		if !b.inodes[inode].isDir() {
			return 0, fmt.Errorf("%s: parent %s is not a directory", p, directory)
		}
		return inode, nil
	}
	return b.addDir(directory, Attributes{Mode: 0o755})
}

// add creates a new inode at p.
func (b *Builder) add(p string, record inodeRecord) (uint32, error) {
	if p == "/" {
		return 0, fmt.Errorf("cannot replace the root directory")
	}
	if _, exists := b.paths[p]; exists {
		return 0, fmt.Errorf("%s: already exists", p)
	}
	parent, err := b.parentOf(p)
	if err != nil {
		return 0, err
	}
	inode := uint32(len(b.inodes))
	b.inodes = append(b.inodes, record)
	b.children[parent][path.Base(p)] = inode
	b.paths[p] = inode
	return inode, nil
}

func newRecord(fileType uint32, attributes Attributes) inodeRecord {
	return inodeRecord{
		Mode:  fileType | attributes.Mode&0o7777,
		UID:   attributes.UID,
		GID:   attributes.GID,
		Mtime: attributes.Mtime.UnixNano(),
		Atime: nanosOrZero(attributes.Atime),
		Ctime: nanosOrZero(attributes.Ctime),
	}
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// AddDir adds a directory, or updates the attributes of an existing
// one (including the root).
func (b *Builder) AddDir(p string, attributes Attributes) error {
	_, err := b.addDir(cleanPath(p), attributes)
	return err
}

func (b *Builder) addDir(p string, attributes Attributes) (uint32, error) {
	if inode, exists := b.paths[p]; exists {
		if !b.inodes[inode].isDir() {
			return 0, fmt.Errorf("%s: exists and is not a directory", p)
		}
		record := newRecord(unix.S_IFDIR, attributes)
		b.inodes[inode].Mode = record.Mode
		b.inodes[inode].UID = record.UID
		b.inodes[inode].GID = record.GID
		b.inodes[inode].Mtime = record.Mtime
		b.inodes[inode].Atime = record.Atime
		b.inodes[inode].Ctime = record.Ctime
		return inode, nil
	}
	inode, err := b.add(p, newRecord(unix.S_IFDIR, attributes))
	if err != nil {
		return 0, err
	}
	b.children[inode] = make(map[string]uint32)
	return inode, nil
}

// AddFile adds a regular file. Contents identical to an earlier file
// share its stored data.
func (b *Builder) AddFile(p string, data []byte, attributes Attributes) error {
	record := newRecord(unix.S_IFREG, attributes)
	record.Size = uint64(len(data))
	chunks, err := b.store(data)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	record.Chunks = chunks
	_, err = b.add(cleanPath(p), record)
	return err
}

// AddSymlink adds a symbolic link. The target is stored verbatim.
func (b *Builder) AddSymlink(p, target string, attributes Attributes) error {
	if target == "" {
		return fmt.Errorf("%s: empty symlink target", p)
	}
	if attributes.Mode == 0 {
		attributes.Mode = 0o777
	}
	record := newRecord(unix.S_IFLNK, attributes)
	record.Target = target
	_, err := b.add(cleanPath(p), record)
	return err
}

// AddHardlink adds p as another name for the existing non-directory
// entry at existing.
func (b *Builder) AddHardlink(p, existing string) error {
	p, existing = cleanPath(p), cleanPath(existing)
	inode, ok := b.paths[existing]
	if !ok {
		return fmt.Errorf("%s: link target %s does not exist", p, existing)
	}
	if b.inodes[inode].isDir() {
		return fmt.Errorf("%s: cannot hardlink directory %s", p, existing)
	}
	if _, exists := b.paths[p]; exists {
		return fmt.Errorf("%s: already exists", p)
	}
	parent, err := b.parentOf(p)
	if err != nil {
		return err
	}
	b.children[parent][path.Base(p)] = inode
	b.paths[p] = inode
	return nil
}

// store appends data to the block stream and returns its chunks.
func (b *Builder) store(data []byte) ([]chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	fingerprint := hashContent(data)
	if chunks, ok := b.dedup[fingerprint]; ok {
		return chunks, nil
	}
	b.totalSize += uint64(len(data))

	var chunks []chunk
	for len(data) > 0 {
		if b.pending == nil {
			b.pending = make([]byte, 0, b.options.BlockSize)
		}
		n := min(b.options.BlockSize-len(b.pending), len(data))
		chunks = append(chunks, chunk{
			Block:  uint32(len(b.entries)),
			Offset: uint32(len(b.pending)),
			Length: uint32(n),
		})
		b.pending = append(b.pending, data[:n]...)
		data = data[n:]
		if len(b.pending) == b.options.BlockSize {
			if err := b.flush(); err != nil {
				return nil, err
			}
		}
	}
	b.dedup[fingerprint] = chunks
	return chunks, nil
}

// flush compresses the pending block.
func (b *Builder) flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	stored, compression, err := compressOrStore(b.pending, b.options.Compression)
	if err != nil {
		return fmt.Errorf("compressing block %d: %w", len(b.entries), err)
	}
	b.entries = append(b.entries, blockEntry{
		Offset:      b.dataOffset,
		StoredSize:  uint32(len(stored)),
		DecodedSize: uint32(len(b.pending)),
		Compression: compression,
		Hash:        hashBlock(stored),
	})
	b.stored = append(b.stored, stored)
	b.dataOffset += uint64(len(stored))
	b.pending = nil
	return nil
}

// WriteTo flushes the last block and writes the complete image. The
// builder must not be used afterwards.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	for inode, names := range b.children {
		children := make([]dirent, 0, len(names))
		for name, child := range names {
			children = append(children, dirent{Name: name, Inode: child})
		}
		slices.SortFunc(children, func(x, y dirent) int { return strings.Compare(x.Name, y.Name) })
		b.inodes[inode].Children = children
	}

	created := b.options.Created
	if created.IsZero() {
		created = time.Now()
	}
	raw, err := codec.Marshal(metadata{Inodes: b.inodes, TotalSize: b.totalSize, Created: created.Unix()})
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	storedMetadata, metadataCompression, err := compressOrStore(raw, b.options.Compression)
	if err != nil {
		return 0, fmt.Errorf("compressing metadata: %w", err)
	}

	index := make([]byte, len(b.entries)*indexEntrySize)
	for i := range b.entries {
		b.entries[i].marshal(index[i*indexEntrySize:])
	}
	super := superblock{
		BlockSize:           uint32(b.options.BlockSize),
		BlockCount:          uint32(len(b.entries)),
		IndexOffset:         b.dataOffset,
		MetadataOffset:      b.dataOffset + uint64(len(index)),
		MetadataSize:        uint64(len(storedMetadata)),
		MetadataRawSize:     uint64(len(raw)),
		MetadataCompression: metadataCompression,
	}
	super.ImageSize = super.MetadataOffset + super.MetadataSize

	var written int64
	parts := make([][]byte, 0, len(b.stored)+3)
	parts = append(parts, super.marshal())
	parts = append(parts, b.stored...)
	parts = append(parts, index, storedMetadata)
	for _, part := range parts {
		n, err := w.Write(part)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Bytes is WriteTo into memory.
func (b *Builder) Bytes() ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := b.WriteTo(&buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// fileKey identifies a file on the source filesystem for hardlink
// detection.
type fileKey struct {
	device uint64
	inode  uint64
}

// AddTree adds everything under root, which becomes the image root.
// Ownership, permissions and times are preserved; files with several
// links become hardlinks. Device nodes, sockets and FIFOs are skipped.
func (b *Builder) AddTree(root string) error {
	linked := make(map[fileKey]string)
	return filepath.WalkDir(root, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}
		target := cleanPath(relative)
		info, err := d.Info()
		if err != nil {
			return err
		}
		attributes := attributesOf(info)

		switch {
		case d.IsDir():
			return b.AddDir(target, attributes)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(current)
			if err != nil {
				return err
			}
			return b.AddSymlink(target, link, attributes)
		case d.Type().IsRegular():
			if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
				key := fileKey{device: uint64(stat.Dev), inode: uint64(stat.Ino)}
				if first, seen := linked[key]; seen {
					return b.AddHardlink(target, first)
				}
				linked[key] = target
			}
			data, err := os.ReadFile(current)
			if err != nil {
				return err
			}
			return b.AddFile(target, data, attributes)
		default:
			b.logger.Warn("skipping special file", "path", current, "type", d.Type().String())
			return nil
		}
	})
}

func attributesOf(info fs.FileInfo) Attributes {
	attributes := Attributes{
		Mode:  uint32(info.Mode().Perm()),
		Mtime: info.ModTime(),
	}
	mode := info.Mode()
	if mode&fs.ModeSetuid != 0 {
		attributes.Mode |= unix.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		attributes.Mode |= unix.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		attributes.Mode |= unix.S_ISVTX
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		attributes.UID = stat.Uid
		attributes.GID = stat.Gid
		attributes.Atime = time.Unix(stat.Atim.Unix())
		attributes.Ctime = time.Unix(stat.Ctim.Unix())
	}
	return attributes
}
