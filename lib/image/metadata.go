// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/codec"
)

// metadata is the decoded inode table. Inode 0 is the root directory.
type metadata struct {
	Inodes    []inodeRecord `cbor:"inodes"`
	TotalSize uint64        `cbor:"total_size"`
	Created   int64         `cbor:"created"`
}

// inodeRecord is one filesystem object. Times are Unix nanoseconds.
// Hardlinks are several dirents pointing at the same record.
type inodeRecord struct {
	Mode     uint32   `cbor:"mode"`
	UID      uint32   `cbor:"uid"`
	GID      uint32   `cbor:"gid"`
	Size     uint64   `cbor:"size,omitempty"`
	Mtime    int64    `cbor:"mtime"`
	Atime    int64    `cbor:"atime,omitempty"`
	Ctime    int64    `cbor:"ctime,omitempty"`
	Target   string   `cbor:"target,omitempty"`
	Chunks   []chunk  `cbor:"chunks,omitempty"`
	Children []dirent `cbor:"children,omitempty"`
}

// chunk is a contiguous run of file data inside one block.
type chunk struct {
	_      struct{} `cbor:",toarray"`
	Block  uint32
	Offset uint32
	Length uint32
}

// dirent names a child. Children are sorted by name.
type dirent struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Inode uint32
}

func (r *inodeRecord) fileType() uint32 { return r.Mode & unix.S_IFMT }
func (r *inodeRecord) isDir() bool      { return r.fileType() == unix.S_IFDIR }
func (r *inodeRecord) isSymlink() bool  { return r.fileType() == unix.S_IFLNK }
func (r *inodeRecord) isRegular() bool  { return r.fileType() == unix.S_IFREG }

// inodeTable is the metadata plus the links derived from it at load.
type inodeTable struct {
	metadata
	parents []uint32
	nlinks  []uint32
	nameMax int
}

func decodeMetadata(raw []byte, blocks []blockEntry) (*inodeTable, error) {
	var table inodeTable
	if err := codec.Unmarshal(raw, &table.metadata); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	if err := table.link(blocks); err != nil {
		return nil, err
	}
	return &table, nil
}

// link validates the tree and fills parents and nlinks. Every
// directory must be reachable exactly once from the root; regular
// files and symlinks may be reachable many times.
func (t *inodeTable) link(blocks []blockEntry) error {
	count := len(t.Inodes)
	if count == 0 || !t.Inodes[0].isDir() {
		return fmt.Errorf("%w: missing root directory", ErrFormat)
	}
	t.parents = make([]uint32, count)
	t.nlinks = make([]uint32, count)
	seen := make([]bool, count)
	seen[0] = true
	t.nlinks[0] = 2

	queue := []uint32{0}
	for len(queue) > 0 {
		directory := queue[0]
		queue = queue[1:]
		children := t.Inodes[directory].Children
		for i, child := range children {
			if child.Name == "" || child.Name == "." || child.Name == ".." || strings.ContainsRune(child.Name, '/') {
				return fmt.Errorf("%w: inode %d: invalid name %q", ErrFormat, directory, child.Name)
			}
			if i > 0 && children[i-1].Name >= child.Name {
				return fmt.Errorf("%w: inode %d: children not sorted at %q", ErrFormat, directory, child.Name)
			}
			if int(child.Inode) >= count || child.Inode == 0 {
				return fmt.Errorf("%w: inode %d: child %q points at inode %d", ErrFormat, directory, child.Name, child.Inode)
			}
			if len(child.Name) > t.nameMax {
				t.nameMax = len(child.Name)
			}
			record := &t.Inodes[child.Inode]
			if record.isDir() {
				if seen[child.Inode] {
					return fmt.Errorf("%w: directory inode %d linked twice", ErrFormat, child.Inode)
				}
				t.parents[child.Inode] = directory
				t.nlinks[child.Inode] = 2
				t.nlinks[directory]++
				queue = append(queue, child.Inode)
			} else {
				t.parents[child.Inode] = directory
				t.nlinks[child.Inode]++
			}
			seen[child.Inode] = true
		}
	}

	for inode := range t.Inodes {
		if !seen[inode] {
			return fmt.Errorf("%w: inode %d unreachable", ErrFormat, inode)
		}
		if err := t.Inodes[inode].checkChunks(blocks); err != nil {
			return fmt.Errorf("%w: inode %d: %v", ErrFormat, inode, err)
		}
	}
	return nil
}

func (r *inodeRecord) checkChunks(blocks []blockEntry) error {
	if !r.isRegular() {
		if len(r.Chunks) != 0 {
			return fmt.Errorf("non-regular file has data chunks")
		}
		return nil
	}
	var total uint64
	for _, c := range r.Chunks {
		if int(c.Block) >= len(blocks) {
			return fmt.Errorf("chunk references block %d of %d", c.Block, len(blocks))
		}
		if uint64(c.Offset)+uint64(c.Length) > uint64(blocks[c.Block].DecodedSize) {
			return fmt.Errorf("chunk [%d, +%d) overruns block %d", c.Offset, c.Length, c.Block)
		}
		total += uint64(c.Length)
	}
	if total != r.Size {
		return fmt.Errorf("chunks cover %d bytes, size is %d", total, r.Size)
	}
	return nil
}
