// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"github.com/tamatebako/tebako/lib/image"
)

// Engine is the filesystem the adapter serves. *image.Image implements
// it. Inode numbers are engine-internal: the root is 0.
type Engine interface {
	Find(inode uint64) (image.Entry, bool)
	Lookup(parent uint64, name string) (image.Entry, bool)
	Getattr(entry image.Entry) (image.Attr, error)
	Access(entry image.Entry, mask uint32, uid, gid uint32) error
	Readlink(entry image.Entry) (string, error)

	// ReadAt reads file data. Errors are syscall.Errno values.
	ReadAt(inode uint64, dest []byte, offset int64) (int, error)

	Opendir(entry image.Entry) (*image.Directory, bool)
	Dirsize(directory *image.Directory) int64
	Readdir(directory *image.Directory, offset int64) (image.Entry, string, bool)
	Statvfs() (image.Statvfs, error)
	SetNumWorkers(n int)
}

var _ Engine = (*image.Image)(nil)
