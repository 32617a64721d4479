// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/version"
)

// PidXattr is the extended attribute on the mount root that reports
// the pid of the process serving the mount.
const PidXattr = "user." + version.ProductName + ".driver.pid"

// forever is the entry and attribute timeout: the image is immutable.
const forever = time.Duration(math.MaxInt64)

// adapter translates raw FUSE requests into Engine calls. Requests not
// overridden here are answered ENOSYS by the embedded default.
type adapter struct {
	fuse.RawFileSystem

	engine     Engine
	name       string
	workers    int
	cacheFiles bool
	pid        string
	logger     *slog.Logger
}

var _ fuse.RawFileSystem = (*adapter)(nil)

func newAdapter(engine Engine, name string, workers int, cacheFiles bool, logger *slog.Logger) *adapter {
	return &adapter{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		engine:        engine,
		name:          name,
		workers:       workers,
		cacheFiles:    cacheFiles,
		pid:           strconv.Itoa(os.Getpid()),
		logger:        logger,
	}
}

func (a *adapter) String() string { return a.name }

// guard turns a handler panic into an EIO reply.
func (a *adapter) guard(op string, status *fuse.Status) {
	if recovered := recover(); recovered != nil {
		a.logger.Error("request handler panicked",
			"op", op, "panic", recovered, "stack", string(debug.Stack()))
		*status = fuse.EIO
	}
}

func (a *adapter) trace(op string, args ...any) {
	if a.logger.Enabled(context.Background(), logging.LevelTrace) {
		a.logger.Log(context.Background(), logging.LevelTrace, op, args...)
	}
}

// engineInode maps a kernel node id onto the engine's numbering.
func engineInode(node uint64) (uint64, bool) {
	if node < fuse.FUSE_ROOT_ID {
		return 0, false
	}
	return node - fuse.FUSE_ROOT_ID, true
}

func kernelInode(inode uint64) uint64 { return inode + fuse.FUSE_ROOT_ID }

func (a *adapter) find(node uint64) (image.Entry, bool) {
	inode, ok := engineInode(node)
	if !ok {
		return image.Entry{}, false
	}
	return a.engine.Find(inode)
}

// errnoStatus converts an engine error, defaulting to EIO for errors
// that are not errnos.
func errnoStatus(err error) fuse.Status {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Status(errno)
	}
	return fuse.EIO
}

func fillAttr(out *fuse.Attr, attr image.Attr) {
	out.Ino = kernelInode(attr.Inode)
	out.Size = uint64(attr.Size)
	out.Blocks = uint64(attr.Blocks)
	out.Blksize = attr.BlockSize
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Uid = attr.UID
	out.Gid = attr.GID
	out.SetTimes(&attr.Atime, &attr.Mtime, &attr.Ctime)
}

func (a *adapter) Init(server *fuse.Server) {
	a.engine.SetNumWorkers(a.workers)
	a.logger.Debug("fuse session initialized", "workers", a.workers)
}

func (a *adapter) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) (status fuse.Status) {
	defer a.guard("lookup", &status)
	a.trace("lookup", "parent", header.NodeId, "name", name)

	parent, ok := engineInode(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	entry, ok := a.engine.Lookup(parent, name)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := a.engine.Getattr(entry)
	if err != nil {
		a.logger.Error("lookup getattr failed", "parent", header.NodeId, "name", name, "error", err)
		return fuse.EIO
	}
	out.NodeId = kernelInode(entry.Inode())
	out.Generation = 1
	out.SetEntryTimeout(forever)
	out.SetAttrTimeout(forever)
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *adapter) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) (status fuse.Status) {
	defer a.guard("getattr", &status)
	a.trace("getattr", "inode", input.NodeId)

	entry, ok := a.find(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := a.engine.Getattr(entry)
	if err != nil {
		return errnoStatus(err)
	}
	fillAttr(&out.Attr, attr)
	out.SetTimeout(forever)
	return fuse.OK
}

func (a *adapter) Access(cancel <-chan struct{}, input *fuse.AccessIn) (status fuse.Status) {
	defer a.guard("access", &status)
	a.trace("access", "inode", input.NodeId, "mask", input.Mask)

	entry, ok := a.find(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if err := a.engine.Access(entry, input.Mask, input.Uid, input.Gid); err != nil {
		return errnoStatus(err)
	}
	return fuse.OK
}

func (a *adapter) Readlink(cancel <-chan struct{}, header *fuse.InHeader) (target []byte, status fuse.Status) {
	defer a.guard("readlink", &status)
	a.trace("readlink", "inode", header.NodeId)

	entry, ok := a.find(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	link, err := a.engine.Readlink(entry)
	if err != nil {
		return nil, errnoStatus(err)
	}
	return []byte(link), fuse.OK
}

func (a *adapter) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (size uint32, status fuse.Status) {
	defer a.guard("getxattr", &status)
	a.trace("getxattr", "inode", header.NodeId, "name", attr, "size", len(dest))

	if header.NodeId != fuse.FUSE_ROOT_ID || attr != PidXattr {
		return 0, fuse.Status(syscall.ENODATA)
	}
	size = uint32(len(a.pid))
	if len(dest) == 0 {
		return size, fuse.OK
	}
	if len(dest) < len(a.pid) {
		return size, fuse.Status(syscall.ERANGE)
	}
	copy(dest, a.pid)
	return size, fuse.OK
}

// writeFlags are open flags that would modify the image.
const writeFlags = syscall.O_APPEND | syscall.O_CREAT | syscall.O_TRUNC

func (a *adapter) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer a.guard("open", &status)
	a.trace("open", "inode", input.NodeId, "flags", input.Flags)

	entry, ok := a.find(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if entry.IsDir() {
		return fuse.Status(syscall.EISDIR)
	}
	if input.Flags&writeFlags != 0 {
		return fuse.EPERM
	}
	if input.Flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return fuse.Status(syscall.EROFS)
	}
	out.Fh = kernelInode(entry.Inode())
	if a.cacheFiles {
		out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	} else {
		out.OpenFlags = fuse.FOPEN_DIRECT_IO
	}
	return fuse.OK
}

func (a *adapter) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (result fuse.ReadResult, status fuse.Status) {
	defer a.guard("read", &status)
	a.trace("read", "inode", input.NodeId, "fh", input.Fh, "size", input.Size, "offset", input.Offset)

	if input.Fh != input.NodeId {
		a.logger.Error("read handle does not match inode", "inode", input.NodeId, "fh", input.Fh)
		return nil, fuse.EIO
	}
	inode, ok := engineInode(input.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	if int(input.Size) < len(buf) {
		buf = buf[:input.Size]
	}
	n, err := a.engine.ReadAt(inode, buf, int64(input.Offset))
	if err != nil {
		return nil, errnoStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (a *adapter) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer a.guard("opendir", &status)
	a.trace("opendir", "inode", input.NodeId)

	entry, ok := a.find(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if !entry.IsDir() {
		return fuse.ENOTDIR
	}
	out.Fh = input.NodeId
	if a.cacheFiles {
		out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	}
	return fuse.OK
}

func (a *adapter) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) (status fuse.Status) {
	defer a.guard("readdir", &status)
	a.trace("readdir", "inode", input.NodeId, "size", input.Size, "offset", input.Offset)

	entry, ok := a.find(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	directory, ok := a.engine.Opendir(entry)
	if !ok {
		return fuse.ENOTDIR
	}
	a.fillDirectory(directory, int64(input.Offset), out.AddDirEntry)
	return fuse.OK
}

// fillDirectory adds entries from offset until the directory ends or
// add refuses one. A refused entry is not consumed: the kernel asks
// again starting at its offset.
func (a *adapter) fillDirectory(directory *image.Directory, offset int64, add func(fuse.DirEntry) bool) {
	size := a.engine.Dirsize(directory)
	for ; offset < size; offset++ {
		entry, name, ok := a.engine.Readdir(directory, offset)
		if !ok {
			return
		}
		if !add(fuse.DirEntry{
			Mode: entry.Mode(),
			Name: name,
			Ino:  kernelInode(entry.Inode()),
			Off:  uint64(offset + 1),
		}) {
			return
		}
	}
}

func (a *adapter) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) (status fuse.Status) {
	defer a.guard("statfs", &status)
	a.trace("statfs")

	stat, err := a.engine.Statvfs()
	if err != nil {
		return errnoStatus(err)
	}
	out.Bsize = stat.BlockSize
	out.Frsize = stat.FragmentSize
	out.Blocks = stat.Blocks
	out.Files = stat.Files
	out.NameLen = stat.NameMax
	return fuse.OK
}
