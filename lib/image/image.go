// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/memregion"
)

// Image is an opened filesystem image. All methods are safe for
// concurrent use.
type Image struct {
	region  *memregion.Region
	base    int64  // superblock position within region
	data    []byte // region bytes from base to the end of the image
	super   *superblock
	blocks  []blockEntry
	table   *inodeTable
	cache   *blockCache
	options Options
	logger  *slog.Logger
	workers atomic.Int32
	closed  atomic.Bool
}

// Entry is a resolved inode. The zero Entry is not valid; every method
// returning one also reports whether it exists.
type Entry struct {
	inode  uint32
	record *inodeRecord
}

// Inode returns the image-internal inode number. The root is 0.
func (e Entry) Inode() uint64 { return uint64(e.inode) }

// Mode returns the stored file type and permission bits.
func (e Entry) Mode() uint32 { return e.record.Mode }

// Size returns the file size, or the target length for a symlink.
func (e Entry) Size() int64 {
	if e.record.isSymlink() {
		return int64(len(e.record.Target))
	}
	return int64(e.record.Size)
}

func (e Entry) IsDir() bool     { return e.record.isDir() }
func (e Entry) IsSymlink() bool { return e.record.isSymlink() }
func (e Entry) IsRegular() bool { return e.record.isRegular() }

// Attr is the stat information for one inode.
type Attr struct {
	Inode     uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      int64
	Blocks    int64 // 512-byte units
	BlockSize uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// Directory is a cursor over one directory. Offsets 0 and 1 are "."
// and ".."; children follow in name order.
type Directory struct {
	entry  Entry
	parent Entry
}

// Statvfs describes the image as a whole.
type Statvfs struct {
	BlockSize    uint32
	FragmentSize uint32
	Blocks       uint64 // in FragmentSize units
	Files        uint64
	NameMax      uint32
	ReadOnly     bool
}

// Open parses the image in region and returns an engine serving it.
// The region must stay mapped until Close.
func Open(region *memregion.Region, options Options) (*Image, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	options.setDefaults()
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	start := time.Now()

	base := options.ImageOffset
	if base == OffsetAuto {
		found, err := FindOffset(region.Bytes())
		if err != nil {
			return nil, err
		}
		logger.Debug("located image", "offset", found)
		base = found
	}
	if base >= region.Size() {
		return nil, fmt.Errorf("%w: offset %d beyond %d-byte region", ErrFormat, base, region.Size())
	}

	available := region.Bytes()[base:]
	super, err := parseSuperblock(available)
	if err != nil {
		return nil, err
	}
	data := available[:super.ImageSize]

	blocks, err := parseBlockIndex(data, super)
	if err != nil {
		return nil, err
	}
	stored := data[super.MetadataOffset:][:super.MetadataSize]
	raw, err := decompress(stored, super.MetadataCompression, int(super.MetadataRawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	table, err := decodeMetadata(raw, blocks)
	if err != nil {
		return nil, err
	}

	img := &Image{
		region:  region,
		base:    base,
		data:    data,
		super:   super,
		blocks:  blocks,
		table:   table,
		cache:   newBlockCache(options.CacheSize),
		options: options,
		logger:  logger,
	}
	img.workers.Store(int32(options.Workers))

	if options.LockMode != LockNone {
		if err := region.Lock(base, int64(super.ImageSize)); err != nil {
			if options.LockMode == LockMust {
				return nil, fmt.Errorf("locking image in memory: %w", err)
			}
			logger.Warn("could not lock image in memory", "size", humanize.IBytes(super.ImageSize), "error", err)
		}
	}

	logger.Info("file system initialized",
		"inodes", len(table.Inodes),
		"blocks", len(blocks),
		"image_size", humanize.IBytes(super.ImageSize),
		"cache_size", humanize.IBytes(uint64(options.CacheSize)),
		"elapsed", time.Since(start),
	)
	return img, nil
}

// Close drops the block cache and unpins the image. The region itself
// is not unmapped.
func (img *Image) Close() error {
	if img.closed.Swap(true) {
		return nil
	}
	img.cache.clear()
	if img.options.LockMode == LockNone {
		return nil
	}
	return img.region.Unlock(img.base, int64(img.super.ImageSize))
}

// SetNumWorkers changes the per-read block decoding parallelism.
func (img *Image) SetNumWorkers(n int) {
	if n < 1 {
		n = 1
	}
	img.workers.Store(int32(n))
}

// NumWorkers reports the current decoding parallelism.
func (img *Image) NumWorkers() int { return int(img.workers.Load()) }

// Root returns the root directory entry.
func (img *Image) Root() Entry {
	return Entry{inode: 0, record: &img.table.Inodes[0]}
}

// Find resolves an inode number.
func (img *Image) Find(inode uint64) (Entry, bool) {
	if inode >= uint64(len(img.table.Inodes)) {
		return Entry{}, false
	}
	return Entry{inode: uint32(inode), record: &img.table.Inodes[inode]}, true
}

// Lookup resolves name inside the directory with inode number parent.
func (img *Image) Lookup(parent uint64, name string) (Entry, bool) {
	directory, ok := img.Find(parent)
	if !ok || !directory.IsDir() {
		return Entry{}, false
	}
	children := directory.record.Children
	index, found := slices.BinarySearchFunc(children, name, func(d dirent, target string) int {
		return strings.Compare(d.Name, target)
	})
	if !found {
		return Entry{}, false
	}
	return img.Find(uint64(children[index].Inode))
}

// Resolve walks a slash-separated path from the root without
// following symlinks.
func (img *Image) Resolve(path string) (Entry, error) {
	entry := img.Root()
	for _, component := range strings.Split(path, "/") {
		if component == "" || component == "." {
			continue
		}
		if component == ".." {
			entry, _ = img.Find(uint64(img.table.parents[entry.inode]))
			continue
		}
		if !entry.IsDir() {
			return Entry{}, fmt.Errorf("%s: %w", path, syscall.ENOTDIR)
		}
		next, ok := img.Lookup(entry.Inode(), component)
		if !ok {
			return Entry{}, fmt.Errorf("%s: %w", path, syscall.ENOENT)
		}
		entry = next
	}
	return entry, nil
}

// Getattr returns the attributes of entry.
func (img *Image) Getattr(entry Entry) (Attr, error) {
	if entry.record == nil {
		return Attr{}, syscall.ENOENT
	}
	record := entry.record
	mode := record.Mode
	if img.options.ReadOnly {
		mode &^= 0o222
	}
	nlink := uint32(1)
	if img.options.EnableNlink {
		nlink = img.table.nlinks[entry.inode]
	}
	size := entry.Size()
	return Attr{
		Inode:     entry.Inode(),
		Mode:      mode,
		Nlink:     nlink,
		UID:       record.UID,
		GID:       record.GID,
		Size:      size,
		Blocks:    (size + 511) / 512,
		BlockSize: img.super.BlockSize,
		Atime:     unixNano(record.Atime, record.Mtime),
		Mtime:     time.Unix(0, record.Mtime),
		Ctime:     unixNano(record.Ctime, record.Mtime),
	}, nil
}

func unixNano(value, fallback int64) time.Time {
	if value == 0 {
		value = fallback
	}
	return time.Unix(0, value)
}

// Access checks mask (R_OK, W_OK, X_OK bits, or F_OK) for a caller
// with the given uid and gid. Existence always passes; write access
// never does. Read and execute come from the "other" bits, plus the
// group bits when gid matches and the owner bits when uid matches.
func (img *Image) Access(entry Entry, mask uint32, uid, gid uint32) error {
	if entry.record == nil {
		return syscall.ENOENT
	}
	if mask == unix.F_OK {
		return nil
	}
	if mask&unix.W_OK != 0 {
		return syscall.EACCES
	}
	mode := entry.record.Mode
	granted := mode & 0o7
	if gid == entry.record.GID {
		granted |= (mode >> 3) & 0o7
	}
	if uid == entry.record.UID {
		granted |= (mode >> 6) & 0o7
	}
	if mask&(unix.R_OK|unix.X_OK)&^granted != 0 {
		return syscall.EACCES
	}
	return nil
}

// Readlink returns the target of a symlink, or EINVAL.
func (img *Image) Readlink(entry Entry) (string, error) {
	if entry.record == nil {
		return "", syscall.ENOENT
	}
	if !entry.IsSymlink() {
		return "", syscall.EINVAL
	}
	return entry.record.Target, nil
}

// Opendir returns a cursor for a directory entry.
func (img *Image) Opendir(entry Entry) (*Directory, bool) {
	if entry.record == nil || !entry.IsDir() {
		return nil, false
	}
	parent, _ := img.Find(uint64(img.table.parents[entry.inode]))
	return &Directory{entry: entry, parent: parent}, true
}

// Dirsize is the number of readdir offsets: two plus the children.
func (img *Image) Dirsize(directory *Directory) int64 {
	return 2 + int64(len(directory.entry.record.Children))
}

// Readdir returns the entry at offset and its name.
func (img *Image) Readdir(directory *Directory, offset int64) (Entry, string, bool) {
	switch {
	case offset == 0:
		return directory.entry, ".", true
	case offset == 1:
		return directory.parent, "..", true
	case offset < 0 || offset >= img.Dirsize(directory):
		return Entry{}, "", false
	}
	child := directory.entry.record.Children[offset-2]
	entry, ok := img.Find(uint64(child.Inode))
	return entry, child.Name, ok
}

// Statvfs reports filesystem-wide counts.
func (img *Image) Statvfs() (Statvfs, error) {
	nameMax := uint32(img.table.nameMax)
	if nameMax < 255 {
		nameMax = 255
	}
	return Statvfs{
		BlockSize:    img.super.BlockSize,
		FragmentSize: 1,
		Blocks:       img.table.TotalSize,
		Files:        uint64(len(img.table.Inodes)),
		NameMax:      nameMax,
		ReadOnly:     true,
	}, nil
}

// CacheStats reports block cache counters.
func (img *Image) CacheStats() CacheStats { return img.cache.stats() }

// ReadAt fills dest with file data starting at offset and returns the
// number of bytes read, which is short only at end of file. Errors
// are syscall.Errno values.
func (img *Image) ReadAt(inode uint64, dest []byte, offset int64) (int, error) {
	entry, ok := img.Find(inode)
	if !ok {
		return 0, syscall.ENOENT
	}
	if entry.IsDir() {
		return 0, syscall.EISDIR
	}
	if !entry.IsRegular() {
		return 0, syscall.EINVAL
	}
	if offset < 0 {
		return 0, syscall.EINVAL
	}
	size := int64(entry.record.Size)
	if offset >= size || len(dest) == 0 {
		return 0, nil
	}
	if remaining := size - offset; int64(len(dest)) > remaining {
		dest = dest[:remaining]
	}

	pieces := img.plan(entry.record.Chunks, offset, dest)
	if err := img.readPieces(pieces); err != nil {
		img.logger.Error("read failed", "inode", inode, "offset", offset, "size", len(dest), "error", err)
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return 0, errno
		}
		return 0, syscall.EIO
	}
	return len(dest), nil
}

// piece is the part of one chunk that lands in a read buffer.
type piece struct {
	block  uint32
	offset uint32
	dest   []byte
}

// plan maps the file range [offset, offset+len(dest)) onto chunks.
func (img *Image) plan(chunks []chunk, offset int64, dest []byte) []piece {
	var pieces []piece
	var position int64
	for _, c := range chunks {
		chunkEnd := position + int64(c.Length)
		if chunkEnd <= offset {
			position = chunkEnd
			continue
		}
		skip := max(offset-position, 0)
		n := min(int64(c.Length)-skip, int64(len(dest)))
		pieces = append(pieces, piece{
			block:  c.Block,
			offset: c.Offset + uint32(skip),
			dest:   dest[:n],
		})
		dest = dest[n:]
		offset += n
		position = chunkEnd
		if len(dest) == 0 {
			break
		}
	}
	return pieces
}

func (img *Image) readPieces(pieces []piece) error {
	if len(pieces) == 1 {
		return img.readPiece(pieces[0])
	}
	var group errgroup.Group
	group.SetLimit(img.NumWorkers())
	for _, p := range pieces {
		group.Go(func() error { return img.readPiece(p) })
	}
	return group.Wait()
}

func (img *Image) readPiece(p piece) error {
	entry := &img.blocks[p.block]
	block := img.cache.get(p.block, int64(entry.DecodedSize))
	block.mu.Lock()
	defer block.mu.Unlock()
	if err := img.fill(block, int(p.offset)+len(p.dest)); err != nil {
		return fmt.Errorf("block %d: %w", p.block, err)
	}
	copy(p.dest, block.data[p.offset:])
	return nil
}

// partialStep is the granularity of incremental zstd decoding.
const partialStep = 64 << 10

// fill makes at least need bytes of the block available in
// block.data. The caller holds block.mu.
func (img *Image) fill(block *cachedBlock, need int) error {
	if block.complete {
		return nil
	}
	entry := &img.blocks[block.index]
	stored := img.data[entry.Offset:][:entry.StoredSize]

	if !block.verified {
		if hashBlock(stored) != entry.Hash {
			return fmt.Errorf("%w: checksum mismatch", syscall.EIO)
		}
		block.verified = true
	}

	size := int(entry.DecodedSize)
	if entry.Compression != CompressionZstd || img.options.DecompressRatio == 0 {
		decoded, err := decompress(stored, entry.Compression, size)
		if err != nil {
			return fmt.Errorf("%w: %v", syscall.EIO, err)
		}
		img.complete(block, decoded)
		return nil
	}

	if block.stream == nil {
		stream, err := newStreamDecoder(stored, size)
		if err != nil {
			return fmt.Errorf("%w: %v", syscall.EIO, err)
		}
		block.stream = stream
		block.data = stream.buffer
	}
	target := min((need+partialStep-1)/partialStep*partialStep, size)
	if float64(target) >= img.options.DecompressRatio*float64(size) {
		if err := block.stream.finish(); err != nil {
			block.stream = nil
			block.data = nil
			return fmt.Errorf("%w: %v", syscall.EIO, err)
		}
		img.complete(block, block.stream.buffer)
		return nil
	}
	if err := block.stream.decodeTo(target); err != nil {
		block.stream.close()
		block.stream = nil
		block.data = nil
		return fmt.Errorf("%w: %v", syscall.EIO, err)
	}
	return nil
}

// complete installs fully decoded data and, when configured, unpins
// the block's stored pages.
func (img *Image) complete(block *cachedBlock, decoded []byte) {
	block.data = decoded
	block.complete = true
	block.stream = nil
	if !img.options.ReleasePages || img.options.LockMode == LockNone {
		return
	}
	entry := &img.blocks[block.index]
	if err := img.region.Release(img.base+int64(entry.Offset), int64(entry.StoredSize)); err != nil {
		img.logger.Debug("releasing block pages", "block", block.index, "error", err)
	}
}
