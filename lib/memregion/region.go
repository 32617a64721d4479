// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package memregion

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when an offset or length falls outside
// the region.
var ErrOutOfRange = errors.New("memregion: range outside region")

// Error reports a failed mlock or munlock.
type Error struct {
	Op     string // "mlock" or "munlock"
	Offset int64
	Length int64
	Errno  syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("memregion: %s offset=%d length=%d: %v", e.Op, e.Offset, e.Length, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

// Region is a read-only view of an externally owned image mapping.
// Safe for concurrent use: it holds no mutable state.
type Region struct {
	data     []byte
	pageSize int
}

// New wraps data. The caller keeps data alive and unmodified for the
// lifetime of the Region.
func New(data []byte) (*Region, error) {
	if len(data) == 0 {
		return nil, errors.New("memregion: empty image")
	}
	return &Region{data: data, pageSize: unix.Getpagesize()}, nil
}

// Address returns the start address of the image. Never zero.
func (r *Region) Address() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// Bytes returns the image bytes. Callers must not modify them.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the image length in bytes.
func (r *Region) Size() int64 { return int64(len(r.data)) }

// PageSize returns the system page size captured at construction.
func (r *Region) PageSize() int { return r.pageSize }

// Slice returns data[offset:offset+length] after a bounds check.
func (r *Region) Slice(offset, length int64) ([]byte, error) {
	if err := r.check(offset, length); err != nil {
		return nil, err
	}
	return r.data[offset : offset+length], nil
}

// Lock pins every page overlapping [offset, offset+length) into RAM.
// A zero length locks nothing.
func (r *Region) Lock(offset, length int64) error {
	if err := r.check(offset, length); err != nil {
		return err
	}
	start, size := lockSpan(r.Address(), offset, length, r.pageSize)
	if size == 0 {
		return nil
	}
	return r.syscall(unix.SYS_MLOCK, "mlock", offset, length, start, size)
}

// LockAll pins the whole image.
func (r *Region) LockAll() error {
	return r.Lock(0, r.Size())
}

// Unlock undoes Lock(offset, length): it unpins every page
// overlapping the range, including partial pages at either end.
func (r *Region) Unlock(offset, length int64) error {
	if err := r.check(offset, length); err != nil {
		return err
	}
	start, size := lockSpan(r.Address(), offset, length, r.pageSize)
	if size == 0 {
		return nil
	}
	return r.syscall(unix.SYS_MUNLOCK, "munlock", offset, length, start, size)
}

// Release unpins the whole pages covering [offset, offset+length)
// after rounding offset down to its page boundary.
func (r *Region) Release(offset, length int64) error {
	if err := r.check(offset, length); err != nil {
		return err
	}
	start, size := releaseSpan(r.Address(), offset, length, r.pageSize)
	if size == 0 {
		return nil
	}
	return r.syscall(unix.SYS_MUNLOCK, "munlock", offset, length, start, size)
}

// ReleaseUntil unpins all whole pages before the page containing
// offset.
func (r *Region) ReleaseUntil(offset int64) error {
	if err := r.check(offset, 0); err != nil {
		return err
	}
	start, size := untilSpan(r.Address(), offset, r.pageSize)
	if size == 0 {
		return nil
	}
	return r.syscall(unix.SYS_MUNLOCK, "munlock", 0, offset, start, size)
}

func (r *Region) check(offset, length int64) error {
	if offset < 0 || length < 0 || offset > r.Size() || length > r.Size()-offset {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", ErrOutOfRange, offset, length, r.Size())
	}
	return nil
}

// syscall issues mlock/munlock on a raw page range. The range may
// start before the image (rounding down) so it cannot be expressed as
// a subslice of data.
func (r *Region) syscall(trap uintptr, op string, offset, length int64, start, size uintptr) error {
	_, _, errno := unix.Syscall(trap, start, size, 0)
	runtime.KeepAlive(r.data)
	if errno != 0 {
		return &Error{Op: op, Offset: offset, Length: length, Errno: errno}
	}
	return nil
}

// lockSpan returns the page-aligned superset of the range.
func lockSpan(base uintptr, offset, length int64, pageSize int) (uintptr, uintptr) {
	if length == 0 {
		return 0, 0
	}
	page := uintptr(pageSize)
	first := base + uintptr(offset)
	last := first + uintptr(length)
	start := first &^ (page - 1)
	end := (last + page - 1) &^ (page - 1)
	return start, end - start
}

// releaseSpan applies the release rounding: move the start back to
// its page boundary, grow the length by the same misalignment, then
// drop the trailing partial page.
func releaseSpan(base uintptr, offset, length int64, pageSize int) (uintptr, uintptr) {
	page := uintptr(pageSize)
	first := base + uintptr(offset)
	misalign := first % page
	start := first - misalign
	size := uintptr(length) + misalign
	size -= size % page
	return start, size
}

// untilSpan covers whole pages from the image's first page up to,
// not including, the page containing offset.
func untilSpan(base uintptr, offset int64, pageSize int) (uintptr, uintptr) {
	page := uintptr(pageSize)
	start := base &^ (page - 1)
	end := (base + uintptr(offset)) &^ (page - 1)
	if end <= start {
		return 0, 0
	}
	return start, end - start
}
