// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package memregion

import (
	"errors"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/testutil"
)

// anonymousRegion maps pages of anonymous memory and wraps them. The
// mapping is page-aligned, so offsets and absolute addresses round the
// same way.
func anonymousRegion(t *testing.T, pages int) *Region {
	t.Helper()
	size := pages * unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(data) })
	region, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return region
}

// skipIfLockDenied skips when RLIMIT_MEMLOCK or missing CAP_IPC_LOCK
// prevents mlock in the test environment.
func skipIfLockDenied(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EAGAIN) {
		t.Skipf("skipping: mlock not permitted here: %v", err)
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestAccessors(t *testing.T) {
	region := anonymousRegion(t, 2)
	if region.Address() == 0 {
		t.Error("Address() = 0")
	}
	if region.Size() != int64(2*unix.Getpagesize()) {
		t.Errorf("Size() = %d, want %d", region.Size(), 2*unix.Getpagesize())
	}
	if region.PageSize() != unix.Getpagesize() {
		t.Errorf("PageSize() = %d", region.PageSize())
	}
	if len(region.Bytes()) != int(region.Size()) {
		t.Errorf("len(Bytes()) = %d", len(region.Bytes()))
	}
}

func TestReleaseSpan(t *testing.T) {
	const page = 4096
	const base = 0x7f0000000000

	tests := []struct {
		name      string
		base      uintptr
		offset    int64
		length    int64
		wantStart uintptr
		wantSize  uintptr
	}{
		{"aligned whole pages", base, 0, 2 * page, base, 2 * page},
		{"aligned partial tail", base, 0, page + 100, base, page},
		{"misaligned offset grows length", base, 100, page, base, page},
		{"misaligned offset short", base, 100, page - 200, base, 0},
		{"misaligned spans two pages", base, page - 1, page + 1, base, 2 * page},
		{"zero length", base, page, 0, base + page, 0},
		{"unaligned base", base + 10, 0, page, base, page},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			start, size := releaseSpan(test.base, test.offset, test.length, page)
			if size != test.wantSize {
				t.Errorf("size = %d, want %d", size, test.wantSize)
			}
			if size != 0 && start != test.wantStart {
				t.Errorf("start = %#x, want %#x", start, test.wantStart)
			}
			if start%page != 0 {
				t.Errorf("start %#x not page-aligned", start)
			}
		})
	}
}

func TestLockSpan(t *testing.T) {
	const page = 4096
	const base = 0x7f0000000000

	start, size := lockSpan(base, 100, 10, page)
	if start != base || size != page {
		t.Errorf("lockSpan(100, 10) = %#x+%d, want %#x+%d", start, size, uintptr(base), page)
	}
	start, size = lockSpan(base, page-1, 2, page)
	if start != base || size != 2*page {
		t.Errorf("lockSpan straddling = %#x+%d, want %#x+%d", start, size, uintptr(base), 2*page)
	}
	if _, size := lockSpan(base, 0, 0, page); size != 0 {
		t.Errorf("zero-length lock size = %d", size)
	}
}

func TestUntilSpan(t *testing.T) {
	const page = 4096
	const base = 0x7f0000000000

	if _, size := untilSpan(base, page-1, page); size != 0 {
		t.Errorf("offset inside first page: size = %d, want 0", size)
	}
	start, size := untilSpan(base, 3*page+5, page)
	if start != base || size != 3*page {
		t.Errorf("untilSpan = %#x+%d, want %#x+%d", start, size, uintptr(base), 3*page)
	}
}

func TestOutOfRange(t *testing.T) {
	region := anonymousRegion(t, 1)
	size := region.Size()

	checks := map[string]error{
		"lock past end":      region.Lock(size, 1),
		"lock negative":      region.Lock(-1, 1),
		"release past end":   region.Release(0, size+1),
		"release until past": region.ReleaseUntil(size + 1),
		"release neg length": region.Release(0, -1),
		"unlock past end":    region.Unlock(0, size+1),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: err = %v, want ErrOutOfRange", name, err)
		}
	}
	if _, err := region.Slice(size-1, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Slice past end: err = %v", err)
	}
}

func TestLockRelease(t *testing.T) {
	region := anonymousRegion(t, 4)
	page := int64(region.PageSize())
	before := testutil.LockedMemory(t)
	locked := func() int64 { return testutil.LockedMemory(t) - before }

	// Half a page in, one page long: straddles pages 0 and 1.
	if err := region.Lock(page/2, page); err != nil {
		skipIfLockDenied(t, err)
		t.Fatalf("Lock: %v", err)
	}
	if got := locked(); got != 2*page {
		t.Fatalf("after Lock: locked = %d, want %d", got, 2*page)
	}

	// A sub-page release unpins nothing.
	if err := region.Release(page/2, page/4); err != nil {
		t.Fatalf("sub-page Release: %v", err)
	}
	if got := locked(); got != 2*page {
		t.Errorf("after sub-page Release: locked = %d, want %d", got, 2*page)
	}

	// Rounded down to page 0 and truncated to one whole page.
	if err := region.Release(page/2, page); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := locked(); got != page {
		t.Errorf("after Release: locked = %d, want %d", got, page)
	}

	// Locking again restores the earlier residency.
	if err := region.Lock(page/2, page); err != nil {
		skipIfLockDenied(t, err)
		t.Fatalf("relock: %v", err)
	}
	if got := locked(); got != 2*page {
		t.Errorf("after relock: locked = %d, want %d", got, 2*page)
	}

	if err := region.Unlock(page/2, page); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got := locked(); got != 0 {
		t.Errorf("after Unlock: locked = %d, want 0", got)
	}
}

func TestLockAllReleaseUntil(t *testing.T) {
	region := anonymousRegion(t, 4)
	page := int64(region.PageSize())
	before := testutil.LockedMemory(t)

	if err := region.LockAll(); err != nil {
		skipIfLockDenied(t, err)
		t.Fatalf("LockAll: %v", err)
	}
	if got := testutil.LockedMemory(t) - before; got != 4*page {
		t.Fatalf("after LockAll: locked = %d, want %d", got, 4*page)
	}

	// The page containing the offset stays pinned.
	if err := region.ReleaseUntil(2*page + 1); err != nil {
		t.Fatalf("ReleaseUntil: %v", err)
	}
	if got := testutil.LockedMemory(t) - before; got != 2*page {
		t.Errorf("after ReleaseUntil: locked = %d, want %d", got, 2*page)
	}

	if err := region.ReleaseUntil(region.Size()); err != nil {
		t.Fatalf("ReleaseUntil(size): %v", err)
	}
	if got := testutil.LockedMemory(t) - before; got != 0 {
		t.Errorf("after ReleaseUntil(size): locked = %d, want 0", got)
	}
}

func TestErrorUnwrapsErrno(t *testing.T) {
	err := error(&Error{Op: "mlock", Offset: 0, Length: 4096, Errno: syscall.ENOMEM})
	if !errors.Is(err, syscall.ENOMEM) {
		t.Errorf("errors.Is(%v, ENOMEM) = false", err)
	}
}
