// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"testing"
)

// LockedMemory returns the process's mlocked memory in bytes, read
// from the VmLck line of /proc/self/status. Skips the test when the
// file or the line is unavailable.
func LockedMemory(t *testing.T) int64 {
	t.Helper()
	file, err := os.Open("/proc/self/status")
	if err != nil {
		t.Skipf("skipping: cannot read /proc/self/status: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		value, found := strings.CutPrefix(scanner.Text(), "VmLck:")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) != 2 || fields[1] != "kB" {
			t.Fatalf("unexpected VmLck line %q", scanner.Text())
		}
		kilobytes, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			t.Fatalf("parsing VmLck %q: %v", fields[0], err)
		}
		return kilobytes * 1024
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading /proc/self/status: %v", err)
	}
	t.Skip("skipping: /proc/self/status has no VmLck line")
	return 0
}
