// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// RequireFUSE skips the test unless /dev/fuse is accessible and a
// fusermount helper is on PATH. Unprivileged mounts go through the
// helper, so the device alone is not enough.
func RequireFUSE(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
	if _, err := exec.LookPath("fusermount3"); err == nil {
		return
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		t.Skip("skipping: fusermount not on PATH")
	}
}

// MountDir returns a path under a fresh temporary directory that does
// not exist yet, so callers also exercise mountpoint creation.
func MountDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "mnt")
}
