// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tamatebako/tebako/lib/options"
	"github.com/tamatebako/tebako/lib/testutil"
)

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionOptions{Engine: testImage(t)}); err == nil {
		t.Error("NewSession without mountpoint succeeded")
	}
	if _, err := NewSession(SessionOptions{Mountpoint: t.TempDir()}); err == nil {
		t.Error("NewSession without engine succeeded")
	}
}

func TestServeSetupFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	session, err := NewSession(SessionOptions{
		Mountpoint: filepath.Join(blocker, "mnt"),
		Engine:     testImage(t),
		Options:    options.Defaults(),
		Signals:    []os.Signal{},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = session.Serve()
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Step != "create mountpoint" {
		t.Fatalf("Serve error = %v, want SetupError at create mountpoint", err)
	}
	if session.State() != StateDestroyed {
		t.Errorf("State = %v, want destroyed", session.State())
	}
	if session.IsReady() {
		t.Error("IsReady after failed setup")
	}
	if err := session.Serve(); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Serve error = %v, want ErrSessionUsed", err)
	}
	if err := session.Wait(t.Context()); !errors.Is(err, ErrNotServing) {
		t.Errorf("Wait after failure = %v, want ErrNotServing", err)
	}
}

func TestStopBeforeServeIsIdempotent(t *testing.T) {
	session, err := NewSession(SessionOptions{Mountpoint: t.TempDir(), Engine: testImage(t)})
	if err != nil {
		t.Fatal(err)
	}
	session.Stop()
	session.Stop()
	if session.IsReady() {
		t.Error("IsReady on a stopped session")
	}
	if session.State() != StateUnmounted {
		t.Errorf("State = %v, want unmounted", session.State())
	}
}

// serve mounts the test image and returns the mountpoint. The session
// is stopped when the test ends.
func serve(t *testing.T, mountOptions options.MountOptions) (*Session, string, <-chan error) {
	t.Helper()
	testutil.RequireFUSE(t)
	mountpoint := testutil.MountDir(t)
	session, err := NewSession(SessionOptions{
		Mountpoint: mountpoint,
		Engine:     testImage(t),
		Options:    mountOptions,
		Signals:    []os.Signal{},
	})
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	go func() { result <- session.Serve() }()
	t.Cleanup(func() {
		session.Stop()
		testutil.RequireClosed(t, session.Done(), 10*time.Second, "session shutdown")
	})

	if err := session.Wait(t.Context()); err != nil {
		if errors.Is(err, ErrNotServing) {
			t.Skipf("skipping: cannot mount here: %v", <-result)
		}
		t.Fatalf("Wait: %v", err)
	}
	if !session.IsReady() {
		t.Fatal("session not ready after Wait")
	}
	return session, mountpoint, result
}

func TestMountedFilesystem(t *testing.T) {
	_, mountpoint, _ := serve(t, options.Defaults())

	content, err := os.ReadFile(filepath.Join(mountpoint, "main.rb"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(content, mainScript) {
		t.Errorf("main.rb = %q", content)
	}

	blob, err := os.ReadFile(filepath.Join(mountpoint, "lib", "data.bin"))
	if err != nil {
		t.Fatalf("ReadFile data.bin: %v", err)
	}
	if !bytes.Equal(blob, dataBlob()) {
		t.Error("data.bin differs")
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	if len(names) != 3 || names[0] != "bin" || names[1] != "lib" || names[2] != "main.rb" {
		t.Errorf("root entries = %v", names)
	}

	target, err := os.Readlink(filepath.Join(mountpoint, "bin", "ruby"))
	if err != nil || target != "../lib/app.rb" {
		t.Errorf("Readlink = %q, %v", target, err)
	}

	buffer := make([]byte, 32)
	n, err := unix.Getxattr(mountpoint, PidXattr, buffer)
	if err != nil {
		t.Fatalf("Getxattr: %v", err)
	}
	if string(buffer[:n]) != strconv.Itoa(os.Getpid()) {
		t.Errorf("driver pid = %q, want %d", buffer[:n], os.Getpid())
	}

	if err := os.WriteFile(filepath.Join(mountpoint, "new.rb"), nil, 0o644); err == nil {
		t.Error("creating a file on the read-only mount succeeded")
	}
}

func TestStopEndsServe(t *testing.T) {
	session, mountpoint, result := serve(t, options.Defaults())

	session.Stop()
	if err := testutil.RequireReceive(t, result, 10*time.Second, "Serve return"); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if session.IsReady() {
		t.Error("IsReady after Stop")
	}
	if session.State() != StateDestroyed {
		t.Errorf("State = %v, want destroyed", session.State())
	}
	if _, err := os.Stat(filepath.Join(mountpoint, "main.rb")); err == nil {
		t.Error("image still visible after Stop")
	}
	session.Stop()
}
