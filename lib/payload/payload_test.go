// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendLocate(t *testing.T) {
	runtime := bytes.Repeat([]byte{0x7f}, 5000)
	image := []byte("TBKIMG image bytes")

	var packaged bytes.Buffer
	written, err := Append(&packaged, bytes.NewReader(runtime), bytes.NewReader(image))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if written != int64(packaged.Len()) {
		t.Errorf("Append reported %d bytes, wrote %d", written, packaged.Len())
	}

	located, offset, err := Locate(packaged.Bytes())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if offset != 8192 {
		t.Errorf("offset = %d, want 8192 (next page after the runtime)", offset)
	}
	if !bytes.Equal(located, image) {
		t.Errorf("located %q, want %q", located, image)
	}
	if !bytes.Equal(packaged.Bytes()[:len(runtime)], runtime) {
		t.Error("runtime bytes changed")
	}
}

func TestAppendAlignedRuntime(t *testing.T) {
	var packaged bytes.Buffer
	if _, err := Append(&packaged, bytes.NewReader(make([]byte, Alignment)), bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if _, offset, err := Locate(packaged.Bytes()); err != nil || offset != Alignment {
		t.Errorf("Locate = offset %d, %v; want %d without padding", offset, err, Alignment)
	}
}

func TestAppendEmptyImage(t *testing.T) {
	var packaged bytes.Buffer
	if _, err := Append(&packaged, bytes.NewReader([]byte("rt")), bytes.NewReader(nil)); err == nil {
		t.Error("Append accepted an empty image")
	}
}

func TestLocateErrors(t *testing.T) {
	if _, _, err := Locate([]byte("short")); !errors.Is(err, ErrNoPayload) {
		t.Errorf("short data: %v, want ErrNoPayload", err)
	}
	if _, _, err := Locate(bytes.Repeat([]byte{1}, 64)); !errors.Is(err, ErrNoPayload) {
		t.Errorf("no magic: %v, want ErrNoPayload", err)
	}

	corrupt := append(make([]byte, 8), Magic[:]...)
	corrupt = append(corrupt, 0xff, 0xff, 0, 0, 0, 0, 0, 0)
	_, _, err := Locate(corrupt)
	if err == nil || errors.Is(err, ErrNoPayload) {
		t.Errorf("out-of-range offset: %v, want a range error", err)
	}
}

func TestMap(t *testing.T) {
	var packaged bytes.Buffer
	if _, err := Append(&packaged, bytes.NewReader([]byte("#!runtime")), bytes.NewReader([]byte("image"))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, packaged.Bytes(), 0o755); err != nil {
		t.Fatal(err)
	}

	mapping, err := Map(path)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer mapping.Close()

	if !bytes.Equal(mapping.Bytes(), packaged.Bytes()) {
		t.Error("mapping differs from file content")
	}
	image, err := mapping.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if string(image) != "image" {
		t.Errorf("Image = %q, want %q", image, "image")
	}

	if err := mapping.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := mapping.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMapBareImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.tbk")
	if err := os.WriteFile(path, []byte("bare image without trailer"), 0o644); err != nil {
		t.Fatal(err)
	}
	mapping, err := Map(path)
	if err != nil {
		t.Fatal(err)
	}
	defer mapping.Close()

	image, err := mapping.Image()
	if err != nil {
		t.Fatal(err)
	}
	if string(image) != "bare image without trailer" {
		t.Errorf("Image = %q", image)
	}
}

func TestMapErrors(t *testing.T) {
	if _, err := Map(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Map of a missing file succeeded")
	}
	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Map(empty); err == nil {
		t.Error("Map of an empty file succeeded")
	}
}

func TestSelf(t *testing.T) {
	mapping, err := Self()
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	defer mapping.Close()
	if len(mapping.Bytes()) == 0 {
		t.Error("Self mapped nothing")
	}
	if _, _, err := Locate(mapping.Bytes()); !errors.Is(err, ErrNoPayload) {
		t.Errorf("test binary has a payload trailer? %v", err)
	}
}
