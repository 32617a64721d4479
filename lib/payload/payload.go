// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload locates an image appended to an executable.
//
// A packaged executable is the runtime binary, zero padding up to a
// page boundary, the image, and a 16-byte trailer:
//
//	[runtime][padding][image][magic "TBKPAYLD"][image offset u64 LE]
//
// The page-aligned image start lets memory pinning cover exactly the
// image's pages. Files without a trailer are treated as a bare image.
package payload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Magic marks a payload trailer.
var Magic = [8]byte{'T', 'B', 'K', 'P', 'A', 'Y', 'L', 'D'}

// TrailerSize is the size of the trailer at the end of a packaged
// executable.
const TrailerSize = 16

// Alignment is the boundary the image starts on.
const Alignment = 4096

// ErrNoPayload is returned by Locate when data has no trailer.
var ErrNoPayload = errors.New("payload: no trailer")

// Locate returns the image embedded in data and its offset.
func Locate(data []byte) ([]byte, int64, error) {
	if len(data) < TrailerSize {
		return nil, 0, ErrNoPayload
	}
	trailer := data[len(data)-TrailerSize:]
	if !bytes.Equal(trailer[0:8], Magic[:]) {
		return nil, 0, ErrNoPayload
	}
	offset := binary.LittleEndian.Uint64(trailer[8:16])
	end := uint64(len(data) - TrailerSize)
	if offset >= end {
		return nil, 0, fmt.Errorf("payload: image offset %d outside the %d-byte file", offset, end)
	}
	return data[offset:end], int64(offset), nil
}

// Append copies runtime, padding, image and a trailer to w.
func Append(w io.Writer, runtime, image io.Reader) (int64, error) {
	counter := &countingWriter{writer: w}
	if _, err := io.Copy(counter, runtime); err != nil {
		return counter.count, fmt.Errorf("copying runtime: %w", err)
	}
	if pad := (Alignment - counter.count%Alignment) % Alignment; pad > 0 {
		if _, err := counter.Write(make([]byte, pad)); err != nil {
			return counter.count, fmt.Errorf("padding runtime: %w", err)
		}
	}
	offset := counter.count
	if _, err := io.Copy(counter, image); err != nil {
		return counter.count, fmt.Errorf("copying image: %w", err)
	}
	if counter.count == offset {
		return counter.count, errors.New("payload: empty image")
	}
	var trailer [TrailerSize]byte
	copy(trailer[0:8], Magic[:])
	binary.LittleEndian.PutUint64(trailer[8:16], uint64(offset))
	if _, err := counter.Write(trailer[:]); err != nil {
		return counter.count, fmt.Errorf("writing trailer: %w", err)
	}
	return counter.count, nil
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

// Mapping is a read-only memory map of a whole file.
type Mapping struct {
	data []byte
}

// Map memory-maps path read-only.
func Map(path string) (*Mapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	return &Mapping{data: data}, nil
}

// Self maps the running executable.
func Self() (*Mapping, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return Map(path)
}

// Bytes returns the mapped file.
func (m *Mapping) Bytes() []byte { return m.data }

// Image returns the embedded image, or the whole file when it carries
// no trailer.
func (m *Mapping) Image() ([]byte, error) {
	image, _, err := Locate(m.data)
	if errors.Is(err, ErrNoPayload) {
		return m.data, nil
	}
	return image, err
}

// Close unmaps the file. Slices returned earlier become invalid.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
