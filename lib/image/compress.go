// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a block (or the metadata) is stored.
// Values are written into images and must not change.
type Compression uint8

const (
	// CompressionNone stores bytes as-is. The builder falls back to
	// it for any block that does not shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: fast decode, modest
	// ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. The only codec
	// that supports partial decoding of a block.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func (c Compression) valid() bool {
	return c <= CompressionZstd
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want none, lz4 or zstd)", name)
}

// errIncompressible is returned by the compressors when the output is
// not smaller than the input. The caller stores the block raw.
var errIncompressible = errors.New("data is incompressible")

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// use through EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("image: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("image: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes data with c, or returns errIncompressible.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

// compressOrStore compresses data with c, falling back to
// CompressionNone when it does not shrink.
func compressOrStore(data []byte, c Compression) ([]byte, Compression, error) {
	compressed, err := compress(data, c)
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, c, nil
}

// decompress decodes a whole stored payload. decodedSize must match
// exactly.
func decompress(stored []byte, c Compression, decodedSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(stored) != decodedSize {
			return nil, fmt.Errorf("stored block: size %d does not match expected %d", len(stored), decodedSize)
		}
		return stored, nil
	case CompressionLZ4:
		destination := make([]byte, decodedSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != decodedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, decodedSize)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, decodedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != decodedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), decodedSize)
		}
		return result, nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

// streamDecoder decodes a zstd block incrementally into a buffer
// sized for the whole block.
type streamDecoder struct {
	decoder *zstd.Decoder
	buffer  []byte
	decoded int
}

func newStreamDecoder(stored []byte, decodedSize int) (*streamDecoder, error) {
	// Concurrency 1 decodes synchronously on the calling goroutine.
	decoder, err := zstd.NewReader(bytes.NewReader(stored),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd stream: %w", err)
	}
	return &streamDecoder{decoder: decoder, buffer: make([]byte, decodedSize)}, nil
}

// decodeTo advances until at least target bytes are decoded.
func (s *streamDecoder) decodeTo(target int) error {
	if target > len(s.buffer) {
		target = len(s.buffer)
	}
	if target <= s.decoded {
		return nil
	}
	read, err := io.ReadFull(s.decoder, s.buffer[s.decoded:target])
	s.decoded += read
	if err != nil {
		return fmt.Errorf("zstd stream: decoded %d of %d bytes: %w", s.decoded, len(s.buffer), err)
	}
	return nil
}

// finish decodes the remainder, checks for trailing data and releases
// the decoder.
func (s *streamDecoder) finish() error {
	defer s.close()
	if err := s.decodeTo(len(s.buffer)); err != nil {
		return err
	}
	var extra [1]byte
	if read, _ := s.decoder.Read(extra[:]); read != 0 {
		return fmt.Errorf("zstd stream: more than %d decoded bytes", len(s.buffer))
	}
	return nil
}

func (s *streamDecoder) close() {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
}
