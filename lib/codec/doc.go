// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by
// everything that persists structured data inside an image.
//
// The image metadata block (inode table, directory listings, chunk
// lists) is CBOR. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items, so building the same tree twice produces
// byte-identical metadata.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Struct types use `cbor` tags. Image metadata never round-trips
// through JSON.
package codec
