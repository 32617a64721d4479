// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package memregion wraps the in-memory filesystem image as a byte
// range with page-granular residency control.
//
// The image bytes are owned by whoever mapped them (usually
// lib/payload, mapping the running executable read-only). A [Region]
// never copies or frees them; it only pins pages into RAM with mlock
// and unpins them with munlock. Both operate on whole pages of the
// underlying mapping:
//
//   - [Region.Lock] pins every page touched by the requested range.
//   - [Region.Release] unpins only pages wholly covered after rounding
//     the start down to its page boundary: the start is moved back by
//     its misalignment, the length grows by the same amount, and the
//     result is truncated to whole pages. A range shorter than one page
//     after this adjustment is a no-op.
//   - [Region.ReleaseUntil] unpins every whole page that lies before
//     the page containing the given offset.
//
// Addresses are computed on the absolute address of the image, not on
// offsets into it, so an image that starts mid-page (an image appended
// to an executable) rounds the same way the kernel does.
package memregion
