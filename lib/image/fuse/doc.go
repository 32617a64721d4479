// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse serves an opened image through the kernel FUSE
// protocol using go-fuse's raw API.
//
// The adapter implements [fuse.RawFileSystem]: each request handler
// translates kernel inode numbers to engine inode numbers (the engine
// root is 0, the kernel root is [fuse.FUSE_ROOT_ID]), calls the
// [Engine], and replies with either data or an errno. Handlers never
// let a panic escape; a panic is logged and answered with EIO so the
// kernel always receives exactly one reply per request.
//
// [Session] owns one mount: it creates the mountpoint, mounts, serves
// requests until stopped, and unmounts. Stop may be called from any
// goroutine, including a signal handler, and is idempotent. Sessions
// are single-use.
//
// Entry and attribute timeouts are effectively infinite and kernel
// page caching is enabled unless cache_files is turned off, since the
// image never changes while mounted.
package fuse
