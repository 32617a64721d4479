// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package argv builds the argument vector a packaged executable
// re-executes with once its image is mounted.
//
// In the normal mode the entry point inside the mount is inserted as
// the first argument:
//
//	prog a.rb b  ->  prog /mnt/img/main.rb a.rb b
//
// In extract mode (the first user argument is ExtractFlag) the vector
// instead runs a short host script that copies the mounted tree to a
// destination directory:
//
//	prog --tebako-extract out  ->  prog -e "<copy /mnt/img to out>"
//
// The caller's slice is never modified. A Vector owns its strings and
// builds the NUL-terminated pointer view an exec call needs at most
// once, so the view stays valid for as long as the Vector is retained.
package argv

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
)

// ExtractFlag selects extract mode when it is the first user argument.
const ExtractFlag = "--tebako-extract"

// DefaultExtractDir is the extract destination when none is given.
const DefaultExtractDir = "source_filesystem"

// BuildError reports why a vector could not be built. The original
// arguments are untouched and can still be used to report the failure.
type BuildError struct {
	Reason string
}

func (e *BuildError) Error() string {
	return "building argument vector: " + e.Reason
}

// Vector is a rewritten argument vector.
type Vector struct {
	args []string

	once     sync.Once
	pointers []*byte
	err      error
}

// Args returns a copy of the arguments.
func (v *Vector) Args() []string {
	return append([]string(nil), v.args...)
}

// Len returns the argument count.
func (v *Vector) Len() int { return len(v.args) }

// Pointers returns the NUL-terminated C view of the vector, with a
// trailing nil. The result is built once and shared by later calls.
func (v *Vector) Pointers() ([]*byte, error) {
	v.once.Do(func() {
		v.pointers, v.err = syscall.SlicePtrFromStrings(v.args)
	})
	return v.pointers, v.err
}

func (v *Vector) String() string {
	return strings.Join(v.args, " ")
}

// newVector copies args into a Vector, rejecting NUL bytes that would
// truncate an argument in the C view.
func newVector(args ...string) (*Vector, error) {
	for i, arg := range args {
		if strings.IndexByte(arg, 0) >= 0 {
			return nil, &BuildError{Reason: fmt.Sprintf("argument %d contains a NUL byte", i)}
		}
	}
	return &Vector{args: args}, nil
}

// Rewrite returns [args[0], mountpoint+entrypoint, args[1:]...].
func Rewrite(args []string, mountpoint, entrypoint string) (*Vector, error) {
	if len(args) == 0 {
		return nil, &BuildError{Reason: "empty argument list"}
	}
	if mountpoint == "" {
		return nil, &BuildError{Reason: "empty mount point"}
	}
	if entrypoint == "" {
		return nil, &BuildError{Reason: "empty entry point"}
	}
	rewritten := make([]string, 0, len(args)+1)
	rewritten = append(rewritten, args[0], joinMount(mountpoint, entrypoint))
	rewritten = append(rewritten, args[1:]...)
	return newVector(rewritten...)
}

// IsExtract reports whether args request extract mode.
func IsExtract(args []string) bool {
	return len(args) > 1 && args[1] == ExtractFlag
}

// Extract returns [args[0], host.Flag(), script] where script copies
// the tree at mountpoint to args[2], or DefaultExtractDir when absent.
func Extract(args []string, mountpoint string, host Host) (*Vector, error) {
	if len(args) == 0 {
		return nil, &BuildError{Reason: "empty argument list"}
	}
	if mountpoint == "" {
		return nil, &BuildError{Reason: "empty mount point"}
	}
	if host == nil {
		host = RubyHost{}
	}
	destination := DefaultExtractDir
	if len(args) > 2 && args[2] != "" {
		destination = args[2]
	}
	return newVector(args[0], host.Flag(), host.Script(mountpoint, destination))
}

// Build picks extract mode when args ask for it and normal re-exec
// otherwise.
func Build(args []string, mountpoint, entrypoint string, host Host) (*Vector, error) {
	if IsExtract(args) {
		return Extract(args, mountpoint, host)
	}
	return Rewrite(args, mountpoint, entrypoint)
}

// joinMount concatenates the mount point and an image-absolute path
// with exactly one separator.
func joinMount(mountpoint, entrypoint string) string {
	return strings.TrimRight(mountpoint, "/") + "/" + strings.TrimLeft(entrypoint, "/")
}
