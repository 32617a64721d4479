// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/tamatebako/tebako/lib/image"
)

func lsCommand(stdout io.Writer) *command {
	var (
		long   bool
		offset string
	)
	return &command{
		Name:    "ls",
		Summary: "List the entries under a path in an image",
		Usage:   "[flags] IMAGE [PATH]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
			flagSet.BoolVarP(&long, "long", "l", false, "show mode, owner, size and modification time")
			flagSet.StringVar(&offset, "offset", "0", "image offset in bytes, or auto")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("expected IMAGE [PATH]\n\nusage: tebako-image ls [flags] IMAGE [PATH]")
			}
			root := "/"
			if len(args) == 2 {
				root = path.Clean("/" + args[1])
			}
			img, closeImage, err := openImage(args[0], offset)
			if err != nil {
				return err
			}
			defer closeImage()
			return listImage(img, root, long, stdout)
		},
	}
}

func listImage(img *image.Image, root string, long bool, stdout io.Writer) error {
	if _, err := img.Resolve(root); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 1, ' ', 0)
	defer tw.Flush()

	return img.Walk(func(p string, entry image.Entry) error {
		if !within(p, root) {
			if entry.IsDir() && !within(root, p) {
				return image.SkipDir
			}
			return nil
		}
		if !long {
			fmt.Fprintln(tw, p)
			return nil
		}
		attr, err := img.Getattr(entry)
		if err != nil {
			return err
		}
		name := p
		if entry.IsSymlink() {
			target, err := img.Readlink(entry)
			if err != nil {
				return err
			}
			name += " -> " + target
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			fileMode(attr.Mode), attr.UID, attr.GID, attr.Size,
			attr.Mtime.UTC().Format("2006-01-02 15:04"), name)
		return nil
	})
}

// within reports whether p is root or below it.
func within(p, root string) bool {
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
