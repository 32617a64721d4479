// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/tamatebako/tebako/lib/codec"
	"github.com/tamatebako/tebako/lib/image"
)

// inspectReport is the --json form of image.Info.
type inspectReport struct {
	Offset       int64          `json:"offset"`
	ImageSize    uint64         `json:"image_size"`
	BlockSize    uint32         `json:"block_size"`
	Blocks       int            `json:"blocks"`
	StoredBytes  uint64         `json:"stored_bytes"`
	DecodedBytes uint64         `json:"decoded_bytes"`
	Compression  map[string]int `json:"compression"`
	Inodes       int            `json:"inodes"`
	FileBytes    uint64         `json:"file_bytes"`
	Created      time.Time      `json:"created"`
}

func newInspectReport(info image.Info) inspectReport {
	report := inspectReport{
		Offset:       info.Offset,
		ImageSize:    info.ImageSize,
		BlockSize:    info.BlockSize,
		Blocks:       info.Blocks,
		StoredBytes:  info.StoredBytes,
		DecodedBytes: info.DecodedBytes,
		Compression:  make(map[string]int, len(info.ByCodec)),
		Inodes:       info.Inodes,
		FileBytes:    info.FileBytes,
		Created:      info.Created.UTC(),
	}
	for codec, count := range info.ByCodec {
		report.Compression[codec.String()] = count
	}
	return report
}

func inspectCommand(stdout io.Writer) *command {
	var (
		offset       string
		jsonOutput   bool
		dumpMetadata bool
	)
	return &command{
		Name:    "inspect",
		Summary: "Show the layout of an image",
		Usage:   "[flags] IMAGE",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.StringVar(&offset, "offset", "0", "image offset in bytes, or auto")
			flagSet.BoolVar(&jsonOutput, "json", false, "print JSON")
			flagSet.BoolVar(&dumpMetadata, "metadata", false, "print the inode table in CBOR diagnostic notation")
			return flagSet
		},
		Run: func(args []string) error {
			if err := exactArgs(args, 1, "tebako-image inspect [flags] IMAGE"); err != nil {
				return err
			}
			img, closeImage, err := openImage(args[0], offset)
			if err != nil {
				return err
			}
			defer closeImage()

			if dumpMetadata {
				raw, err := img.RawMetadata()
				if err != nil {
					return err
				}
				notation, err := codec.Diagnose(raw)
				if err != nil {
					return fmt.Errorf("decoding metadata: %w", err)
				}
				fmt.Fprintln(stdout, notation)
				return nil
			}

			report := newInspectReport(img.Info())
			if jsonOutput {
				encoder := json.NewEncoder(stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			printInspectReport(report, stdout)
			return nil
		},
	}
}

func printInspectReport(report inspectReport, stdout io.Writer) {
	ratio := 0.0
	if report.DecodedBytes > 0 {
		ratio = float64(report.StoredBytes) / float64(report.DecodedBytes) * 100
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "offset:\t%d\n", report.Offset)
	fmt.Fprintf(tw, "image size:\t%s\n", humanize.IBytes(report.ImageSize))
	fmt.Fprintf(tw, "block size:\t%s\n", humanize.IBytes(uint64(report.BlockSize)))
	fmt.Fprintf(tw, "blocks:\t%d\n", report.Blocks)
	fmt.Fprintf(tw, "stored:\t%s (%.1f%% of %s)\n",
		humanize.IBytes(report.StoredBytes), ratio, humanize.IBytes(report.DecodedBytes))
	codecs := make([]string, 0, len(report.Compression))
	for codec := range report.Compression {
		codecs = append(codecs, codec)
	}
	slices.Sort(codecs)
	for _, codec := range codecs {
		fmt.Fprintf(tw, "  %s blocks:\t%d\n", codec, report.Compression[codec])
	}
	fmt.Fprintf(tw, "inodes:\t%s\n", humanize.Comma(int64(report.Inodes)))
	fmt.Fprintf(tw, "file data:\t%s\n", humanize.IBytes(report.FileBytes))
	fmt.Fprintf(tw, "created:\t%s\n", report.Created.Format(time.RFC3339))
	tw.Flush()
}
