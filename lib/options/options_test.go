// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/logging"
)

func TestDefaults(t *testing.T) {
	options, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := MountOptions{
		CacheSize:       512 << 20,
		Workers:         2,
		LockMode:        image.LockNone,
		DecompressRatio: 0.8,
		CacheFiles:      true,
		DebugLevel:      slog.LevelInfo,
		FsName:          "tebako",
	}
	if diff := cmp.Diff(want, options); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestEveryKey(t *testing.T) {
	options, err := Parse(
		"cachesize=64M,workers=4,mlock=try,decratio=0.5,offset=4096",
		"enable_nlink,readonly,cache_image,no_cache_files,debuglevel=trace",
		"singlethread,allow_other,fsname=app",
	)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := MountOptions{
		CacheSize:       64 << 20,
		Workers:         4,
		LockMode:        image.LockTry,
		DecompressRatio: 0.5,
		ImageOffset:     4096,
		EnableNlink:     true,
		ReadOnly:        true,
		CacheImage:      true,
		CacheFiles:      false,
		DebugLevel:      logging.LevelTrace,
		SingleThreaded:  true,
		AllowOther:      true,
		FsName:          "app",
	}
	if diff := cmp.Diff(want, options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestLaterKeysOverride(t *testing.T) {
	options, err := Parse("cache_image,workers=3", "no_cache_image,workers=5")
	if err != nil {
		t.Fatal(err)
	}
	if options.CacheImage || options.Workers != 5 {
		t.Errorf("CacheImage=%v Workers=%d, want false/5", options.CacheImage, options.Workers)
	}
}

func TestOffsetAuto(t *testing.T) {
	options, err := Parse("offset=auto")
	if err != nil {
		t.Fatal(err)
	}
	if options.ImageOffset != image.OffsetAuto {
		t.Errorf("ImageOffset = %d, want OffsetAuto", options.ImageOffset)
	}
}

func TestUnknownOptionsPassThrough(t *testing.T) {
	options, err := Parse("ro,max_read=131072,workers=1,default_permissions")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ro", "max_read=131072", "default_permissions"}, options.Extra); diff != "" {
		t.Errorf("Extra mismatch (-want +got):\n%s", diff)
	}
}

func TestDecompressRatioBounds(t *testing.T) {
	for _, value := range []string{"0", "1", "0.0", "1.0"} {
		if _, err := Parse("decratio=" + value); err != nil {
			t.Errorf("decratio=%s rejected: %v", value, err)
		}
	}
	for _, value := range []string{"-0.01", "1.01", "nan", "NaN", "-inf"} {
		_, err := Parse("decratio=" + value)
		var configErr *ConfigurationError
		if !errors.As(err, &configErr) {
			t.Errorf("decratio=%s: error = %v, want *ConfigurationError", value, err)
			continue
		}
		if configErr.Option != "decratio" {
			t.Errorf("decratio=%s: Option = %q", value, configErr.Option)
		}
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		spec   string
		option string
	}{
		{"cachesize=lots", "cachesize"},
		{"cachesize=", "cachesize"},
		{"workers=two", "workers"},
		{"workers=0", "workers"},
		{"mlock=always", "mlock"},
		{"decratio=half", "decratio"},
		{"offset=-5", "offset"},
		{"offset=abc", "offset"},
		{"debuglevel=loud", "debuglevel"},
		{"readonly=yes", "readonly"},
		{"fsname", "fsname"},
	}
	for _, test := range tests {
		_, err := Parse(test.spec)
		var configErr *ConfigurationError
		if !errors.As(err, &configErr) {
			t.Errorf("Parse(%q) error = %v, want *ConfigurationError", test.spec, err)
			continue
		}
		if configErr.Option != test.option {
			t.Errorf("Parse(%q) Option = %q, want %q", test.spec, configErr.Option, test.option)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"4096", 4096},
		{"512K", 512 << 10},
		{"512M", 512 << 20},
		{"2g", 2 << 30},
		{"1T", 1 << 40},
		{"1GiB", 1 << 30},
		{"100MB", 100_000_000},
	}
	for _, test := range tests {
		got, err := ParseSize(test.value)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", test.value, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseSize(%q) = %d, want %d", test.value, got, test.want)
		}
	}
	for _, bad := range []string{"", "M", "-1M", "ten"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) succeeded", bad)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	original, err := Parse("cachesize=1G,mlock=must,offset=auto,no_cache_files,enable_nlink,debuglevel=debug,ro")
	if err != nil {
		t.Fatal(err)
	}
	reparsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", original.String(), err)
	}
	if diff := cmp.Diff(original, reparsed); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImageOptions(t *testing.T) {
	options, err := Parse("cachesize=1M,workers=3,decratio=0.25,readonly")
	if err != nil {
		t.Fatal(err)
	}
	converted := options.ImageOptions(nil)
	if converted.CacheSize != 1<<20 || converted.Workers != 3 || converted.DecompressRatio != 0.25 {
		t.Errorf("ImageOptions = %+v", converted)
	}
	if !converted.ReleasePages {
		t.Error("ReleasePages should follow no_cache_image (the default)")
	}
	if !converted.ReadOnly {
		t.Error("ReadOnly not carried over")
	}
}

func TestUsageMentionsEveryKey(t *testing.T) {
	usage := Usage()
	for _, key := range []string{"cachesize", "debuglevel", "workers", "mlock", "decratio", "offset",
		"enable_nlink", "readonly", "cache_image", "cache_files", "512 MiB"} {
		if !strings.Contains(usage, key) {
			t.Errorf("usage does not mention %q", key)
		}
	}
}
