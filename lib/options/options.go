// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package options parses the comma-separated mount option string
// shared by the packaged runtime and tebako-mount, e.g.
//
//	cachesize=256M,workers=4,mlock=try,decratio=0.5,offset=auto
//
// Parsing starts from [Defaults]; keys this package does not know are
// kept in [MountOptions.Extra] and handed to the kernel mount.
package options

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/logging"
)

// ConfigurationError reports an invalid option. It is always detected
// before any mount is attempted.
type ConfigurationError struct {
	Option string
	Value  string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("option %s: %v", e.Option, e.Err)
	}
	return fmt.Sprintf("option %s=%s: %v", e.Option, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// MountOptions is the parsed option set.
type MountOptions struct {
	CacheSize       int64
	Workers         int
	LockMode        image.LockMode
	DecompressRatio float64
	ImageOffset     int64
	EnableNlink     bool
	ReadOnly        bool
	CacheImage      bool
	CacheFiles      bool
	DebugLevel      slog.Level
	SingleThreaded  bool
	AllowOther      bool
	FsName          string

	// Extra holds unrecognised options verbatim, in order.
	Extra []string
}

// Defaults returns the option set used when nothing is specified.
func Defaults() MountOptions {
	return MountOptions{
		CacheSize:       image.DefaultCacheSize,
		Workers:         image.DefaultWorkers,
		LockMode:        image.LockNone,
		DecompressRatio: image.DefaultDecompressRatio,
		ImageOffset:     0,
		CacheImage:      false,
		CacheFiles:      true,
		DebugLevel:      slog.LevelInfo,
		FsName:          "tebako",
	}
}

// Parse applies each option string, in order, on top of Defaults and
// validates the result. Empty strings are ignored, so repeated -o
// flags can be passed straight through.
func Parse(specs ...string) (MountOptions, error) {
	options := Defaults()
	for _, spec := range specs {
		if err := options.Apply(spec); err != nil {
			return MountOptions{}, err
		}
	}
	if err := options.Validate(); err != nil {
		return MountOptions{}, err
	}
	return options, nil
}

// Apply parses one option string into o. Later keys override earlier
// ones.
func (o *MountOptions) Apply(spec string) error {
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, hasValue := strings.Cut(item, "=")
		if err := o.set(key, value, hasValue); err != nil {
			return err
		}
	}
	return nil
}

func (o *MountOptions) set(key, value string, hasValue bool) error {
	fail := func(err error) error {
		return &ConfigurationError{Option: key, Value: value, Err: err}
	}
	need := func() error {
		if !hasValue || value == "" {
			return fail(errors.New("value required"))
		}
		return nil
	}
	flag := func(target *bool, to bool) error {
		if hasValue {
			return fail(errors.New("takes no value"))
		}
		*target = to
		return nil
	}

	switch key {
	case "cachesize":
		if err := need(); err != nil {
			return err
		}
		size, err := ParseSize(value)
		if err != nil {
			return fail(err)
		}
		o.CacheSize = size
	case "workers":
		if err := need(); err != nil {
			return err
		}
		workers, err := strconv.Atoi(value)
		if err != nil {
			return fail(err)
		}
		o.Workers = workers
	case "mlock":
		if err := need(); err != nil {
			return err
		}
		mode, err := image.ParseLockMode(value)
		if err != nil {
			return fail(err)
		}
		o.LockMode = mode
	case "decratio":
		if err := need(); err != nil {
			return err
		}
		ratio, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fail(err)
		}
		o.DecompressRatio = ratio
	case "offset":
		if err := need(); err != nil {
			return err
		}
		if value == "auto" {
			o.ImageOffset = image.OffsetAuto
			break
		}
		offset, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fail(err)
		}
		o.ImageOffset = offset
	case "debuglevel":
		if err := need(); err != nil {
			return err
		}
		level, err := logging.ParseLevel(value)
		if err != nil {
			return fail(err)
		}
		o.DebugLevel = level
	case "fsname":
		if err := need(); err != nil {
			return err
		}
		o.FsName = value
	case "enable_nlink":
		return flag(&o.EnableNlink, true)
	case "readonly":
		return flag(&o.ReadOnly, true)
	case "cache_image":
		return flag(&o.CacheImage, true)
	case "no_cache_image":
		return flag(&o.CacheImage, false)
	case "cache_files":
		return flag(&o.CacheFiles, true)
	case "no_cache_files":
		return flag(&o.CacheFiles, false)
	case "singlethread":
		return flag(&o.SingleThreaded, true)
	case "allow_other":
		return flag(&o.AllowOther, true)
	default:
		if hasValue {
			o.Extra = append(o.Extra, key+"="+value)
		} else {
			o.Extra = append(o.Extra, key)
		}
	}
	return nil
}

// Validate checks value ranges.
func (o *MountOptions) Validate() error {
	if !(o.DecompressRatio >= 0 && o.DecompressRatio <= 1) {
		return &ConfigurationError{
			Option: "decratio",
			Value:  strconv.FormatFloat(o.DecompressRatio, 'g', -1, 64),
			Err:    errors.New("must be between 0.0 and 1.0"),
		}
	}
	if o.Workers < 1 {
		return &ConfigurationError{Option: "workers", Value: strconv.Itoa(o.Workers), Err: errors.New("must be at least 1")}
	}
	if o.CacheSize <= 0 {
		return &ConfigurationError{Option: "cachesize", Value: strconv.FormatInt(o.CacheSize, 10), Err: errors.New("must be positive")}
	}
	if o.ImageOffset < 0 && o.ImageOffset != image.OffsetAuto {
		return &ConfigurationError{Option: "offset", Value: strconv.FormatInt(o.ImageOffset, 10), Err: errors.New("must not be negative")}
	}
	return nil
}

// ImageOptions converts to the engine's options. Without cache_image
// a block's stored pages are unpinned once it is fully decoded.
func (o *MountOptions) ImageOptions(logger *slog.Logger) image.Options {
	return image.Options{
		CacheSize:       o.CacheSize,
		Workers:         o.Workers,
		LockMode:        o.LockMode,
		DecompressRatio: o.DecompressRatio,
		ImageOffset:     o.ImageOffset,
		ReleasePages:    !o.CacheImage,
		EnableNlink:     o.EnableNlink,
		ReadOnly:        o.ReadOnly,
		Logger:          logger,
	}
}

// String renders the options in canonical form. Parse(o.String())
// reproduces o.
func (o *MountOptions) String() string {
	items := []string{
		"cachesize=" + strconv.FormatInt(o.CacheSize, 10),
		"workers=" + strconv.Itoa(o.Workers),
		"mlock=" + o.LockMode.String(),
		"decratio=" + strconv.FormatFloat(o.DecompressRatio, 'g', -1, 64),
		"debuglevel=" + logging.LevelName(o.DebugLevel),
		"fsname=" + o.FsName,
	}
	if o.ImageOffset == image.OffsetAuto {
		items = append(items, "offset=auto")
	} else {
		items = append(items, "offset="+strconv.FormatInt(o.ImageOffset, 10))
	}
	flags := []struct {
		set  bool
		name string
	}{
		{o.EnableNlink, "enable_nlink"},
		{o.ReadOnly, "readonly"},
		{o.CacheImage, "cache_image"},
		{!o.CacheFiles, "no_cache_files"},
		{o.SingleThreaded, "singlethread"},
		{o.AllowOther, "allow_other"},
	}
	for _, f := range flags {
		if f.set {
			items = append(items, f.name)
		}
	}
	items = append(items, o.Extra...)
	return strings.Join(items, ",")
}

// ParseSize parses a byte count. A bare K, M, G or T suffix is binary
// (512M is 512 MiB); other forms such as "1.5GiB" or "100MB" follow
// go-humanize.
func ParseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty size")
	}
	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'k', 'K':
		multiplier = 1 << 10
	case 'm', 'M':
		multiplier = 1 << 20
	case 'g', 'G':
		multiplier = 1 << 30
	case 't', 'T':
		multiplier = 1 << 40
	}
	if multiplier > 1 {
		number, err := strconv.ParseInt(strings.TrimSpace(value[:len(value)-1]), 10, 64)
		if err == nil {
			if number < 0 || number > (1<<62)/multiplier {
				return 0, fmt.Errorf("size %q out of range", value)
			}
			return number * multiplier, nil
		}
	}
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if size > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", value)
	}
	return int64(size), nil
}

// FormatSize renders a byte count for logs and usage text.
func FormatSize(size int64) string {
	return humanize.IBytes(uint64(size))
}
