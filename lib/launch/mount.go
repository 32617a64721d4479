// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tamatebako/tebako/lib/image"
	"github.com/tamatebako/tebako/lib/image/fuse"
	"github.com/tamatebako/tebako/lib/memregion"
	"github.com/tamatebako/tebako/lib/options"
)

// Request describes a mount. Nil pointer fields keep the value from
// Options (or its default).
type Request struct {
	// Mountpoint is where the image appears. Required.
	Mountpoint string

	// Options is a mount option string applied before the
	// individual overrides below.
	Options string

	LogLevel        *slog.Level
	CacheSize       *int64
	Workers         *int
	LockMode        *image.LockMode
	DecompressRatio *float64
	ImageOffset     *int64

	// Signals stop the mount when received. Nil installs the
	// session's default set; an empty slice installs none, for
	// callers that forward signals to a child instead.
	Signals []os.Signal

	// Launch tunes startup polling. Logger is filled from Logger
	// when unset.
	Launch Options

	// Logger receives diagnostics from every layer.
	Logger *slog.Logger
}

// resolve merges the option string and overrides.
func (r *Request) resolve() (options.MountOptions, error) {
	mountOptions := options.Defaults()
	if err := mountOptions.Apply(r.Options); err != nil {
		return options.MountOptions{}, err
	}
	if r.LogLevel != nil {
		mountOptions.DebugLevel = *r.LogLevel
	}
	if r.CacheSize != nil {
		mountOptions.CacheSize = *r.CacheSize
	}
	if r.Workers != nil {
		mountOptions.Workers = *r.Workers
	}
	if r.LockMode != nil {
		mountOptions.LockMode = *r.LockMode
	}
	if r.DecompressRatio != nil {
		mountOptions.DecompressRatio = *r.DecompressRatio
	}
	if r.ImageOffset != nil {
		mountOptions.ImageOffset = *r.ImageOffset
	}
	if err := mountOptions.Validate(); err != nil {
		return options.MountOptions{}, err
	}
	return mountOptions, nil
}

// Mounted is a running mount returned by Mount.
type Mounted struct {
	Mountpoint   string
	Options      options.MountOptions
	image        *image.Image
	session      *fuse.Session
	orchestrator *Orchestrator
}

// Mount opens the image held in data and serves it at
// request.Mountpoint, returning once the mount is ready. data must stay
// valid until Unmount returns.
func Mount(data []byte, request Request) (*Mounted, error) {
	if request.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	mountOptions, err := request.resolve()
	if err != nil {
		return nil, err
	}
	logger := request.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	region, err := memregion.New(data)
	if err != nil {
		return nil, err
	}
	img, err := image.Open(region, mountOptions.ImageOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	session, err := fuse.NewSession(fuse.SessionOptions{
		Mountpoint: request.Mountpoint,
		Engine:     img,
		Options:    mountOptions,
		Signals:    request.Signals,
		Logger:     logger,
	})
	if err != nil {
		img.Close()
		return nil, err
	}

	launchOptions := request.Launch
	if launchOptions.Logger == nil {
		launchOptions.Logger = logger
	}
	orchestrator := New(session, launchOptions)
	if err := orchestrator.Start(); err != nil {
		orchestrator.Shutdown()
		img.Close()
		return nil, err
	}
	return &Mounted{
		Mountpoint:   request.Mountpoint,
		Options:      mountOptions,
		image:        img,
		session:      session,
		orchestrator: orchestrator,
	}, nil
}

// Image returns the opened image.
func (m *Mounted) Image() *image.Image { return m.image }

// Wait blocks until the session stops serving, on a signal, an
// external unmount or Unmount, or until ctx is done.
func (m *Mounted) Wait(ctx context.Context) error {
	select {
	case <-m.session.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmount stops serving, removes the mount and releases the image.
// Idempotent.
func (m *Mounted) Unmount() error {
	serveErr := m.orchestrator.Shutdown()
	closeErr := m.image.Close()
	return errors.Join(serveErr, closeErr)
}
