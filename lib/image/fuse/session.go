// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/options"
	"github.com/tamatebako/tebako/lib/version"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateReady
	StateStopping
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string

	// Engine serves the requests.
	Engine Engine

	// Options supplies workers, cache_files, singlethread,
	// allow_other, fsname and pass-through kernel options.
	Options options.MountOptions

	// Signals stop the session when received while serving. Nil
	// uses SIGINT, SIGTERM and SIGHUP; an empty non-nil slice
	// installs no handler.
	Signals []os.Signal

	// Logger receives diagnostics. If nil, errors go to stderr.
	Logger *slog.Logger
}

// Session is one mount of an Engine.
type Session struct {
	options SessionOptions
	logger  *slog.Logger
	adapter *adapter

	state    atomic.Int32
	ready    atomic.Bool
	exited   atomic.Bool
	stopping atomic.Bool
	server   atomic.Pointer[fuse.Server]

	unmountOnce sync.Once

	published chan struct{}
	done      chan struct{}
}

// NewSession validates options and returns an unmounted session.
func NewSession(sessionOptions SessionOptions) (*Session, error) {
	if sessionOptions.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if sessionOptions.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if sessionOptions.Signals == nil {
		sessionOptions.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
	}
	logger := sessionOptions.Logger
	if logger == nil {
		logger = logging.Default()
	}
	mountOptions := sessionOptions.Options
	name := mountOptions.FsName
	if name == "" {
		name = version.ProductName
	}
	return &Session{
		options:   sessionOptions,
		logger:    logger,
		adapter:   newAdapter(sessionOptions.Engine, name, mountOptions.Workers, mountOptions.CacheFiles, logger),
		published: make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// State reports the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsReady reports whether the mount is up and requests are being
// served.
func (s *Session) IsReady() bool {
	return s.server.Load() != nil && !s.exited.Load() && s.ready.Load()
}

// Done is closed when Serve returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Serve mounts and serves requests until Stop is called, a configured
// signal arrives, or the filesystem is unmounted externally. The mount
// is removed before Serve returns.
func (s *Session) Serve() error {
	if !s.state.CompareAndSwap(int32(StateUnmounted), int32(StateMounting)) {
		return ErrSessionUsed
	}
	defer close(s.done)
	defer s.state.Store(int32(StateDestroyed))
	defer s.exited.Store(true)

	mountpoint := s.options.Mountpoint
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return &SetupError{Step: "create mountpoint", Err: err}
	}

	if len(s.options.Signals) > 0 {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, s.options.Signals...)
		stopWatching := make(chan struct{})
		defer func() {
			signal.Stop(signals)
			close(stopWatching)
		}()
		go func() {
			select {
			case received := <-signals:
				s.logger.Info("stopping on signal", "signal", received.String(), "mountpoint", mountpoint)
				s.Stop()
			case <-stopWatching:
			}
		}()
	}

	server, err := fuse.NewServer(s.adapter, mountpoint, s.mountOptions())
	if err != nil {
		return &SetupError{Step: "mount", Err: err}
	}
	s.server.Store(server)
	close(s.published)

	if s.stopping.Load() {
		s.unmount(server)
		return nil
	}

	s.ready.Store(true)
	s.state.Store(int32(StateReady))
	s.logger.Info(version.ProductName+" file system mounted",
		"version", version.Info(), "api", "fuse raw", "mountpoint", mountpoint)

	server.Serve()

	s.ready.Store(false)
	s.state.Store(int32(StateStopping))
	s.unmount(server)
	s.logger.Info(version.ProductName+" file system unmounted", "mountpoint", mountpoint)
	return nil
}

// Stop requests unmount; Serve returns once outstanding requests
// drain. Safe from any goroutine and idempotent.
func (s *Session) Stop() {
	s.ready.Store(false)
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	if server := s.server.Load(); server != nil {
		s.unmount(server)
	}
}

// unmount runs once per session. After an external unmount the call
// fails harmlessly, so failures are only logged.
func (s *Session) unmount(server *fuse.Server) {
	s.unmountOnce.Do(func() {
		if err := server.Unmount(); err != nil {
			s.logger.Warn("unmount failed", "mountpoint", s.options.Mountpoint, "error", err)
		}
	})
}

// Wait blocks until the kernel has completed the mount handshake.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.published:
	case <-s.done:
		return ErrNotServing
	case <-ctx.Done():
		return ctx.Err()
	}
	result := make(chan error, 1)
	server := s.server.Load()
	go func() { result <- server.WaitMount() }()
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrNotServing
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) mountOptions() *fuse.MountOptions {
	mountOptions := s.options.Options
	extra := slices.Clone(mountOptions.Extra)
	if !slices.Contains(extra, "ro") {
		extra = append(extra, "ro")
	}
	name := s.adapter.name
	trace := s.logger.Enabled(context.Background(), logging.LevelTrace)
	return &fuse.MountOptions{
		FsName:             name,
		Name:               version.ProductName,
		AllowOther:         mountOptions.AllowOther,
		SingleThreaded:     mountOptions.SingleThreaded,
		DisableReadDirPlus: true,
		Options:            extra,
		Debug:              trace,
		Logger:             slog.NewLogLogger(s.logger.Handler(), logging.LevelTrace),
	}
}
