// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch runs a filesystem session on a background goroutine,
// waits for it to become ready, runs a workload against the mount and
// tears the session down afterwards.
//
// Startup readiness is polled: up to MaxWaitCycles sleeps of
// PollInterval (one second in total by default). If the session is
// still not ready the process exits immediately with
// StartupTimeoutExitCode and no cleanup: a serving goroutine that is
// wedged in the kernel could make an orderly unmount hang forever.
package launch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tamatebako/tebako/lib/clock"
	"github.com/tamatebako/tebako/lib/logging"
)

// StartupTimeoutExitCode is the process status when the mount does not
// become ready in time (exit(-1) as seen by a shell).
const StartupTimeoutExitCode = 255

// Default polling parameters.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxWaitCycles = 10
)

var (
	// ErrStartupFailed wraps the error of a session that stopped
	// before becoming ready.
	ErrStartupFailed = errors.New("filesystem session failed to start")

	// ErrStartupTimeout is returned when Options.Exit returns
	// instead of terminating the process (tests).
	ErrStartupTimeout = errors.New("filesystem session exceeded startup time")
)

// Server is a session that can be served on one goroutine and stopped
// from another. *fuse.Session implements it.
type Server interface {
	Serve() error
	Stop()
	IsReady() bool
}

// Options configures an Orchestrator.
type Options struct {
	// Clock drives startup polling. If nil, clock.Real().
	Clock clock.Clock

	// PollInterval is the sleep between readiness checks. Zero
	// uses DefaultPollInterval.
	PollInterval time.Duration

	// MaxWaitCycles is the number of sleeps before giving up. Zero
	// uses DefaultMaxWaitCycles.
	MaxWaitCycles int

	// Exit terminates the process on startup timeout. If nil,
	// os.Exit.
	Exit func(code int)

	// Logger receives diagnostics. If nil, errors go to stderr.
	Logger *slog.Logger
}

// Orchestrator owns the serving goroutine of one Server.
type Orchestrator struct {
	server  Server
	options Options
	logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	serveErr error

	shutdownOnce sync.Once
}

// New returns an orchestrator for server.
func New(server Server, options Options) *Orchestrator {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.MaxWaitCycles <= 0 {
		options.MaxWaitCycles = DefaultMaxWaitCycles
	}
	if options.Exit == nil {
		options.Exit = os.Exit
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		server:  server,
		options: options,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches Serve on a new goroutine and waits for readiness.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	go func() {
		defer close(o.done)
		err := o.server.Serve()
		o.mu.Lock()
		o.serveErr = err
		o.mu.Unlock()
	}()

	for cycle := 0; ; cycle++ {
		if o.server.IsReady() {
			o.logger.Debug("filesystem session ready", "wait_cycles", cycle)
			return nil
		}
		select {
		case <-o.done:
			return fmt.Errorf("%w: %w", ErrStartupFailed, o.serveError())
		default:
		}
		if cycle == o.options.MaxWaitCycles {
			break
		}
		o.options.Clock.Sleep(o.options.PollInterval)
	}

	o.logger.Error("filesystem session exceeded startup time",
		"timeout", o.options.PollInterval*time.Duration(o.options.MaxWaitCycles))
	o.options.Exit(StartupTimeoutExitCode)
	return ErrStartupTimeout
}

func (o *Orchestrator) serveError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.serveErr == nil {
		return errors.New("session ended before becoming ready")
	}
	return o.serveErr
}

// Run starts the session, runs workload, shuts down and returns the
// workload's status. A workload error is returned after shutdown.
func (o *Orchestrator) Run(workload func() (int, error)) (int, error) {
	if err := o.Start(); err != nil {
		return 1, err
	}
	status, workloadErr := workload()
	shutdownErr := o.Shutdown()
	if workloadErr != nil {
		return status, workloadErr
	}
	return status, shutdownErr
}

// Shutdown stops the session and waits for the serving goroutine.
// Idempotent; every call returns the serving goroutine's error.
func (o *Orchestrator) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.server.Stop()
		o.mu.Lock()
		started := o.started
		o.mu.Unlock()
		if started {
			<-o.done
		}
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.serveErr
}
