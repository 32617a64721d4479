// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tamatebako/tebako/lib/clock"
	"github.com/tamatebako/tebako/lib/testutil"
)

// fakeServer serves until stopped. A non-nil failure makes Serve
// return it immediately.
type fakeServer struct {
	ready   atomic.Bool
	failure error

	stopOnce sync.Once
	stopped  chan struct{}
	stops    atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{stopped: make(chan struct{})}
}

func (s *fakeServer) Serve() error {
	if s.failure != nil {
		return s.failure
	}
	<-s.stopped
	return nil
}

func (s *fakeServer) Stop() {
	s.stops.Add(1)
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *fakeServer) IsReady() bool { return s.ready.Load() }

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestStartReady(t *testing.T) {
	server := newFakeServer()
	server.ready.Store(true)
	fake := clock.Fake(time.Unix(0, 0))

	orchestrator := New(server, Options{Clock: fake, Logger: quietLogger()})
	if err := orchestrator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := orchestrator.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("Start left %d pending sleeps", fake.PendingCount())
	}
}

func TestStartReadyAfterPolling(t *testing.T) {
	server := newFakeServer()
	fake := clock.Fake(time.Unix(0, 0))
	orchestrator := New(server, Options{Clock: fake, Logger: quietLogger()})
	defer orchestrator.Shutdown()

	result := make(chan error, 1)
	go func() { result <- orchestrator.Start() }()

	for range 3 {
		fake.WaitForTimers(1)
		fake.Advance(DefaultPollInterval)
	}
	fake.WaitForTimers(1)
	server.ready.Store(true)
	fake.Advance(DefaultPollInterval)

	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for Start"); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestStartFailure(t *testing.T) {
	server := newFakeServer()
	server.failure = errors.New("fusermount: permission denied")

	orchestrator := New(server, Options{
		PollInterval:  time.Millisecond,
		MaxWaitCycles: 5000,
		Logger:        quietLogger(),
	})
	err := orchestrator.Start()
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("Start error = %v, want ErrStartupFailed", err)
	}
	if !errors.Is(err, server.failure) {
		t.Errorf("Start error = %v, want it to wrap the serve error", err)
	}
	if err := orchestrator.Shutdown(); !errors.Is(err, server.failure) {
		t.Errorf("Shutdown = %v, want serve error", err)
	}
}

func TestStartTimeout(t *testing.T) {
	server := newFakeServer()
	fake := clock.Fake(time.Unix(0, 0))
	exitCodes := make(chan int, 1)

	orchestrator := New(server, Options{
		Clock:  fake,
		Exit:   func(code int) { exitCodes <- code },
		Logger: quietLogger(),
	})
	defer orchestrator.Shutdown()

	result := make(chan error, 1)
	go func() { result <- orchestrator.Start() }()

	for range DefaultMaxWaitCycles {
		fake.WaitForTimers(1)
		fake.Advance(DefaultPollInterval)
	}

	code := testutil.RequireReceive(t, exitCodes, 5*time.Second, "waiting for exit")
	if code != StartupTimeoutExitCode {
		t.Errorf("exit code = %d, want %d", code, StartupTimeoutExitCode)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for Start"); !errors.Is(err, ErrStartupTimeout) {
		t.Errorf("Start = %v, want ErrStartupTimeout", err)
	}
	if elapsed := fake.Now().Sub(time.Unix(0, 0)); elapsed != time.Second {
		t.Errorf("waited %v of clock time, want 1s", elapsed)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("%d sleeps still pending after timeout", fake.PendingCount())
	}
}

func TestStartTwice(t *testing.T) {
	server := newFakeServer()
	server.ready.Store(true)
	orchestrator := New(server, Options{Logger: quietLogger()})
	defer orchestrator.Shutdown()

	if err := orchestrator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := orchestrator.Start(); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestRunReturnsWorkloadStatus(t *testing.T) {
	server := newFakeServer()
	server.ready.Store(true)
	orchestrator := New(server, Options{Logger: quietLogger()})

	ran := false
	status, err := orchestrator.Run(func() (int, error) {
		ran = true
		if server.stops.Load() != 0 {
			t.Error("session stopped before the workload ran")
		}
		return 3, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("workload did not run")
	}
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
	if server.stops.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", server.stops.Load())
	}
}

func TestRunWorkloadError(t *testing.T) {
	server := newFakeServer()
	server.ready.Store(true)
	orchestrator := New(server, Options{Logger: quietLogger()})

	failure := errors.New("exec: no such file")
	status, err := orchestrator.Run(func() (int, error) { return 127, failure })
	if !errors.Is(err, failure) {
		t.Errorf("Run error = %v, want %v", err, failure)
	}
	if status != 127 {
		t.Errorf("status = %d, want 127", status)
	}
	if server.stops.Load() != 1 {
		t.Errorf("Stop called %d times after workload error, want 1", server.stops.Load())
	}
}

func TestShutdownIdempotent(t *testing.T) {
	server := newFakeServer()
	server.ready.Store(true)
	orchestrator := New(server, Options{Logger: quietLogger()})
	if err := orchestrator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for range 3 {
		if err := orchestrator.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
	if server.stops.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", server.stops.Load())
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	server := newFakeServer()
	orchestrator := New(server, Options{Logger: quietLogger()})

	done := make(chan struct{})
	go func() {
		orchestrator.Shutdown()
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "Shutdown blocked without Start")
}
