// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// tebako-runtime is the entry point of a packaged executable. It
// mounts the image appended to its own binary, runs the configured
// interpreter on the entry point inside the mount with the user's
// arguments, and unmounts when the interpreter exits. Its exit status
// is the interpreter's.
//
// Running the executable with --tebako-extract [DIR] copies the whole
// image to DIR (default source_filesystem) instead.
//
// Configuration comes from build-time defaults, the file named by
// TEBAKO_CONFIG and TEBAKO_MOUNT_OPTIONS; see package config.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/tamatebako/tebako/lib/argv"
	"github.com/tamatebako/tebako/lib/config"
	"github.com/tamatebako/tebako/lib/launch"
	"github.com/tamatebako/tebako/lib/logging"
	"github.com/tamatebako/tebako/lib/options"
	"github.com/tamatebako/tebako/lib/payload"
	"github.com/tamatebako/tebako/lib/process"
)

func main() {
	process.Exit(run(os.Args))
}

// run mounts the image, runs the interpreter and returns an
// *process.ExitError carrying its status.
func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	host, err := argv.HostByName(cfg.Host)
	if err != nil {
		return err
	}

	mountOptions, err := options.Parse(cfg.MountOptions)
	if err != nil {
		return err
	}
	logger := logging.New(mountOptions.DebugLevel, os.Stderr)

	mapping, err := payload.Self()
	if err != nil {
		return err
	}
	defer mapping.Close()
	data, err := mapping.Image()
	if err != nil {
		return err
	}

	createdMountpoint, err := prepareMountpoint(cfg.MountPoint)
	if err != nil {
		return err
	}

	// Signals go to the interpreter; the mount lives until it exits.
	mounted, err := launch.Mount(data, launch.Request{
		Mountpoint: cfg.MountPoint,
		Options:    cfg.MountOptions,
		Signals:    []os.Signal{},
		Logger:     logger,
	})
	if err != nil {
		removeMountpoint(cfg, createdMountpoint, logger)
		return err
	}

	status, runErr := execute(args, cfg, host, logger)

	if err := mounted.Unmount(); err != nil {
		logger.Warn("unmount failed", "mountpoint", cfg.MountPoint, "error", err)
	}
	removeMountpoint(cfg, createdMountpoint, logger)

	if runErr != nil {
		return process.WithCode(status, runErr)
	}
	if status != 0 {
		return process.WithCode(status, nil)
	}
	return nil
}

// execute builds the argument vector and runs the interpreter,
// returning its exit status.
func execute(args []string, cfg *config.Config, host argv.Host, logger *slog.Logger) (int, error) {
	vector, err := argv.Build(args, cfg.MountPoint, cfg.EntryPoint, host)
	if err != nil {
		return 1, err
	}

	interpreter := cfg.InterpreterPath(cfg.MountPoint)
	if !argv.IsExtract(args) {
		logger.Info("Running " + vector.String())
	}

	path, err := exec.LookPath(interpreter)
	if err != nil {
		return 127, fmt.Errorf("interpreter %s: %w", interpreter, err)
	}
	child := &exec.Cmd{
		Path:   path,
		Args:   vector.Args(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if err := child.Start(); err != nil {
		return 126, fmt.Errorf("starting %s: %w", path, err)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer func() {
		signal.Stop(signals)
		close(signals)
	}()
	go forwardSignals(signals, child.Process)

	if err := child.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status := exitErr.ExitCode()
			if status < 0 {
				// Killed by a signal.
				status = 128 + int(exitErr.Sys().(syscall.WaitStatus).Signal())
			}
			logger.Warn("process exited with a nonzero status", "status", status)
			return status, nil
		}
		return 1, fmt.Errorf("waiting for %s: %w", path, err)
	}
	return 0, nil
}

// forwardSignals sends received signals to the child until the channel
// is closed. Errors are ignored: the child may already have exited.
func forwardSignals(signals <-chan os.Signal, child *os.Process) {
	for sig := range signals {
		if sysSig, ok := sig.(syscall.Signal); ok {
			_ = child.Signal(sysSig)
		}
	}
}

// prepareMountpoint creates the mount point if needed and reports
// whether it did.
func prepareMountpoint(mountpoint string) (bool, error) {
	if _, err := os.Stat(mountpoint); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return false, fmt.Errorf("creating mount point %s: %w", mountpoint, err)
	}
	return true, nil
}

func removeMountpoint(cfg *config.Config, created bool, logger *slog.Logger) {
	if !created || cfg.KeepMountPoint {
		return
	}
	if err := os.Remove(cfg.MountPoint); err != nil {
		logger.Debug("removing mount point", "mountpoint", cfg.MountPoint, "error", err)
	}
}
