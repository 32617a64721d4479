// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The mount orchestrator polls session readiness with a fixed delay
// and a bounded number of cycles. Driving that loop from a Clock lets
// tests walk through every cycle deterministically: production code
// uses Real(), tests use Fake() and call Advance.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go orchestrator.Start()
//	c.WaitForTimers(1)               // the poll loop is sleeping
//	c.Advance(100 * time.Millisecond) // wake it up
package clock
