// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// Clock is a deterministic clock for unit tests. It starts at the Unix epoch
// and only advances when Clock.Step() or Clock.StepBy() is called.
type Clock struct {
	mu          sync.Mutex
	currentTime int64
	MiniRedis   *miniredis.Miniredis
}

// Now reads the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.currentTime, 0).UTC()
}

// Step advances the clock by one second.
func (c *Clock) Step() {
	c.StepBy(time.Second)
}

// StepBy advances the clock by the given duration (rounded down to full seconds).
func (c *Clock) StepBy(d time.Duration) {
	c.mu.Lock()
	c.currentTime += int64(d / time.Second)
	c.mu.Unlock()
	if c.MiniRedis != nil {
		c.MiniRedis.SetTime(c.Now())
		c.MiniRedis.FastForward(d)
	}
}

// Sleeper records the durations that it is asked to wait for instead of
// actually waiting. If a Clock is attached, each sleep advances it.
type Sleeper struct {
	mu        sync.Mutex
	Durations []time.Duration
	Clock     *Clock
}

// Sleep implements the lunr.Sleeper interface.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.Durations = append(s.Durations, d)
	s.mu.Unlock()
	if s.Clock != nil {
		s.Clock.StepBy(d)
	}
	return nil
}

// Recorded returns a copy of the durations recorded so far.
func (s *Sleeper) Recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.Durations...)
}
