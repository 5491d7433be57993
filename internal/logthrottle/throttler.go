// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package logthrottle suppresses log lines that repeat too often, e.g. when
// every inbound request fails in the same way because a remote service is down.
package logthrottle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"
)

// ThrottledLinesCounter counts log lines that were not emitted.
var ThrottledLinesCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lunrgate_throttled_log_lines",
		Help: "Counts log lines that were suppressed because the same message was logged too often.",
	},
)

func init() {
	prometheus.MustRegister(ThrottledLinesCounter)
}

// Default values for New().
const (
	DefaultBurst  = 5
	DefaultWindow = 5 * time.Second
)

type counter struct {
	count     int
	windowEnd time.Time
}

// Throttler counts identical messages within a time window. The first `burst`
// occurrences of a message are logged, the next one is replaced by a notice,
// and all further ones are dropped until the message's window has elapsed.
//
// A Throttler may be shared between goroutines.
type Throttler struct {
	burst  int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*counter
	timeNow  func() time.Time
	sink     func(severity, message string)
}

// New builds a Throttler. Non-positive arguments are replaced by the defaults.
func New(burst int, window time.Duration) *Throttler {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttler{
		burst:    burst,
		window:   window,
		counters: make(map[string]*counter),
		timeNow:  time.Now,
		sink:     emit,
	}
}

// OverrideTimeNow replaces time.Now with a test double.
func (t *Throttler) OverrideTimeNow(timeNow func() time.Time) *Throttler {
	t.timeNow = timeNow
	return t
}

// OverrideSink replaces the function that writes into the log. This is used by tests.
func (t *Throttler) OverrideSink(sink func(severity, message string)) *Throttler {
	t.sink = sink
	return t
}

func emit(severity, message string) {
	switch severity {
	case "ERROR":
		logg.Error(message)
	case "INFO":
		logg.Info(message)
	case "DEBUG":
		logg.Debug(message)
	default:
		logg.Other(severity, message)
	}
}

// Record logs the message with the given severity ("ERROR", "INFO" etc.),
// unless it has been logged too often recently. Debug messages are never throttled.
func (t *Throttler) Record(severity, message string) {
	if severity == "DEBUG" {
		t.sink(severity, message)
		return
	}

	t.mu.Lock()
	now := t.timeNow()
	t.pruneExpired(now)
	c := t.counters[message]
	if c == nil {
		c = &counter{windowEnd: now.Add(t.window)}
		t.counters[message] = c
	}
	c.count++
	count := c.count
	remaining := c.windowEnd.Sub(now)
	t.mu.Unlock()

	switch {
	case count <= t.burst:
		t.sink(severity, message)
	case count == t.burst+1:
		ThrottledLinesCounter.Inc()
		t.sink(severity, fmt.Sprintf("%s - too many messages, throttling for %d more seconds",
			message, int(math.Ceil(remaining.Seconds()))))
	default:
		ThrottledLinesCounter.Inc()
	}
}

// Errorf is a shorthand for Record("ERROR", ...).
func (t *Throttler) Errorf(format string, args ...any) {
	t.Record("ERROR", fmt.Sprintf(format, args...))
}

// Infof is a shorthand for Record("INFO", ...).
func (t *Throttler) Infof(format string, args ...any) {
	t.Record("INFO", fmt.Sprintf(format, args...))
}

// Debugf is a shorthand for Record("DEBUG", ...).
func (t *Throttler) Debugf(format string, args ...any) {
	if logg.ShowDebug {
		t.Record("DEBUG", fmt.Sprintf(format, args...))
	}
}

// must be called with t.mu held
func (t *Throttler) pruneExpired(now time.Time) {
	for message, c := range t.counters {
		if !now.Before(c.windowEnd) {
			delete(t.counters, message)
		}
	}
}
