// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package logthrottle

import (
	"sync"
	"testing"
	"time"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/lunrgate/internal/test"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Write(severity, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, severity+": "+message)
}

func setup(burst int, window time.Duration) (*Throttler, *recordingSink, *test.Clock) {
	clock := &test.Clock{}
	sink := &recordingSink{}
	t := New(burst, window).OverrideTimeNow(clock.Now).OverrideSink(sink.Write)
	return t, sink, clock
}

func TestBurstThenNoticeThenSilence(t *testing.T) {
	throttler, sink, _ := setup(2, 5*time.Second)

	for range 5 {
		throttler.Errorf("Redis Error: %s", "connection refused")
	}

	assert.DeepEqual(t, "log lines", sink.lines, []string{
		"ERROR: Redis Error: connection refused",
		"ERROR: Redis Error: connection refused",
		"ERROR: Redis Error: connection refused - too many messages, throttling for 5 more seconds",
	})
}

func TestWindowResets(t *testing.T) {
	throttler, sink, clock := setup(1, 5*time.Second)

	throttler.Infof("Token valid")
	clock.StepBy(2 * time.Second)
	throttler.Infof("Token valid")
	throttler.Infof("Token valid")
	clock.StepBy(3 * time.Second)
	throttler.Infof("Token valid")

	assert.DeepEqual(t, "log lines", sink.lines, []string{
		"INFO: Token valid",
		"INFO: Token valid - too many messages, throttling for 3 more seconds",
		"INFO: Token valid",
	})
}

func TestMessagesAreCountedSeparately(t *testing.T) {
	throttler, sink, _ := setup(1, 5*time.Second)

	throttler.Infof("first")
	throttler.Infof("second")
	throttler.Infof("first")
	throttler.Infof("second")
	throttler.Infof("first")

	assert.DeepEqual(t, "log lines", sink.lines, []string{
		"INFO: first",
		"INFO: second",
		"INFO: first - too many messages, throttling for 5 more seconds",
		"INFO: second - too many messages, throttling for 5 more seconds",
	})
}

func TestDebugIsNotThrottled(t *testing.T) {
	throttler, sink, _ := setup(1, 5*time.Second)

	for range 3 {
		throttler.Record("DEBUG", "admin token refreshed")
	}
	assert.DeepEqual(t, "number of log lines", len(sink.lines), 3)
}

func TestConcurrentUse(t *testing.T) {
	throttler, sink, _ := setup(3, time.Minute)

	var wg sync.WaitGroup
	for idx := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			throttler.Errorf("failure on worker %d", idx%2)
		}()
	}
	wg.Wait()

	// 3 lines and 1 notice per distinct message
	assert.DeepEqual(t, "number of log lines", len(sink.lines), 8)
}
