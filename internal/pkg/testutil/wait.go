// Package testutil holds small helpers shared by unit tests.
package testutil

import (
	"testing"
	"time"
)

// pollInterval is how often WaitFor re-checks its condition.
const pollInterval = 5 * time.Millisecond

// WaitFor re-checks condition until it holds or timeout passes and reports
// whether it held. Callers decide how to fail so they can print their own
// state.
func WaitFor(tb testing.TB, timeout time.Duration, condition func() bool) bool {
	tb.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-deadline.C:
			return condition()
		case <-time.After(pollInterval):
		}
	}
}
