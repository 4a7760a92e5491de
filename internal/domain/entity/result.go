package entity

import (
	"fmt"
	"time"
)

// Termination is the reason a relay run stopped.
type Termination string

const (
	// TerminationExhausted means a pull returned no messages.
	TerminationExhausted Termination = "exhausted"
	// TerminationTimedOut means the deadline elapsed before the next pull.
	TerminationTimedOut Termination = "timed_out"
)

// String returns the string representation of the Termination.
func (t Termination) String() string {
	return string(t)
}

// RelayResult summarises one invocation of the relay loop.
type RelayResult struct {
	// Processed is the number of messages forwarded and queued for acknowledgment.
	Processed int

	// TotalAtStart is the pending-count snapshot taken before the first pull.
	// It is informational and may be stale by the time the run ends.
	TotalAtStart int

	// TimedOut is true when the run stopped because the deadline elapsed.
	TimedOut bool

	// Reason is the terminal state of the run.
	Reason Termination

	// Batches is the number of non-empty batches relayed.
	Batches int

	// Failed is the number of messages whose publish failed and were left
	// for redelivery.
	Failed int

	// Duration is the wall-clock time the run took.
	Duration time.Duration
}

// Summary renders the human-readable outcome returned to callers.
func (r RelayResult) Summary() string {
	if r.TimedOut {
		return fmt.Sprintf("Timeout reached: processed %d out of %d messages", r.Processed, r.TotalAtStart)
	}
	return fmt.Sprintf("All messages processed: %d out of %d messages", r.Processed, r.TotalAtStart)
}
