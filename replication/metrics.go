package replication

import "time"

// Metrics receives replication signals.
type Metrics interface {
	// Quorum reports a read or write quorum attempt and its latency.
	Quorum(op string, ok bool, d time.Duration)
	ReadRepair(writes int)
	// Hint reports hint lifecycle events: stored, discarded, replayed, expired.
	Hint(event string)
}

// NoopMetrics discards all signals.
type NoopMetrics struct{}

func (NoopMetrics) Quorum(string, bool, time.Duration) {}
func (NoopMetrics) ReadRepair(int)                     {}
func (NoopMetrics) Hint(string)                        {}
