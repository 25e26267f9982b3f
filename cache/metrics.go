package cache

import "sync/atomic"

// NoopMetrics is the default Metrics implementation; it does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                         {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) Evict(EvictReason)            {}
func (NoopMetrics) Size(entries int, cost int64) {}

var _ Metrics = NoopMetrics{}

// totals aggregates resident size across shards so Metrics.Size always
// reports whole-cache figures rather than a single shard's.
type totals struct {
	entries atomic.Int64
	cost    atomic.Int64
	m       Metrics
}

func (t *totals) add(entries int, cost int64) {
	e := t.entries.Add(int64(entries))
	c := t.cost.Add(cost)
	t.m.Size(int(e), c)
}
