// Package prom exports engine metrics to Prometheus. One Adapter serves
// as the Metrics hook of the cache, the write policy, the replication
// coordinator and the transaction manager.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/quorumcache/cache"
	"github.com/IvanBrykalov/quorumcache/replication"
	"github.com/IvanBrykalov/quorumcache/txn"
	"github.com/IvanBrykalov/quorumcache/writepolicy"
)

// Adapter exports Prometheus counters, gauges and histograms.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	evicts   *prometheus.CounterVec
	sizeEnt  prometheus.Gauge
	sizeCost prometheus.Gauge

	storeErrs *prometheus.CounterVec
	flushed   *prometheus.CounterVec
	dirty     prometheus.Gauge

	quorum  *prometheus.HistogramVec
	repairs prometheus.Counter
	hints   *prometheus.CounterVec

	txns     *prometheus.CounterVec
	lockWait prometheus.Histogram
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:           Prometheus namespace; subsystems are cache, write, replication and txn
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(sub, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	counterVec := func(sub, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(sub, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		hits:     counter("cache", "hits_total", "Cache hits"),
		misses:   counter("cache", "misses_total", "Cache misses"),
		evicts:   counterVec("cache", "evictions_total", "Cache evictions by reason", "reason"),
		sizeEnt:  gauge("cache", "size_entries", "Number of resident entries"),
		sizeCost: gauge("cache", "size_cost", "Total resident cost"),

		storeErrs: counterVec("write", "store_errors_total", "Backing store failures by operation", "op"),
		flushed:   counterVec("write", "flushed_keys_total", "Write-back keys flushed by result", "result"),
		dirty:     gauge("write", "dirty_keys", "Write-back keys not yet flushed"),

		quorum: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "replication",
			Name:        "quorum_duration_seconds",
			Help:        "Quorum read/write latency by outcome",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op", "ok"}),
		repairs: counter("replication", "read_repairs_total", "Read repair writes issued"),
		hints:   counterVec("replication", "hints_total", "Hinted handoff events", "event"),

		txns: counterVec("txn", "finished_total", "Finished transactions by isolation and outcome", "isolation", "outcome"),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "txn",
			Name:        "lock_wait_seconds",
			Help:        "Time spent acquiring 2PL locks",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	reg.MustRegister(
		a.hits, a.misses, a.evicts, a.sizeEnt, a.sizeCost,
		a.storeErrs, a.flushed, a.dirty,
		a.quorum, a.repairs, a.hints,
		a.txns, a.lockWait,
	)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates gauges for the number of entries and total cost.
func (a *Adapter) Size(entries int, cost int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeCost.Set(float64(cost))
}

func (a *Adapter) StoreError(op string) { a.storeErrs.WithLabelValues(op).Inc() }

func (a *Adapter) Flushed(keys, failed int) {
	a.flushed.WithLabelValues("ok").Add(float64(keys - failed))
	a.flushed.WithLabelValues("failed").Add(float64(failed))
}

func (a *Adapter) DirtyKeys(n int) { a.dirty.Set(float64(n)) }

func (a *Adapter) Quorum(op string, ok bool, d time.Duration) {
	a.quorum.WithLabelValues(op, strconv.FormatBool(ok)).Observe(d.Seconds())
}

func (a *Adapter) ReadRepair(writes int) { a.repairs.Add(float64(writes)) }
func (a *Adapter) Hint(event string)     { a.hints.WithLabelValues(event).Inc() }

func (a *Adapter) Finished(level txn.Isolation, outcome string) {
	a.txns.WithLabelValues(string(level), outcome).Inc()
}

func (a *Adapter) LockWait(d time.Duration) { a.lockWait.Observe(d.Seconds()) }

// Compile-time checks.
var (
	_ cache.Metrics       = (*Adapter)(nil)
	_ writepolicy.Metrics = (*Adapter)(nil)
	_ replication.Metrics = (*Adapter)(nil)
	_ txn.Metrics         = (*Adapter)(nil)
)
