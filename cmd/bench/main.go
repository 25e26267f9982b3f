// Command bench runs a synthetic Zipf workload against an engine and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/quorumcache/config"
	"github.com/IvanBrykalov/quorumcache/engine"
	"github.com/IvanBrykalov/quorumcache/errs"
	pmet "github.com/IvanBrykalov/quorumcache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		capacity  = flag.Int("cap", 100_000, "cache capacity (entries)")
		shards    = flag.Int("shards", 0, "number of shards (0=auto)")
		eviction  = flag.String("policy", "lru", "eviction policy: lru | lfu | slru")
		write     = flag.String("write", "write-through", "write policy: write-through | write-back | write-around")
		isolation = flag.String("isolation", "read-committed", "isolation level of auto-commit operations")
		replicas  = flag.Int("replicas", 0, "in-process replicas (0 = no replication)")
		quorum    = flag.String("consistency", "eventual", "consistency model when replicated")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "quorumcache_bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build engine ----
	cfg := config.Default()
	cfg.Cache.Capacity = *capacity
	cfg.Cache.Shards = *shards
	cfg.Cache.EvictionPolicy = *eviction
	cfg.Write.Policy = *write
	cfg.Transaction.IsolationLevel = *isolation
	if *replicas > 0 {
		cfg.Replication.Enabled = true
		cfg.Replication.ReplicaCount = *replicas
		cfg.Replication.WriteQuorum = *replicas/2 + 1
		cfg.Replication.ReadQuorum = *replicas/2 + 1
		cfg.Replication.ConsistencyModel = *quorum
	}
	eng, err := engine.New(context.Background(), engine.Options{Config: cfg, Metrics: metrics})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer func() { _ = eng.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *capacity / 2
	}
	bg := context.Background()
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		if err := eng.Put(bg, k, []byte("v"+strconv.Itoa(i))); err != nil {
			log.Fatalf("preload: %v", err)
		}
	}
	before := eng.Stats().Cache

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, found, absent, failed, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for ctx.Err() == nil {
				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					_, err := eng.Get(bg, keyByZipf())
					switch {
					case err == nil:
						atomic.AddUint64(&found, 1)
					case errs.Is(err, errs.ErrCacheMiss):
						atomic.AddUint64(&absent, 1)
					default:
						atomic.AddUint64(&failed, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					if err := eng.Put(bg, keyByZipf(), []byte("v"+strconv.Itoa(localR.Int()))); err != nil {
						atomic.AddUint64(&failed, 1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if err := eng.Flush(bg); err != nil {
		log.Printf("flush: %v", err)
	}

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	st := eng.Stats().Cache
	hits := st.Hits - before.Hits
	misses := st.Misses - before.Misses
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}

	fmt.Printf("policy=%s write=%s isolation=%s replicas=%d cap=%d shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		*eviction, *write, *isolation, *replicas, *capacity, *shards, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d (found=%d absent=%d)  writes=%d  errors=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&reads), atomic.LoadUint64(&found),
		atomic.LoadUint64(&absent), atomic.LoadUint64(&writes), atomic.LoadUint64(&failed))
	fmt.Printf("cache hits=%d  misses=%d  hit-rate=%.2f%%  evictions=%d  entries=%d\n",
		hits, misses, hitRate, st.Evictions, st.Entries)
}
