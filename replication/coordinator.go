// Package replication replicates keys across N replicas with tunable write
// (W) and read (R) quorums.
//
// The coordinator fans every operation out to the N preferred replicas in
// parallel goroutines and collects replies over a channel until the quorum
// is met. Three consistency modes share that mechanism:
//
//   - linearizable: W+R > N is enforced, and writes read the current
//     version from a read quorum before proposing the next one.
//   - causal: writes carry the coordinator's vector clock and replicas hold
//     a write back until everything it causally depends on was applied.
//   - eventual: any W and R; writes keep propagating after the quorum
//     returned and concurrent versions are resolved on read.
//
// When a preferred replica is unreachable and sloppy quorum is enabled, the
// write is parked as a hint on a fallback replica; the handoff loop replays
// it once the intended replica answers again. Reads repair stale replicas
// in the background.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

// Consistency selects the replication consistency model.
type Consistency string

const (
	Linearizable Consistency = "linearizable"
	Causal       Consistency = "causal"
	Eventual     Consistency = "eventual"
)

// Resolution selects how concurrent siblings are surfaced on read.
type Resolution string

const (
	// LastWriteWins returns the sibling with the latest wall-clock
	// timestamp and repairs replicas towards it.
	LastWriteWins Resolution = "lww"
	// Siblings returns every concurrent version for application merge.
	Siblings Resolution = "siblings"
)

// Config holds the quorum parameters.
type Config struct {
	NodeID      string
	N, W, R     int
	Consistency Consistency
	Resolution  Resolution

	// SloppyQuorum lets fallback replicas (those after the first N) accept
	// hints for unreachable preferred replicas; their acks count toward W.
	SloppyQuorum bool

	WriteTimeout    time.Duration // default 2s
	ReadTimeout     time.Duration // default 2s
	HandoffInterval time.Duration // 0 disables the background loop
	HandoffRate     float64       // hints replayed per second, default 100
	HandoffBatch    int           // default 64
	HintTTL         time.Duration // 0 keeps hints forever
}

// Validate checks the quorum arithmetic for the configured replica count.
func (c Config) Validate(replicas int) error {
	bad := func(format string, args ...any) error {
		return errs.E(errs.ErrInvalidConfig, "replication", "", fmt.Errorf(format, args...))
	}
	switch {
	case c.N < 1:
		return bad("replica count N=%d must be >= 1", c.N)
	case replicas < c.N:
		return bad("%d replicas configured, N=%d", replicas, c.N)
	case c.W < 1 || c.W > c.N:
		return bad("write quorum W=%d must be in [1, N=%d]", c.W, c.N)
	case c.R < 1 || c.R > c.N:
		return bad("read quorum R=%d must be in [1, N=%d]", c.R, c.N)
	}
	switch c.Consistency {
	case Linearizable:
		if c.W+c.R <= c.N {
			return bad("linearizable requires W+R > N, got W=%d R=%d N=%d", c.W, c.R, c.N)
		}
	case Causal, Eventual:
	default:
		return bad("unknown consistency model %q", c.Consistency)
	}
	switch c.Resolution {
	case LastWriteWins, Siblings:
	default:
		return bad("unknown conflict resolution %q", c.Resolution)
	}
	return nil
}

// Options configures New.
type Options struct {
	Config
	// Replicas in preference order: the first N are preferred, the rest are
	// sloppy-quorum fallbacks.
	Replicas []Replica
	// Hints holds hints the coordinator could not park on any fallback.
	Hints   HintStore
	Logger  *zap.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Coordinator drives quorum reads and writes. It implements store.Backend,
// so a write policy can use the replicated store as its backing store.
type Coordinator struct {
	cfg       Config
	preferred []Replica
	fallbacks []Replica
	byID      map[string]Replica
	hints     HintStore
	log       *zap.Logger
	met       Metrics
	now       func() time.Time
	limiter   *rate.Limiter

	mu       sync.Mutex
	clock    vclock.Clock      // session clock: own writes plus clocks observed by reads
	versions map[string]uint64 // highest version seen per key
	down     map[string]bool

	kick      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates the configuration and starts the handoff loop when
// HandoffInterval is set.
func New(o Options) (*Coordinator, error) {
	if o.Resolution == "" {
		o.Resolution = LastWriteWins
	}
	if o.Consistency == "" {
		o.Consistency = Eventual
	}
	if err := o.Config.Validate(len(o.Replicas)); err != nil {
		return nil, err
	}
	if o.NodeID == "" {
		o.NodeID = "coordinator"
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.HandoffRate <= 0 {
		o.HandoffRate = 100
	}
	if o.HandoffBatch <= 0 {
		o.HandoffBatch = 64
	}
	if o.Hints == nil {
		o.Hints = NewMemoryHintStore(0)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	c := &Coordinator{
		cfg:       o.Config,
		preferred: o.Replicas[:o.N],
		fallbacks: o.Replicas[o.N:],
		byID:      make(map[string]Replica, len(o.Replicas)),
		hints:     o.Hints,
		log:       o.Logger.With(zap.String("node", o.NodeID)),
		met:       o.Metrics,
		now:       o.Now,
		limiter:   rate.NewLimiter(rate.Limit(o.HandoffRate), o.HandoffBatch),
		clock:     vclock.Clock{},
		versions:  make(map[string]uint64),
		down:      make(map[string]bool),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, r := range o.Replicas {
		if _, dup := c.byID[r.ID()]; dup {
			return nil, errs.E(errs.ErrInvalidConfig, "replication", "", fmt.Errorf("duplicate replica id %q", r.ID()))
		}
		c.byID[r.ID()] = r
	}
	c.log.Info("replication coordinator started",
		zap.Int("n", c.cfg.N), zap.Int("w", c.cfg.W), zap.Int("r", c.cfg.R),
		zap.String("consistency", string(c.cfg.Consistency)),
		zap.Bool("sloppy_quorum", c.cfg.SloppyQuorum),
		zap.Int("fallbacks", len(c.fallbacks)))

	if c.cfg.HandoffInterval > 0 {
		c.wg.Add(1)
		go c.handoffLoop()
	}
	return c, nil
}

// Close stops the handoff loop and waits for background repairs.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
	return nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Clock returns a copy of the coordinator's session clock.
func (c *Coordinator) Clock() vclock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Copy()
}

// MarkDown excludes a replica from fan-out until MarkUp. Writes meant for
// it are hinted once they commit.
func (c *Coordinator) MarkDown(id string) {
	c.mu.Lock()
	c.down[id] = true
	c.mu.Unlock()
	c.log.Info("replica marked down", zap.String("replica", id))
}

// MarkUp re-admits a replica and triggers a handoff pass.
func (c *Coordinator) MarkUp(id string) {
	c.mu.Lock()
	delete(c.down, id)
	c.mu.Unlock()
	c.log.Info("replica marked up", zap.String("replica", id))
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) isDown(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down[id]
}

// ReplicaIDs returns preferred then fallback replica ids.
func (c *Coordinator) ReplicaIDs() (preferred, fallbacks []string) {
	for _, r := range c.preferred {
		preferred = append(preferred, r.ID())
	}
	for _, r := range c.fallbacks {
		fallbacks = append(fallbacks, r.ID())
	}
	return preferred, fallbacks
}

// ---- writes ----

// Write replicates value under key and returns the record that reached
// the write quorum.
func (c *Coordinator) Write(ctx context.Context, key string, value []byte) (Record, error) {
	return c.write(ctx, "replicate.write", key, value, false)
}

// Remove replicates a tombstone for key.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	_, err := c.write(ctx, "replicate.delete", key, nil, true)
	return err
}

func (c *Coordinator) write(ctx context.Context, op, key string, value []byte, deleted bool) (Record, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	if c.cfg.Consistency == Linearizable {
		// Read-modify-write: learn the latest version from a read quorum so
		// the proposed version orders after every acknowledged write.
		if _, err := c.read(ctx, op, key); err != nil && !errs.Is(err, errs.ErrCacheMiss) {
			c.met.Quorum("write", false, c.now().Sub(start))
			return Record{}, err
		}
	}

	rec := c.nextRecord(key, value, deleted)
	err := c.propose(ctx, op, ProposeWrite{Key: key, Record: rec})
	c.met.Quorum("write", err == nil, c.now().Sub(start))
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// nextRecord stamps a new version with the coordinator's clock.
func (c *Coordinator) nextRecord(key string, value []byte, deleted bool) Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = c.clock.Increment(c.cfg.NodeID)
	c.versions[key]++
	return Record{
		Value:     value,
		Deleted:   deleted,
		Version:   c.versions[key],
		Clock:     c.clock.Copy(),
		Timestamp: c.now().UnixNano(),
		Origin:    c.cfg.NodeID,
	}
}

// observe folds records returned by a read into the session clock and the
// per-key version.
func (c *Coordinator) observe(key string, recs []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		c.clock = c.clock.Merge(r.Clock)
		if r.Version > c.versions[key] {
			c.versions[key] = r.Version
		}
	}
}

type writeResult struct {
	replica string
	ok      bool
	err     error
	// hint is the handoff built for a failed replica. parked names the
	// fallback holding it; nil means no fallback took it.
	hint   *HintedHandoff
	parked Replica
}

// propose fans w out to the preferred replicas and waits for W acks.
// Replicas that fail are substituted by fallbacks (sloppy quorum). Sends
// keep running after the quorum is reached or ctx expires, bounded by
// WriteTimeout. Hints are settled by the outcome: a committed write keeps
// them, a failed one discards them so handoff cannot resurrect it.
func (c *Coordinator) propose(ctx context.Context, op string, w ProposeWrite) error {
	bg, bgCancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	results := make(chan writeResult, len(c.preferred))
	var (
		sends sync.WaitGroup
		fb    fallbackCursor
	)
	for _, r := range c.preferred {
		sends.Add(1)
		go func() {
			defer sends.Done()
			results <- c.sendOne(bg, r, w, &fb)
		}()
	}
	go func() {
		sends.Wait()
		bgCancel()
	}()

	seen := make([]writeResult, 0, len(c.preferred))
	decide := func(committed bool) {
		c.wg.Add(1)
		go c.settle(context.WithoutCancel(ctx), committed, seen, results, len(c.preferred)-len(seen))
	}

	acks, fails := 0, 0
	var lastErr error
	for acks < c.cfg.W {
		select {
		case res := <-results:
			seen = append(seen, res)
			if res.ok {
				acks++
				continue
			}
			fails++
			lastErr = res.err
			if len(c.preferred)-fails < c.cfg.W {
				decide(false)
				c.log.Warn("write quorum unavailable",
					zap.String("key", w.Key), zap.Int("acks", acks), zap.Int("failed", fails))
				return errs.E(errs.ErrQuorumUnavailable, op, w.Key,
					fmt.Errorf("%d of %d replicas acknowledged, need %d: %w", acks, len(c.preferred), c.cfg.W, lastErr))
			}
		case <-ctx.Done():
			decide(false)
			return errs.E(errs.ErrLockTimeout, op, w.Key,
				fmt.Errorf("write quorum not achieved (%d/%d acks): %w", acks, c.cfg.W, ctx.Err()))
		}
	}
	decide(true)
	return nil
}

// settle applies the write outcome to every hint the fan-out produced,
// including those of sends still in flight.
func (c *Coordinator) settle(ctx context.Context, committed bool, seen []writeResult, late <-chan writeResult, pending int) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	for _, res := range seen {
		c.settleHint(ctx, committed, res)
	}
	for ; pending > 0; pending-- {
		c.settleHint(ctx, committed, <-late)
	}
}

func (c *Coordinator) settleHint(ctx context.Context, committed bool, res writeResult) {
	h := res.hint
	switch {
	case h == nil:
	case committed && res.parked != nil:
		c.met.Hint("stored")
	case committed:
		if err := c.hints.Store(ctx, *h); err != nil {
			c.log.Warn("failed to keep hint",
				zap.String("intended", h.IntendedReplica), zap.String("key", h.Write.Key), zap.Error(err))
			return
		}
		c.met.Hint("stored")
	case res.parked != nil:
		if err := res.parked.DropHint(ctx, DropHintRequest{HintID: h.HintID}); err != nil {
			c.log.Warn("failed to withdraw hint of uncommitted write",
				zap.String("fallback", res.parked.ID()), zap.String("hint_id", h.HintID), zap.Error(err))
			return
		}
		c.met.Hint("discarded")
	default:
		c.met.Hint("discarded")
	}
}

// fallbackCursor hands each fallback to at most one failed replica per write.
type fallbackCursor struct {
	mu   sync.Mutex
	next int
}

func (f *fallbackCursor) take(n int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= n {
		return 0, false
	}
	i := f.next
	f.next++
	return i, true
}

// sendOne proposes w to r. On failure it builds a hint and, with sloppy
// quorum, parks it on a fallback whose ack then counts toward W.
func (c *Coordinator) sendOne(ctx context.Context, r Replica, w ProposeWrite, fb *fallbackCursor) writeResult {
	var err error
	if c.isDown(r.ID()) {
		err = errs.E(errs.ErrReplicaUnavailable, "replicate.propose", r.ID(), nil)
	} else {
		var ack WriteAck
		if ack, err = r.Propose(ctx, w); err == nil {
			return writeResult{replica: ack.ReplicaID, ok: true}
		}
		c.log.Debug("propose failed", zap.String("replica", r.ID()), zap.String("key", w.Key), zap.Error(err))
	}

	h := &HintedHandoff{
		HintID:          newHintID(),
		Write:           w,
		IntendedReplica: r.ID(),
		CreatedAt:       c.now(),
	}
	if c.cfg.SloppyQuorum {
		for {
			i, ok := fb.take(len(c.fallbacks))
			if !ok {
				break
			}
			f := c.fallbacks[i]
			if c.isDown(f.ID()) {
				continue
			}
			if _, ferr := f.StoreHint(ctx, *h); ferr == nil {
				c.log.Debug("write hinted to fallback",
					zap.String("intended", r.ID()), zap.String("fallback", f.ID()), zap.String("key", w.Key))
				return writeResult{replica: f.ID(), ok: true, hint: h, parked: f}
			}
		}
	}
	return writeResult{replica: r.ID(), err: err, hint: h}
}

// ---- store.Backend ----

// Get returns the resolved value for key; tombstones and misses report
// found=false.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := c.Read(ctx, key)
	if errs.Is(err, errs.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res.Value, true, nil
}

func (c *Coordinator) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.Write(ctx, key, value)
	return err
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	return c.Remove(ctx, key)
}
