package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/vclock"
)

// ReadResult is the outcome of a quorum read.
type ReadResult struct {
	Key string
	// Value, Version and Clock describe the resolved record. With
	// LastWriteWins the clock is the merge of all siblings.
	Value   []byte
	Version uint64
	Clock   vclock.Clock
	// Siblings lists concurrent versions when Resolution is Siblings and
	// replicas disagree; empty otherwise.
	Siblings []Record
}

// Read queries the preferred replicas and returns once R of them answered.
// A key that is absent or deleted yields errs.ErrCacheMiss.
func (c *Coordinator) Read(ctx context.Context, key string) (ReadResult, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	res, err := c.read(ctx, "replicate.read", key)
	c.met.Quorum("read", err == nil || errs.Is(err, errs.ErrCacheMiss), c.now().Sub(start))
	return res, err
}

type readResult struct {
	resp ReadResponse
	err  error
}

func (c *Coordinator) read(ctx context.Context, op, key string) (ReadResult, error) {
	bg, bgCancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReadTimeout)
	results := make(chan readResult, len(c.preferred))
	for _, r := range c.preferred {
		go func() {
			if c.isDown(r.ID()) {
				results <- readResult{err: errs.E(errs.ErrReplicaUnavailable, "replicate.read", r.ID(), nil)}
				return
			}
			resp, err := r.Read(bg, ReadRequest{Key: key})
			if err == nil {
				resp.ReplicaID = r.ID()
			}
			results <- readResult{resp: resp, err: err}
		}()
	}

	var (
		got     []ReadResponse
		fails   int
		lastErr error
	)
	for len(got) < c.cfg.R {
		select {
		case res := <-results:
			if res.err == nil {
				got = append(got, res.resp)
				continue
			}
			fails++
			lastErr = res.err
			if len(c.preferred)-fails < c.cfg.R {
				bgCancel()
				return ReadResult{}, errs.E(errs.ErrQuorumUnavailable, op, key,
					fmt.Errorf("%d of %d replicas answered, need %d: %w", len(got), len(c.preferred), c.cfg.R, lastErr))
			}
		case <-ctx.Done():
			bgCancel()
			return ReadResult{}, errs.E(errs.ErrLockTimeout, op, key,
				fmt.Errorf("read quorum not achieved (%d/%d replies): %w", len(got), c.cfg.R, ctx.Err()))
		}
	}

	var all []Record
	for _, resp := range got {
		all = append(all, resp.Records...)
	}
	set := maximal(all)
	c.observe(key, set)

	final := set
	if len(set) > 1 && c.cfg.Resolution == LastWriteWins {
		w := winner(set)
		merged := vclock.Clock{}
		for _, r := range set {
			merged = merged.Merge(r.Clock)
		}
		w.Clock = merged
		final = []Record{w}
	}

	// Late replies feed the repair together with the quorum ones.
	late := len(c.preferred) - len(got) - fails
	select {
	case <-c.stop:
		bgCancel()
	default:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer bgCancel()
			c.repair(bg, key, final, got, results, late)
		}()
	}

	if len(final) == 0 {
		return ReadResult{}, errs.E(errs.ErrCacheMiss, op, key, nil)
	}
	res := ReadResult{Key: key}
	if len(final) > 1 {
		res.Siblings = final
	}
	w := winner(final)
	if w.Deleted && len(final) == 1 {
		return ReadResult{}, errs.E(errs.ErrCacheMiss, op, key, nil)
	}
	res.Value, res.Version, res.Clock = w.Value, w.Version, w.Clock
	if len(final) > 1 {
		merged := vclock.Clock{}
		for _, r := range final {
			merged = merged.Merge(r.Clock)
		}
		res.Clock = merged
	}
	return res, nil
}

// repair brings every responder up to the resolved set. It is best effort:
// failures are logged and never retried, and a repair is not itself subject
// to the write quorum.
func (c *Coordinator) repair(ctx context.Context, key string, final []Record, got []ReadResponse, late <-chan readResult, pending int) {
	if len(final) == 0 {
		return
	}
	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()
collect:
	for ; pending > 0; pending-- {
		select {
		case res := <-late:
			if res.err == nil {
				got = append(got, res.resp)
			}
		case <-timer.C:
			break collect
		case <-c.stop:
			return
		}
	}

	repaired := 0
	for _, resp := range got {
		r, ok := c.byID[resp.ReplicaID]
		if !ok {
			continue
		}
		for _, rec := range final {
			if contains(resp.Records, rec) {
				continue
			}
			if _, err := r.Propose(ctx, ProposeWrite{Key: key, Record: rec, Repair: true}); err != nil {
				c.log.Debug("read repair failed",
					zap.String("replica", r.ID()), zap.String("key", key), zap.Error(err))
				continue
			}
			repaired++
		}
	}
	if repaired > 0 {
		c.met.ReadRepair(repaired)
		c.log.Debug("read repair", zap.String("key", key), zap.Int("writes", repaired))
	}
}

func newHintID() string { return uuid.NewString() }
