package replication

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (c *Coordinator) handoffLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HandoffInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
		case <-c.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandoffInterval+c.cfg.WriteTimeout)
		if n, err := c.Handoff(ctx); err != nil {
			c.log.Warn("hinted handoff pass failed", zap.Error(err))
		} else if n > 0 {
			c.log.Info("hinted handoff", zap.Int("replayed", n))
		}
		if c.cfg.HintTTL > 0 {
			if n, err := c.hints.Cleanup(ctx, c.cfg.HintTTL); err != nil {
				c.log.Warn("hint cleanup failed", zap.Error(err))
			} else if n > 0 {
				c.met.Hint("expired")
				c.log.Info("expired hints dropped", zap.Int("count", n))
			}
		}
		cancel()
	}
}

// Handoff replays hints for every preferred replica that answers a ping:
// first the hints the coordinator holds itself, then those parked on
// fallbacks. A replayed hint is deleted from wherever it was held. Replay
// is rate limited. It returns the number of hints delivered.
func (c *Coordinator) Handoff(ctx context.Context) (int, error) {
	replayed := 0
	for _, r := range c.preferred {
		if c.isDown(r.ID()) {
			continue
		}
		if err := r.Ping(ctx); err != nil {
			continue
		}

		local, err := c.hints.ForReplica(ctx, r.ID(), c.cfg.HandoffBatch)
		if err != nil {
			return replayed, err
		}
		for _, h := range local {
			ok, err := c.replay(ctx, r, h)
			if err != nil {
				return replayed, err
			}
			if !ok {
				break
			}
			if err := c.hints.Delete(ctx, h.HintID); err != nil {
				c.log.Warn("failed to delete replayed hint", zap.String("hint_id", h.HintID), zap.Error(err))
			}
			replayed++
		}

		for _, f := range c.fallbacks {
			if c.isDown(f.ID()) {
				continue
			}
			resp, err := f.Hints(ctx, HintsRequest{Intended: r.ID(), Limit: c.cfg.HandoffBatch})
			if err != nil {
				c.log.Debug("fallback hints unavailable", zap.String("fallback", f.ID()), zap.Error(err))
				continue
			}
			for _, h := range resp.Hints {
				ok, err := c.replay(ctx, r, h)
				if err != nil {
					return replayed, err
				}
				if !ok {
					break
				}
				if err := f.DropHint(ctx, DropHintRequest{HintID: h.HintID}); err != nil {
					c.log.Warn("failed to drop hint on fallback",
						zap.String("fallback", f.ID()), zap.String("hint_id", h.HintID), zap.Error(err))
				}
				replayed++
			}
		}
	}
	return replayed, nil
}

// replay proposes a hinted write to its intended replica. ok=false means
// the replica stopped answering; err is set only when ctx ended.
func (c *Coordinator) replay(ctx context.Context, r Replica, h HintedHandoff) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if _, err := r.Propose(ctx, h.Write); err != nil {
		c.log.Debug("hint replay failed",
			zap.String("replica", r.ID()), zap.String("hint_id", h.HintID), zap.Error(err))
		return false, nil
	}
	c.met.Hint("replayed")
	return true, nil
}
