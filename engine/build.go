package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/IvanBrykalov/quorumcache/cache"
	"github.com/IvanBrykalov/quorumcache/config"
	"github.com/IvanBrykalov/quorumcache/policy"
	"github.com/IvanBrykalov/quorumcache/replication"
	"github.com/IvanBrykalov/quorumcache/replication/pghint"
	"github.com/IvanBrykalov/quorumcache/store"
	"github.com/IvanBrykalov/quorumcache/store/leveldb"
	"github.com/IvanBrykalov/quorumcache/store/memory"
	"github.com/IvanBrykalov/quorumcache/store/redis"
	"github.com/IvanBrykalov/quorumcache/transport/grpcx"
	"github.com/IvanBrykalov/quorumcache/txn"
	"github.com/IvanBrykalov/quorumcache/writepolicy"
)

// Options configures New. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Metrics receives signals from every component; nil disables them.
	Metrics Metrics
	// Backend overrides the storage section for the unreplicated engine.
	Backend store.Backend
	// DialOptions are appended when dialing remote peers.
	DialOptions []grpc.DialOption
}

// New builds an engine. On error every component created so far is
// closed again.
func New(ctx context.Context, o Options) (_ *Engine, err error) {
	if o.Config == nil {
		o.Config = config.Default()
	}
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	cfg := *o.Config
	e := &Engine{
		cfg:   cfg,
		log:   o.Logger,
		level: txn.Isolation(cfg.Transaction.IsolationLevel),
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	pol, err := cache.NewPolicy(policy.Kind(cfg.Cache.EvictionPolicy), cfg.Cache.SLRUProbationRatio)
	if err != nil {
		return nil, err
	}
	copts := cache.Options[string, []byte]{
		Capacity:      cfg.Cache.Capacity,
		Shards:        cfg.Cache.Shards,
		Policy:        pol,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Cost:          func(v []byte) int { return len(v) },
		Logger:        o.Logger,
	}
	if o.Metrics != nil {
		copts.Metrics = o.Metrics
	}
	e.cache = cache.New(copts)

	backend := o.Backend
	switch {
	case cfg.Replication.Enabled:
		if err := e.buildReplication(ctx, o); err != nil {
			return nil, err
		}
		backend = e.coord
	case backend == nil:
		if backend, err = e.openStore(ctx, ""); err != nil {
			return nil, err
		}
	}

	wopts := writepolicy.Options{
		Kind:           writepolicy.Kind(cfg.Write.Policy),
		Cache:          e.cache,
		Backend:        backend,
		FlushInterval:  cfg.Write.FlushInterval,
		FlushThreshold: cfg.Write.FlushThreshold,
		Logger:         o.Logger,
	}
	if o.Metrics != nil {
		wopts.Metrics = o.Metrics
	}
	if e.wp, err = writepolicy.New(wopts); err != nil {
		return nil, err
	}

	if cfg.Cache.WarmOnStart {
		if err := e.warm(ctx, backend); err != nil {
			return nil, err
		}
	}

	topts := txn.Options{
		Store:               policyStore{p: e.wp},
		Mode:                txn.SerializableMode(cfg.Transaction.SerializableMode),
		LockTimeout:         cfg.Transaction.LockTimeout,
		DeadlockSearchDepth: cfg.Transaction.DeadlockSearchDepth,
		Logger:              o.Logger,
	}
	if o.Metrics != nil {
		topts.Metrics = o.Metrics
	}
	if e.txns, err = txn.NewManager(topts); err != nil {
		return nil, err
	}

	e.log.Info("engine started",
		zap.String("eviction", cfg.Cache.EvictionPolicy),
		zap.String("write_policy", cfg.Write.Policy),
		zap.String("isolation", cfg.Transaction.IsolationLevel),
		zap.Bool("replicated", cfg.Replication.Enabled))
	return e, nil
}

var errWarmFull = errors.New("cache full")

// warm copies backend entries into the cache until it is full. Backends
// that cannot enumerate keys are skipped.
func (e *Engine) warm(ctx context.Context, backend store.Backend) error {
	sc, ok := backend.(store.Scanner)
	if !ok {
		e.log.Debug("backend cannot be scanned, skipping cache warm-up")
		return nil
	}
	n := 0
	err := sc.Scan(ctx, "", func(k string, v []byte) error {
		if n >= e.cfg.Cache.Capacity {
			return errWarmFull
		}
		e.cache.Set(k, v)
		n++
		return nil
	})
	if err != nil && !errors.Is(err, errWarmFull) {
		return fmt.Errorf("warm cache: %w", err)
	}
	e.log.Info("cache warmed", zap.Int("entries", n))
	return nil
}

// openStore opens the configured backend. name namespaces replicas that
// share one storage location.
func (e *Engine) openStore(ctx context.Context, name string) (store.Backend, error) {
	s := e.cfg.Storage
	switch s.Driver {
	case "leveldb":
		path := s.Path
		if name != "" {
			path = filepath.Join(path, name)
		}
		db, err := leveldb.Open(path, leveldb.Options{})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, db.Close)
		return db, nil
	case "redis":
		prefix := s.KeyPrefix
		if name != "" {
			prefix += name + ":"
		}
		rs, err := redis.New(ctx, redis.Config{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, rs.Close)
		return rs, nil
	default:
		return memory.New(), nil
	}
}

// buildReplication creates the replica set and the coordinator. Without
// peers every replica runs in-process; otherwise the peer named NodeID is
// local and the rest are dialed over gRPC.
func (e *Engine) buildReplication(ctx context.Context, o Options) error {
	rc := e.cfg.Replication
	causal := replication.Consistency(rc.ConsistencyModel) == replication.Causal

	newLocal := func(id string) (*replication.LocalReplica, error) {
		st, err := e.openStore(ctx, id)
		if err != nil {
			return nil, err
		}
		r, err := replication.NewLocalReplica(id, replication.ReplicaOptions{
			Store:  st,
			Hints:  replication.NewMemoryHintStore(rc.MaxHintsPerReplica),
			Causal: causal,
			Logger: o.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.local = append(e.local, r)
		return r, nil
	}

	var replicas []replication.Replica
	if len(rc.Peers) == 0 {
		for i := 0; i < rc.ReplicaCount+rc.FallbackReplicas; i++ {
			r, err := newLocal(fmt.Sprintf("%s-r%d", rc.NodeID, i+1))
			if err != nil {
				return err
			}
			replicas = append(replicas, r)
		}
	} else {
		for _, p := range rc.Peers {
			if p.ID == rc.NodeID {
				r, err := newLocal(p.ID)
				if err != nil {
					return err
				}
				e.self = r
				replicas = append(replicas, r)
				continue
			}
			c, err := grpcx.Dial(p.ID, p.Addr, o.DialOptions...)
			if err != nil {
				return fmt.Errorf("dial peer %s: %w", p.ID, err)
			}
			e.closers = append(e.closers, c.Close)
			replicas = append(replicas, c)
		}
	}

	var hints replication.HintStore = replication.NewMemoryHintStore(rc.MaxHintsPerReplica)
	if e.cfg.Hints.Driver == "postgres" {
		pg, err := pghint.Connect(ctx, e.cfg.Hints.PostgresDSN, e.cfg.Hints.Table)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() error { pg.Close(); return nil })
		hints = pg
	}

	ropts := replication.Options{
		Config:   rc.Quorum(),
		Replicas: replicas,
		Hints:    hints,
		Logger:   o.Logger,
	}
	if o.Metrics != nil {
		ropts.Metrics = o.Metrics
	}
	coord, err := replication.New(ropts)
	if err != nil {
		return err
	}
	e.coord = coord
	return nil
}
