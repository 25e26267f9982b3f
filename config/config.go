// Package config defines the engine and server configuration: defaults,
// YAML/env loading through viper, validation and logger construction.
package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/policy"
	"github.com/IvanBrykalov/quorumcache/replication"
	"github.com/IvanBrykalov/quorumcache/txn"
	"github.com/IvanBrykalov/quorumcache/writepolicy"
)

// EnvPrefix prefixes environment overrides: QC_CACHE_CAPACITY overrides
// cache.capacity.
const EnvPrefix = "QC"

// Config is the full configuration.
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Write       WriteConfig       `yaml:"write" mapstructure:"write"`
	Replication ReplicationConfig `yaml:"replication" mapstructure:"replication"`
	Transaction TransactionConfig `yaml:"transaction" mapstructure:"transaction"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Hints       HintsConfig       `yaml:"hints" mapstructure:"hints"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Gossip      GossipConfig      `yaml:"gossip" mapstructure:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// CacheConfig sizes the in-process cache. Shards defaults to 1, which keeps
// one global eviction order; with more shards capacity is split and each
// shard evicts on its own. 0 picks a count from GOMAXPROCS.
type CacheConfig struct {
	Capacity           int           `yaml:"capacity" mapstructure:"capacity"`
	Shards             int           `yaml:"shards" mapstructure:"shards"`
	EvictionPolicy     string        `yaml:"eviction_policy" mapstructure:"eviction_policy"`
	SLRUProbationRatio float64       `yaml:"slru_probation_ratio" mapstructure:"slru_probation_ratio"`
	DefaultTTL         time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	// WarmOnStart preloads the cache from a scannable backend, up to capacity.
	WarmOnStart bool `yaml:"warm_on_start" mapstructure:"warm_on_start"`
}

// WriteConfig selects how writes reach the backing store.
type WriteConfig struct {
	Policy         string        `yaml:"policy" mapstructure:"policy"`
	FlushInterval  time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold" mapstructure:"flush_threshold"`
}

// Peer is a remote replica reachable over gRPC.
type Peer struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// ReplicationConfig configures the quorum layer. When Enabled and Peers is
// empty, ReplicaCount+FallbackReplicas replicas run in-process.
type ReplicationConfig struct {
	Enabled            bool          `yaml:"enabled" mapstructure:"enabled"`
	NodeID             string        `yaml:"node_id" mapstructure:"node_id"`
	ReplicaCount       int           `yaml:"replica_count" mapstructure:"replica_count"`
	WriteQuorum        int           `yaml:"write_quorum" mapstructure:"write_quorum"`
	ReadQuorum         int           `yaml:"read_quorum" mapstructure:"read_quorum"`
	ConsistencyModel   string        `yaml:"consistency_model" mapstructure:"consistency_model"`
	ConflictResolution string        `yaml:"conflict_resolution" mapstructure:"conflict_resolution"`
	SloppyQuorum       bool          `yaml:"sloppy_quorum" mapstructure:"sloppy_quorum"`
	FallbackReplicas   int           `yaml:"fallback_replicas" mapstructure:"fallback_replicas"`
	WriteTimeout       time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	HandoffInterval    time.Duration `yaml:"handoff_interval" mapstructure:"handoff_interval"`
	HandoffRate        float64       `yaml:"handoff_rate" mapstructure:"handoff_rate"`
	HintTTL            time.Duration `yaml:"hint_ttl" mapstructure:"hint_ttl"`
	MaxHintsPerReplica int           `yaml:"max_hints_per_replica" mapstructure:"max_hints_per_replica"`
	// Peers lists the replica set in preference order. The entry whose ID
	// equals NodeID is served by this process.
	Peers []Peer `yaml:"peers" mapstructure:"peers"`
}

// TransactionConfig sets the default isolation and the serializable
// concurrency control.
type TransactionConfig struct {
	IsolationLevel      string        `yaml:"isolation_level" mapstructure:"isolation_level"`
	SerializableMode    string        `yaml:"serializable_mode" mapstructure:"serializable_mode"`
	LockTimeout         time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	DeadlockSearchDepth int           `yaml:"deadlock_search_depth" mapstructure:"deadlock_search_depth"`
}

// StorageConfig selects the backing store (or, with replication, the store
// every local replica persists into).
type StorageConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"` // memory | leveldb | redis
	Path          string `yaml:"path" mapstructure:"path"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// HintsConfig selects where the coordinator parks hints.
type HintsConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory | postgres
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	Table       string `yaml:"table" mapstructure:"table"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" mapstructure:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr" mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type GossipConfig struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	BindAddr string   `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort int      `yaml:"bind_port" mapstructure:"bind_port"`
	Seeds    []string `yaml:"seeds" mapstructure:"seeds"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug | info | warn | error
	Format string `yaml:"format" mapstructure:"format"` // json | console
}

// Default returns a single-node configuration: LRU cache in front of an
// in-memory store, write-through, read-committed.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Capacity:           10000,
			Shards:             1,
			EvictionPolicy:     string(policy.KindLRU),
			SLRUProbationRatio: 0.25,
		},
		Write: WriteConfig{
			Policy:         string(writepolicy.WriteThrough),
			FlushInterval:  time.Second,
			FlushThreshold: 128,
		},
		Replication: ReplicationConfig{
			NodeID:             "node-1",
			ReplicaCount:       3,
			WriteQuorum:        2,
			ReadQuorum:         2,
			ConsistencyModel:   string(replication.Linearizable),
			ConflictResolution: string(replication.LastWriteWins),
			WriteTimeout:       2 * time.Second,
			ReadTimeout:        2 * time.Second,
			HandoffInterval:    10 * time.Second,
			HandoffRate:        100,
			HintTTL:            24 * time.Hour,
			MaxHintsPerReplica: 10000,
		},
		Transaction: TransactionConfig{
			IsolationLevel:      string(txn.ReadCommitted),
			SerializableMode:    string(txn.Optimistic),
			LockTimeout:         time.Second,
			DeadlockSearchDepth: 64,
		},
		Storage: StorageConfig{
			Driver:    "memory",
			Path:      "data",
			RedisAddr: "localhost:6379",
			KeyPrefix: "qc:",
		},
		Hints: HintsConfig{
			Driver: "memory",
			Table:  "hints",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Gossip: GossipConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "quorumcache",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration. Defaults are overlaid by the YAML file at
// path (optional; "" skips it) and then by QC_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding viper with the defaults registers every key, so AutomaticEnv
	// can override keys the file does not mention.
	defaults, err := Default().YAML()
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// YAML dumps the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// Validate checks ranges and enum values. Errors wrap errs.ErrInvalidConfig.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return errs.E(errs.ErrInvalidConfig, "config", "", fmt.Errorf(format, args...))
	}

	if c.Cache.Capacity <= 0 {
		return bad("cache.capacity must be positive")
	}
	if c.Cache.Shards < 0 {
		return bad("cache.shards must not be negative")
	}
	kind, err := policy.ParseKind(c.Cache.EvictionPolicy)
	if err != nil {
		return bad("cache.eviction_policy: %v", err)
	}
	if kind == policy.KindSLRU && (c.Cache.SLRUProbationRatio <= 0 || c.Cache.SLRUProbationRatio >= 1) {
		return bad("cache.slru_probation_ratio must be in (0,1), got %v", c.Cache.SLRUProbationRatio)
	}
	if c.Cache.DefaultTTL < 0 {
		return bad("cache.default_ttl must not be negative")
	}

	wk, err := writepolicy.ParseKind(c.Write.Policy)
	if err != nil {
		return bad("write.policy: %v", err)
	}
	if wk == writepolicy.WriteBack && c.Write.FlushInterval <= 0 && c.Write.FlushThreshold <= 0 {
		return bad("write-back needs write.flush_interval or write.flush_threshold")
	}

	if err := c.validateReplication(); err != nil {
		return err
	}

	if _, err := txn.ParseIsolation(c.Transaction.IsolationLevel); err != nil {
		return bad("transaction.isolation_level: %v", err)
	}
	switch txn.SerializableMode(c.Transaction.SerializableMode) {
	case txn.Optimistic, txn.TwoPhaseLocked:
	default:
		return bad("transaction.serializable_mode must be occ or 2pl, got %q", c.Transaction.SerializableMode)
	}

	switch c.Storage.Driver {
	case "memory":
	case "leveldb":
		if c.Storage.Path == "" {
			return bad("storage.path is required for leveldb")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return bad("storage.redis_addr is required for redis")
		}
	default:
		return bad("storage.driver must be memory, leveldb or redis, got %q", c.Storage.Driver)
	}

	switch c.Hints.Driver {
	case "memory":
	case "postgres":
		if c.Hints.PostgresDSN == "" {
			return bad("hints.postgres_dsn is required for postgres")
		}
	default:
		return bad("hints.driver must be memory or postgres, got %q", c.Hints.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return bad("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return bad("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateReplication() error {
	r := c.Replication
	if !r.Enabled {
		return nil
	}
	if r.NodeID == "" {
		return errs.E(errs.ErrInvalidConfig, "config", "", fmt.Errorf("replication.node_id is required"))
	}
	replicas := r.ReplicaCount + r.FallbackReplicas
	if len(r.Peers) > 0 {
		replicas = len(r.Peers)
		seen := make(map[string]bool, len(r.Peers))
		for _, p := range r.Peers {
			if p.ID == "" || (p.Addr == "" && p.ID != r.NodeID) {
				return errs.E(errs.ErrInvalidConfig, "config", "", fmt.Errorf("replication.peers: id and addr are required"))
			}
			if seen[p.ID] {
				return errs.E(errs.ErrInvalidConfig, "config", "", fmt.Errorf("replication.peers: duplicate id %q", p.ID))
			}
			seen[p.ID] = true
		}
	}
	return r.Quorum().Validate(replicas)
}

// Quorum converts the replication section into coordinator settings.
func (r ReplicationConfig) Quorum() replication.Config {
	return replication.Config{
		NodeID:          r.NodeID,
		N:               r.ReplicaCount,
		W:               r.WriteQuorum,
		R:               r.ReadQuorum,
		Consistency:     replication.Consistency(r.ConsistencyModel),
		Resolution:      replication.Resolution(r.ConflictResolution),
		SloppyQuorum:    r.SloppyQuorum,
		WriteTimeout:    r.WriteTimeout,
		ReadTimeout:     r.ReadTimeout,
		HandoffInterval: r.HandoffInterval,
		HandoffRate:     r.HandoffRate,
		HintTTL:         r.HintTTL,
	}
}
