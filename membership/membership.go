// Package membership runs gossip-based failure detection (hashicorp
// memberlist) and feeds replica liveness into the replication coordinator.
package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Notifier receives liveness changes; *replication.Coordinator implements it.
type Notifier interface {
	MarkUp(id string)
	MarkDown(id string)
}

// Config holds gossip settings.
type Config struct {
	NodeID         string
	BindAddr       string
	BindPort       int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	// GRPCAddr is advertised to peers in the node metadata.
	GRPCAddr string
}

// Meta is the metadata every node gossips about itself.
type Meta struct {
	GRPCAddr string `json:"grpc_addr"`
}

// Member is a live cluster member.
type Member struct {
	ID   string
	Addr string
	Meta Meta
}

// Service wraps a memberlist instance.
type Service struct {
	ml  *memberlist.Memberlist
	log *zap.Logger
}

// Start creates the memberlist, joins the seeds and starts reporting
// joins and departures to n.
func Start(cfg Config, n Notifier, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "membership"))

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = &metaDelegate{meta: Meta{GRPCAddr: cfg.GRPCAddr}}
	mlConfig.Events = newEvents(cfg.NodeID, n, log)
	mlConfig.LogOutput = zap.NewStdLog(log).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	if len(cfg.Seeds) > 0 {
		joined, err := ml.Join(cfg.Seeds)
		if err != nil {
			log.Warn("failed to join some seed nodes", zap.Int("joined", joined), zap.Error(err))
		}
	}
	log.Info("gossip started", zap.String("node", cfg.NodeID), zap.Int("port", cfg.BindPort))
	return &Service{ml: ml, log: log}, nil
}

// Members lists the live members as seen locally.
func (s *Service) Members() []Member {
	nodes := s.ml.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		m := Member{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), fmt.Sprint(n.Port))}
		_ = json.Unmarshal(n.Meta, &m.Meta)
		out = append(out, m)
	}
	return out
}

// Shutdown leaves the cluster gracefully and stops gossip.
func (s *Service) Shutdown(timeout time.Duration) error {
	if err := s.ml.Leave(timeout); err != nil {
		s.log.Warn("leave failed", zap.Error(err))
	}
	return s.ml.Shutdown()
}

// metaDelegate only publishes node metadata; user messages and state sync
// are unused.
type metaDelegate struct {
	meta Meta
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(d.meta)
	if len(data) > limit {
		return nil
	}
	return data
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// events translates memberlist notifications into MarkUp/MarkDown. The
// local node is ignored.
type events struct {
	self   string
	notify Notifier
	log    *zap.Logger

	mu   sync.Mutex
	live map[string]bool
}

func newEvents(self string, n Notifier, log *zap.Logger) *events {
	return &events{self: self, notify: n, log: log, live: make(map[string]bool)}
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	if node.Name == e.self {
		return
	}
	e.mu.Lock()
	e.live[node.Name] = true
	e.mu.Unlock()
	e.log.Info("node joined", zap.String("node_id", node.Name), zap.Stringer("addr", node.Addr))
	e.notify.MarkUp(node.Name)
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	if node.Name == e.self {
		return
	}
	e.mu.Lock()
	delete(e.live, node.Name)
	e.mu.Unlock()
	e.log.Info("node left", zap.String("node_id", node.Name))
	e.notify.MarkDown(node.Name)
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	e.log.Debug("node updated", zap.String("node_id", node.Name))
}

// Live returns the ids of remote nodes currently considered alive.
func (e *events) Live() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.live))
	for id := range e.live {
		out = append(out, id)
	}
	return out
}
