// Package service runs the Raft cluster that replicates committed LMS
// leaf indices, and the HTTP API signers use to commit and query them.
package service

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/verifiable-state-chains/lmscore/fsm"
)

// Service wraps the Raft cluster and provides the API layer
type Service struct {
	raft   *raft.Raft
	api    *APIServer
	config *Config
	fsm    *fsm.LeafIndexFSM
}

// NewService creates and initializes a new service
func NewService(cfg *Config, leafFSM *fsm.LeafIndexFSM) (*Service, error) {
	// Create Raft data directory
	raftDir := filepath.Join(cfg.RaftDir, cfg.NodeID)
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %v", err)
	}

	// Define BoltDB path
	dbPath := filepath.Join(raftDir, "raft.db")

	// Create BoltDB store
	boltStore, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create BoltDB store: %v", err)
	}

	// Create snapshot store
	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 1, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	// Set up Raft configuration
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)

	// Reduce timeouts for faster failover
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 500 * time.Millisecond

	// Create transport for Raft communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.NodeAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %v", err)
	}

	transport, err := raft.NewTCPTransport(
		fmt.Sprintf("0.0.0.0:%d", cfg.RaftPort),
		addr,
		3,
		10*time.Second,
		os.Stderr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	// Create Raft node
	r, err := raft.NewRaft(config, leafFSM, boltStore, boltStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create Raft node: %v", err)
	}

	// Bootstrap cluster if needed
	if cfg.Bootstrap {
		log.Println("Bootstrapping cluster...")
		servers := make([]raft.Server, 0, len(cfg.ClusterNodes))
		for _, node := range cfg.ClusterNodes {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(node.ID),
				Address: raft.ServerAddress(node.Address),
			})
		}
		configuration := raft.Configuration{Servers: servers}
		bootstrapFuture := r.BootstrapCluster(configuration)
		if err := bootstrapFuture.Error(); err != nil {
			return nil, fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
		log.Println("Cluster bootstrapped successfully")
	}

	// Create API server
	api := NewAPIServer(r, leafFSM, cfg)

	return &Service{
		raft:   r,
		api:    api,
		config: cfg,
		fsm:    leafFSM,
	}, nil
}

// Start starts the service (API server)
func (s *Service) Start() error {
	// Log leadership changes
	go func() {
		for leader := range s.raft.LeaderCh() {
			if leader {
				log.Printf("Node %s is now the leader", s.config.NodeID)
			} else {
				log.Printf("Node %s lost leadership", s.config.NodeID)
			}
		}
	}()

	return s.api.Start()
}

// Shutdown gracefully shuts down the Raft node
func (s *Service) Shutdown() error {
	future := s.raft.Shutdown()
	return future.Error()
}

// Raft exposes the underlying Raft node.
func (s *Service) Raft() *raft.Raft {
	return s.raft
}
