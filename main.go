package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/verifiable-state-chains/lmscore/fsm"
	"github.com/verifiable-state-chains/lmscore/server"
	"github.com/verifiable-state-chains/lmscore/service"
)

func main() {
	mode := flag.String("mode", "signer", "Run mode: signer (signing server) or index (leaf-index cluster node)")

	// Signing server flags
	signerPort := flag.Int("port", 9090, "Signing server port")
	keyDBPath := flag.String("key-db", "./data/keys.db", "Key store path")
	userDBPath := flag.String("user-db", "./data/users.db", "User database path")

	// Leaf-index cluster flags
	nodeID := flag.String("id", "node1", "Node ID (e.g., node1, node2, node3)")
	nodeAddr := flag.String("addr", "127.0.0.1:7000", "Node address (IP:port for Raft)")
	apiPort := flag.Int("api-port", 8080, "Index API server port")
	raftDir := flag.String("raft-dir", "./raft-data", "Raft data directory")
	bootstrap := flag.Bool("bootstrap", false, "Bootstrap the cluster")
	flag.Parse()

	switch *mode {
	case "signer":
		runSigner(*signerPort, *keyDBPath, *userDBPath)
	case "index":
		runIndexNode(*nodeID, *nodeAddr, *apiPort, *raftDir, *bootstrap)
	default:
		log.Fatalf("Unknown mode: %s", *mode)
	}
}

func runSigner(port int, keyDBPath, userDBPath string) {
	srv, err := server.NewServer(port, keyDBPath, userDBPath)
	if err != nil {
		log.Fatalf("Failed to create signing server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, shutting down...", sig)
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("Starting LMS signing server")
	log.Printf("  Port: %d", port)
	log.Printf("  Key store: %s", keyDBPath)
	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func runIndexNode(nodeID, nodeAddr string, apiPort int, raftDir string, bootstrap bool) {
	cfg := service.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.NodeAddr = nodeAddr
	cfg.APIPort = apiPort
	cfg.RaftDir = raftDir
	cfg.Bootstrap = bootstrap

	svc, err := service.NewService(cfg, fsm.NewLeafIndexFSM())
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, shutting down...", sig)
		if err := svc.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("Starting leaf-index cluster node")
	log.Printf("  Node ID: %s", nodeID)
	log.Printf("  Raft Address: %s", nodeAddr)
	log.Printf("  API Port: %d", apiPort)
	log.Printf("  Bootstrap: %v", bootstrap)
	if err := svc.Start(); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}
