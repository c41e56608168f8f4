package service

import "testing"

func TestGetNodeByID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClusterNodes = []ClusterNode{
		{ID: "node1", Address: "10.0.0.1:7000", APIPort: 8080},
		{ID: "node2", Address: "10.0.0.2:7000", APIPort: 8081},
	}

	node := cfg.GetNodeByID("node2")
	if node == nil || node.Address != "10.0.0.2:7000" {
		t.Errorf("Expected node2 at 10.0.0.2:7000, got %+v", node)
	}

	if cfg.GetNodeByID("node9") != nil {
		t.Error("Expected nil for unknown node ID")
	}
}

func TestGetAPIAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClusterNodes = []ClusterNode{
		{ID: "node1", Address: "10.0.0.1:7000", APIPort: 8080},
	}

	if addr := cfg.GetAPIAddress("node1"); addr != "10.0.0.1:8080" {
		t.Errorf("Expected 10.0.0.1:8080, got %s", addr)
	}

	if addr := cfg.GetAPIAddress("node9"); addr != "" {
		t.Errorf("Expected empty address for unknown node, got %s", addr)
	}
}
