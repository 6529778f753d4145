package cluster

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// newTestNode wires a Service to an in-process HTTP server, mirroring how
// cmd/communicators wires RegisterRoutes before calling Start.
func newTestNode(t *testing.T, cfg ServiceConfig, nodeIndex int) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(cfg, nodeIndex)
	router := mux.NewRouter()
	RegisterRoutes(router, cfg.BasePath, svc)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return svc, server
}

func testClusterConfig() ServiceConfig {
	return ServiceConfig{
		BasePath:          "/cluster",
		HeartbeatInterval: 30 * time.Millisecond,
		LeaderLostTimeout: 120 * time.Millisecond,
		ConnectTimeout:    200 * time.Millisecond,
		ReadTimeout:       200 * time.Millisecond,
	}
}

func TestElectionConverges(t *testing.T) {
	cfg := testClusterConfig()

	svc1, s1 := newTestNode(t, cfg, 1)
	svc2, s2 := newTestNode(t, cfg, 2)
	svc3, s3 := newTestNode(t, cfg, 3)
	urls := []string{s1.URL, s2.URL, s3.URL}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, svc := range []*Service{svc1, svc2, svc3} {
		if err := svc.Start(ctx, urls); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		t.Cleanup(svc.Stop)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc1.CurrentRole() == RoleLeader && svc2.CurrentRole() == RoleFollower && svc3.CurrentRole() == RoleFollower {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected node 1 (lowest index) to become leader; roles: %v %v %v", svc1.CurrentRole(), svc2.CurrentRole(), svc3.CurrentRole())
}

func TestQuorumActivation(t *testing.T) {
	cfg := testClusterConfig()

	svc1, s1 := newTestNode(t, cfg, 1)
	svc2, s2 := newTestNode(t, cfg, 2)
	svc3, s3 := newTestNode(t, cfg, 3)
	urls := []string{s1.URL, s2.URL, s3.URL}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, svc := range []*Service{svc1, svc2, svc3} {
		if err := svc.Start(ctx, urls); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		t.Cleanup(svc.Stop)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc1.IsActivated() && svc2.IsActivated() && svc3.IsActivated() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected all three nodes to reach quorum activation")
}

func TestMergeSharedObjectReplicatesToFollowers(t *testing.T) {
	cfg := testClusterConfig()

	svc1, s1 := newTestNode(t, cfg, 1)
	svc2, s2 := newTestNode(t, cfg, 2)
	urls := []string{s1.URL, s2.URL}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, svc := range []*Service{svc1, svc2} {
		if err := svc.Start(ctx, urls); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		t.Cleanup(svc.Stop)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc1.CurrentRole() != RoleLeader {
		time.Sleep(20 * time.Millisecond)
	}
	if svc1.CurrentRole() != RoleLeader {
		t.Fatalf("expected node 1 to become leader before write")
	}

	if err := svc2.MergeSharedObject(ctx, map[string]any{"device1": map[string]any{"status": "connected"}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := svc1.GetSharedObject(ctx, 2)
		if err == nil {
			if status, ok := getPath(entry.Tree, []string{"device1", "status"}); ok && status == "connected" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected leader to observe follower's merged write within the heartbeat/confirm window")
}
