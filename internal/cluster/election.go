package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hedopia/communicators/internal/logging"
)

// transitionToLeader flips role to LEADER, clears the leader-lost timer,
// fires becomeLeader once, and sends an immediate heartbeat.
func (s *Service) transitionToLeader(ctx context.Context) {
	s.mu.Lock()
	s.role = RoleLeader
	s.lastTransition = time.Now()
	s.mu.Unlock()

	s.leaderLostMu.Lock()
	if s.leaderLostTimer != nil {
		s.leaderLostTimer.Stop()
		s.leaderLostTimer = nil
	}
	s.leaderLostMu.Unlock()

	s.bus.Publish(Event{Type: EventBecomeLeader})
	go s.sendHeartbeatOnce(ctx)
}

// transitionToFollower flips role to FOLLOWER, fires becomeFollower once,
// and arms the leader-lost timer.
func (s *Service) transitionToFollower(ctx context.Context) {
	s.mu.Lock()
	s.role = RoleFollower
	s.lastTransition = time.Now()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventBecomeFollower})
	s.armLeaderLostTimer(ctx)
}

// armLeaderLostTimer (re)starts the timer that fires electLeader once no
// LEADER heartbeat has arrived for LeaderLostTimeout.
func (s *Service) armLeaderLostTimer(ctx context.Context) {
	s.leaderLostMu.Lock()
	defer s.leaderLostMu.Unlock()
	if s.leaderLostTimer != nil {
		s.leaderLostTimer.Stop()
	}
	s.leaderLostTimer = time.AfterFunc(s.cfg.LeaderLostTimeout, func() {
		go func() {
			if err := s.electLeader(ctx); err != nil {
				logging.Warn(ctx, logging.ComponentCluster, logging.ActionElection, "election failed", map[string]any{"error": err.Error()})
			}
		}()
	})
}

// feedLeaderLostTimer resets the leader-lost timer; called only when a
// LEADER heartbeat is observed, not on every heartbeat.
func (s *Service) feedLeaderLostTimer() {
	s.leaderLostMu.Lock()
	defer s.leaderLostMu.Unlock()
	if s.leaderLostTimer != nil {
		s.leaderLostTimer.Reset(s.cfg.LeaderLostTimeout)
	}
}

// electLeader is guarded by a try-lock so concurrent triggers collapse
// into a single in-flight election, per spec §4.B: probe every known peer
// for its current role, and if none claims LEADER, instruct the lowest
// surviving nodeIndex to become LEADER (itself, if it is that index).
func (s *Service) electLeader(ctx context.Context) error {
	if !s.electionMu.TryLock() {
		return nil
	}
	defer s.electionMu.Unlock()

	candidates := map[int]string{s.selfIndex: s.selfUrl}
	var mu sync.Mutex
	var wg sync.WaitGroup
	leaderFound := false
	for _, url := range s.peerUrls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
			node, err := s.rpc.GetNodeStatus(cctx, s.httpClient, url)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			candidates[node.NodeIndex] = url
			s.peerIndexMu.Lock()
			s.peerIndexToURL[node.NodeIndex] = url
			s.peerIndexMu.Unlock()
			if node.Role == RoleLeader {
				leaderFound = true
			}
		}(url)
	}
	wg.Wait()

	if leaderFound {
		return nil
	}

	indices := make([]int, 0, len(candidates))
	for idx := range candidates {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		if idx == s.selfIndex {
			s.transitionToLeader(ctx)
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.rpc.SetToLeader(cctx, s.httpClient, candidates[idx])
		cancel()
		if err == nil {
			return nil
		}
	}
	return ErrLeaderNotFound
}
