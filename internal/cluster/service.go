package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hedopia/communicators/internal/logging"
)

// ServiceConfig is the subset of pkg/config.Config the cluster service
// needs, translated by the caller at startup (mirroring the teacher's
// Config.ToClusterConfig conversion).
type ServiceConfig struct {
	BasePath          string
	HeartbeatInterval time.Duration
	LeaderLostTimeout time.Duration
	QuorumOverride    int
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
}

// Service is the cluster coordination plane for one node: membership,
// leader election, heartbeat timers, and shared-object replication, per
// spec §4.B. It implements Transport for the routes RegisterRoutes wires
// up, and exposes MergeSharedObject/DeleteSharedObject/Subscribe to the
// rest of the process.
type Service struct {
	cfg       ServiceConfig
	selfIndex int
	selfUrl   string
	peerUrls  []string

	rpc        *RPCClient
	httpClient *http.Client
	bus        *EventBus
	redirector *Redirector

	mu                     sync.RWMutex
	role                   Role
	lastTransition         time.Time
	prepared               bool
	activated              bool
	sawLeaderDuringPrepare bool

	clusterMu      sync.Mutex
	clusterView    map[int]*time.Timer
	maxClusterSize int

	leaderLostMu    sync.Mutex
	leaderLostTimer *time.Timer

	setSharedObjectMu sync.Mutex
	heartbeatMu       sync.Mutex
	syncMu            sync.Mutex
	electionMu        sync.Mutex

	objectsMu sync.RWMutex
	objects   map[int]SharedEntry

	peerIndexMu    sync.RWMutex
	peerIndexToURL map[int]string

	stopCh chan struct{}
}

// NewService builds an unstarted Service for nodeIndex. Call Start with
// the node's nodeTargetUrls once this node's own HTTP server is listening.
func NewService(cfg ServiceConfig, nodeIndex int) *Service {
	s := &Service{
		cfg:            cfg,
		selfIndex:      nodeIndex,
		rpc:            NewRPCClient(cfg.BasePath),
		httpClient:     &http.Client{Timeout: cfg.ReadTimeout},
		bus:            NewEventBus(),
		role:           RoleFollower,
		clusterView:    make(map[int]*time.Timer),
		maxClusterSize: 1,
		objects:        map[int]SharedEntry{nodeIndex: {Seq: 0, Tree: make(map[string]any)}},
		peerIndexToURL: make(map[int]string),
		stopCh:         make(chan struct{}),
	}
	s.redirector = NewRedirector(s)
	return s
}

// Subscribe registers a new channel for cluster events (becomeLeader,
// becomeFollower, splitBrainResolved, clusterAdded, clusterDeleted,
// activated, inactivated, overwritten).
func (s *Service) Subscribe() <-chan Event {
	return s.bus.Subscribe()
}

// Unsubscribe removes a previously subscribed channel.
func (s *Service) Unsubscribe(ch <-chan Event) {
	s.bus.Unsubscribe(ch)
}

// SelfIndex returns this node's configured index.
func (s *Service) SelfIndex() int { return s.selfIndex }

// Redirector exposes this node's toLeader/toIndex/toAll forwarding helper
// so other layers (internal/driver, internal/restapi) can route a request
// without re-implementing leader discovery.
func (s *Service) Redirector() *Redirector { return s.redirector }

// KnownIndices returns every node index this node currently knows a peer
// URL for, plus its own index, so the driver layer can enumerate shared
// objects across the cluster to rebuild deviceIdMap.
func (s *Service) KnownIndices() []int {
	s.peerIndexMu.RLock()
	defer s.peerIndexMu.RUnlock()
	indices := make([]int, 0, len(s.peerIndexToURL)+1)
	indices = append(indices, s.selfIndex)
	for idx := range s.peerIndexToURL {
		if idx != s.selfIndex {
			indices = append(indices, idx)
		}
	}
	return indices
}

// CurrentRole returns the node's current role.
func (s *Service) CurrentRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// IsPrepared reports whether the startup prepare window has elapsed.
func (s *Service) IsPrepared() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prepared
}

// IsActivated reports whether the live cluster view has reached quorum.
func (s *Service) IsActivated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activated
}

// Quorum computes the current quorum size: the configured override, or
// floor(maxClusterSize/2)+1.
func (s *Service) Quorum() int {
	if s.cfg.QuorumOverride > 0 {
		return s.cfg.QuorumOverride
	}
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()
	return s.maxClusterSize/2 + 1
}

// Start resolves this node's own URL among nodeTargetUrls, then begins the
// prepare window and heartbeat ticker. The node's own HTTP server (with
// RegisterRoutes already mounted) must be accepting connections before
// Start is called, since self-URL resolution is a real network probe.
func (s *Service) Start(ctx context.Context, nodeTargetUrls []string) error {
	selfUrl, peerUrls, err := s.resolveSelf(ctx, nodeTargetUrls)
	if err != nil {
		return fmt.Errorf("resolve self url: %w", err)
	}
	s.selfUrl = selfUrl
	s.peerUrls = peerUrls

	go s.prepareLoop(ctx)
	go s.heartbeatLoop(ctx)
	return nil
}

// Stop halts the heartbeat ticker and any armed timers.
func (s *Service) Stop() {
	close(s.stopCh)
	s.leaderLostMu.Lock()
	if s.leaderLostTimer != nil {
		s.leaderLostTimer.Stop()
	}
	s.leaderLostMu.Unlock()
	s.clusterMu.Lock()
	for _, t := range s.clusterView {
		t.Stop()
	}
	s.clusterMu.Unlock()
}

func (s *Service) resolveSelf(ctx context.Context, urls []string) (string, []string, error) {
	type probe struct {
		url string
		idx int
		err error
	}
	results := make(chan probe, len(urls))
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
			idx, err := s.rpc.Index(cctx, s.httpClient, url)
			results <- probe{url, idx, err}
		}(url)
	}
	go func() { wg.Wait(); close(results) }()

	var selfUrl string
	var peerUrls []string
	for r := range results {
		if r.err != nil {
			logging.Warn(ctx, logging.ComponentCluster, logging.ActionStart, "probe failed while resolving self url", map[string]any{"url": r.url, "error": r.err.Error()})
			continue
		}
		if r.idx == s.selfIndex {
			selfUrl = r.url
		} else {
			peerUrls = append(peerUrls, r.url)
			s.peerIndexMu.Lock()
			s.peerIndexToURL[r.idx] = r.url
			s.peerIndexMu.Unlock()
		}
	}
	if selfUrl == "" {
		return "", nil, fmt.Errorf("no url in node_target_urls answered /index with this node's index %d", s.selfIndex)
	}
	return selfUrl, peerUrls, nil
}

// prepareLoop implements the startup "preparing" window: sleep
// leaderLostTimeout*1.5 to give an existing LEADER a chance to assert
// itself, then settle on LEADER (only nodeIndex==1, and only if no leader
// was observed) or FOLLOWER.
func (s *Service) prepareLoop(ctx context.Context) {
	select {
	case <-time.After(time.Duration(float64(s.cfg.LeaderLostTimeout) * 1.5)):
	case <-s.stopCh:
		return
	}

	s.mu.Lock()
	sawLeader := s.sawLeaderDuringPrepare
	s.prepared = true
	s.mu.Unlock()

	if s.selfIndex == 1 && !sawLeader {
		s.transitionToLeader(ctx)
	} else {
		s.transitionToFollower(ctx)
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendHeartbeatOnce(ctx)
		}
	}
}

func (s *Service) sendHeartbeatOnce(ctx context.Context) {
	s.mu.RLock()
	role := s.role
	lastTransition := s.lastTransition
	s.mu.RUnlock()
	seqMap := s.snapshotSeqMap()

	var result *multierror.Error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, url := range s.peerUrls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
			if err := s.rpc.Heartbeat(cctx, s.httpClient, url, s.selfIndex, role, lastTransition, seqMap); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(url)
	}
	wg.Wait()
	if result != nil {
		logging.Debug(ctx, logging.ComponentCluster, logging.ActionHeartbeat, "heartbeat fan-out had failures", map[string]any{"error": result.Error()})
	}
}

func (s *Service) snapshotSeqMap() SeqMap {
	s.objectsMu.RLock()
	defer s.objectsMu.RUnlock()
	out := make(SeqMap, len(s.objects))
	for idx, entry := range s.objects {
		out[idx] = entry.Seq
	}
	return out
}

// resolvePeerURL maps nodeIndex to a peer URL, probing live if the cache
// doesn't have it (a peer may have joined since the last probe).
func (s *Service) resolvePeerURL(ctx context.Context, nodeIndex int) (string, error) {
	if nodeIndex == s.selfIndex {
		return s.selfUrl, nil
	}
	s.peerIndexMu.RLock()
	url, ok := s.peerIndexToURL[nodeIndex]
	s.peerIndexMu.RUnlock()
	if ok {
		return url, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var found string
	for _, candidate := range s.peerUrls {
		wg.Add(1)
		go func(candidate string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
			node, err := s.rpc.GetNodeStatus(cctx, s.httpClient, candidate)
			if err != nil {
				return
			}
			s.peerIndexMu.Lock()
			s.peerIndexToURL[node.NodeIndex] = candidate
			s.peerIndexMu.Unlock()
			if node.NodeIndex == nodeIndex {
				mu.Lock()
				found = candidate
				mu.Unlock()
			}
		}(candidate)
	}
	wg.Wait()
	if found == "" {
		return "", ErrNodeIndexNotFound
	}
	return found, nil
}

// --- Transport implementation ---

// Heartbeat is invoked when a peer's heartbeat reaches this node.
func (s *Service) Heartbeat(ctx context.Context, fromIndex int, role Role, lastTransition time.Time, seqMap SeqMap) error {
	s.onPeerHeartbeat(ctx, fromIndex)

	s.mu.Lock()
	selfRole := s.role
	if role == RoleLeader {
		s.sawLeaderDuringPrepare = true
	}
	s.mu.Unlock()

	if selfRole == RoleLeader && role == RoleLeader && fromIndex != s.selfIndex {
		s.transitionToFollower(ctx)
		go s.pushSyncToPeer(ctx, fromIndex)
		s.bus.Publish(Event{Type: EventSplitBrainResolved, NodeIndex: fromIndex})
		return nil
	}

	if selfRole == RoleFollower && role == RoleLeader {
		s.feedLeaderLostTimer()
		s.reconcileFromLeader(ctx, fromIndex, seqMap)
		return nil
	}

	if selfRole == RoleLeader && role == RoleFollower {
		s.reconcileFollowerOnLeader(ctx, fromIndex, seqMap)
	}
	return nil
}

func (s *Service) pushSyncToPeer(ctx context.Context, leaderIndex int) {
	url, err := s.resolvePeerURL(ctx, leaderIndex)
	if err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionSync, "could not resolve demoted-leader sync target", map[string]any{"error": err.Error()})
		return
	}
	s.syncMu.Lock()
	s.objectsMu.RLock()
	fullMap := make(map[int]SharedEntry, len(s.objects))
	for idx, entry := range s.objects {
		fullMap[idx] = entry.Clone()
	}
	seqMap := make(SeqMap, len(s.objects))
	for idx, entry := range s.objects {
		seqMap[idx] = entry.Seq
	}
	s.objectsMu.RUnlock()
	s.syncMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	if err := s.rpc.SyncSharedObject(cctx, s.httpClient, url, leaderIndex, fullMap, seqMap); err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionSync, "split-brain sync push failed", map[string]any{"error": err.Error()})
	}
}

func (s *Service) reconcileFromLeader(ctx context.Context, leaderIndex int, theirSeq SeqMap) {
	for idx, theirSeqK := range theirSeq {
		if idx == s.selfIndex {
			continue
		}
		s.objectsMu.RLock()
		localSeq := s.objects[idx].Seq
		s.objectsMu.RUnlock()
		if localSeq == theirSeqK {
			continue
		}
		url, err := s.resolvePeerURL(ctx, leaderIndex)
		if err != nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		entry, err := s.rpc.GetSharedObject(cctx, s.httpClient, url, idx)
		cancel()
		if err != nil {
			continue
		}
		s.objectsMu.Lock()
		s.objects[idx] = entry
		s.objectsMu.Unlock()
	}
}

func (s *Service) reconcileFollowerOnLeader(ctx context.Context, followerIndex int, theirSeq SeqMap) {
	s.objectsMu.RLock()
	localSeq := s.objects[followerIndex].Seq
	s.objectsMu.RUnlock()
	if localSeq == theirSeq[followerIndex] {
		return
	}
	url, err := s.resolvePeerURL(ctx, followerIndex)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	entry, err := s.rpc.GetSharedObject(cctx, s.httpClient, url, followerIndex)
	cancel()
	if err != nil {
		return
	}
	s.objectsMu.Lock()
	s.objects[followerIndex] = entry
	s.objectsMu.Unlock()
}

func (s *Service) onPeerHeartbeat(ctx context.Context, fromIndex int) {
	if fromIndex == s.selfIndex {
		return
	}
	s.clusterMu.Lock()
	timer, existed := s.clusterView[fromIndex]
	if existed {
		timer.Reset(s.cfg.LeaderLostTimeout)
	} else {
		s.clusterView[fromIndex] = time.AfterFunc(s.cfg.LeaderLostTimeout, func() {
			s.onPeerExpired(ctx, fromIndex)
		})
	}
	size := len(s.clusterView) + 1
	if size > s.maxClusterSize {
		s.maxClusterSize = size
	}
	s.clusterMu.Unlock()

	if !existed {
		s.bus.Publish(Event{Type: EventClusterAdded, NodeIndex: fromIndex})
	}
	s.recomputeActivation(ctx)
}

func (s *Service) onPeerExpired(ctx context.Context, nodeIndex int) {
	s.clusterMu.Lock()
	delete(s.clusterView, nodeIndex)
	s.clusterMu.Unlock()

	s.objectsMu.Lock()
	entry, ok := s.objects[nodeIndex]
	delete(s.objects, nodeIndex)
	s.objectsMu.Unlock()
	var tree map[string]any
	if ok {
		tree = entry.Tree
	}

	s.bus.Publish(Event{Type: EventClusterDeleted, NodeIndex: nodeIndex, Tree: tree})
	s.recomputeActivation(ctx)

	if s.CurrentRole() == RoleLeader {
		go s.redirector.ToAllFunc(ctx, func(cctx context.Context, client *http.Client, url string) error {
			if err := s.rpc.ClusterDeleted(cctx, client, url, nodeIndex); err != nil {
				return err
			}
			return s.rpc.RemoveSharedObject(cctx, client, url, nodeIndex)
		})
	}
}

func (s *Service) recomputeActivation(ctx context.Context) {
	s.clusterMu.Lock()
	clusterSize := len(s.clusterView) + 1
	s.clusterMu.Unlock()

	nowActivated := clusterSize >= s.Quorum()

	s.mu.Lock()
	wasActivated := s.activated
	s.activated = nowActivated
	s.mu.Unlock()

	if nowActivated == wasActivated {
		return
	}
	if nowActivated {
		s.bus.Publish(Event{Type: EventActivated})
	} else {
		s.bus.Publish(Event{Type: EventInactivated})
	}
}

// GetNodeStatus reports this node's own {nodeIndex, role, activated}.
func (s *Service) GetNodeStatus(ctx context.Context) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Node{
		NodeIndex:      s.selfIndex,
		NodeUrl:        s.selfUrl,
		Role:           s.role,
		Activated:      s.activated,
		Prepared:       s.prepared,
		LastTransition: s.lastTransition,
	}, nil
}

// SetToLeader is invoked remotely by electLeader's candidate-ordering loop.
func (s *Service) SetToLeader(ctx context.Context) error {
	if !s.IsPrepared() {
		return ErrNotPrepared
	}
	s.transitionToLeader(ctx)
	return nil
}

// SetToFollower forces this node into FOLLOWER (used by tests and admin tooling).
func (s *Service) SetToFollower(ctx context.Context) error {
	if !s.IsPrepared() {
		return ErrNotPrepared
	}
	s.transitionToFollower(ctx)
	return nil
}

// ClusterDeleted drops nodeIndex from the cluster view and shared object.
func (s *Service) ClusterDeleted(ctx context.Context, nodeIndex int) error {
	s.clusterMu.Lock()
	if t, ok := s.clusterView[nodeIndex]; ok {
		t.Stop()
		delete(s.clusterView, nodeIndex)
	}
	s.clusterMu.Unlock()

	s.objectsMu.Lock()
	entry, ok := s.objects[nodeIndex]
	delete(s.objects, nodeIndex)
	s.objectsMu.Unlock()

	var tree map[string]any
	if ok {
		tree = entry.Tree
	}
	s.bus.Publish(Event{Type: EventClusterDeleted, NodeIndex: nodeIndex, Tree: tree})
	s.recomputeActivation(ctx)
	return nil
}

// RemoveSharedObject drops nodeIndex's shared-object entry without
// touching cluster-view membership (used after ClusterDeleted has already
// run its own copy locally, or to clean up stragglers).
func (s *Service) RemoveSharedObject(ctx context.Context, nodeIndex int) error {
	s.objectsMu.Lock()
	delete(s.objects, nodeIndex)
	s.objectsMu.Unlock()
	return nil
}

// MergeSharedObjectToLeader is the leader-side handler for a follower's
// (or the leader's own) write, per spec §4.B setSharedObjectToLeader.
func (s *Service) MergeSharedObjectToLeader(ctx context.Context, senderIndex int, info SharedEntry) error {
	if !s.IsPrepared() {
		return ErrNotPrepared
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if senderIndex != s.selfIndex {
		s.objectsMu.RLock()
		localSeq := s.objects[senderIndex].Seq
		s.objectsMu.RUnlock()
		if localSeq != info.Seq {
			if err := s.overwriteFromSender(ctx, senderIndex); err != nil {
				return err
			}
		} else {
			s.objectsMu.Lock()
			cur := s.objects[senderIndex]
			cur.Tree = deepMerge(cur.Tree, info.Tree)
			s.objects[senderIndex] = cur
			s.objectsMu.Unlock()
		}
	}

	s.heartbeatMu.Lock()
	s.fanOutCheckMerge(ctx, senderIndex, info)
	s.heartbeatMu.Unlock()

	s.objectsMu.Lock()
	cur := s.objects[senderIndex]
	cur.Seq++
	s.objects[senderIndex] = cur
	s.objectsMu.Unlock()
	return nil
}

// DeleteSharedObjectToLeader is MergeSharedObjectToLeader's leader-side
// sibling for deletes.
func (s *Service) DeleteSharedObjectToLeader(ctx context.Context, senderIndex int, seq int64, paths [][]string) error {
	if !s.IsPrepared() {
		return ErrNotPrepared
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if senderIndex != s.selfIndex {
		s.objectsMu.RLock()
		localSeq := s.objects[senderIndex].Seq
		s.objectsMu.RUnlock()
		if localSeq != seq {
			if err := s.overwriteFromSender(ctx, senderIndex); err != nil {
				return err
			}
		} else {
			s.objectsMu.Lock()
			cur := s.objects[senderIndex]
			for _, p := range paths {
				cur.Tree = deepDelete(cur.Tree, p)
			}
			s.objects[senderIndex] = cur
			s.objectsMu.Unlock()
		}
	}

	s.heartbeatMu.Lock()
	s.fanOutCheckDelete(ctx, senderIndex, seq, paths)
	s.heartbeatMu.Unlock()

	s.objectsMu.Lock()
	cur := s.objects[senderIndex]
	cur.Seq++
	s.objects[senderIndex] = cur
	s.objectsMu.Unlock()
	return nil
}

func (s *Service) overwriteFromSender(ctx context.Context, senderIndex int) error {
	url, err := s.resolvePeerURL(ctx, senderIndex)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	entry, err := s.rpc.GetSharedObject(cctx, s.httpClient, url, senderIndex)
	if err != nil {
		return err
	}
	s.objectsMu.Lock()
	s.objects[senderIndex] = entry
	s.objectsMu.Unlock()
	return nil
}

// fanOutCheckMerge propagates a leader-confirmed merge to every peer.
// Peers that accept (their local seq matched) need nothing further; peers
// that reject (stale) get a forced OverwriteSharedObject. Must be called
// with heartbeatMu held.
func (s *Service) fanOutCheckMerge(ctx context.Context, senderIndex int, info SharedEntry) {
	s.redirector.ToAllFunc(ctx, func(cctx context.Context, client *http.Client, url string) error {
		ok, err := s.rpc.CheckMergeSharedObject(cctx, client, url, senderIndex, senderIndex, info)
		if err != nil {
			return err
		}
		if !ok {
			overwrite := info
			overwrite.Seq = info.Seq + 1
			return s.rpc.OverwriteSharedObject(cctx, client, url, senderIndex, overwrite)
		}
		return nil
	})
}

func (s *Service) fanOutCheckDelete(ctx context.Context, senderIndex int, seq int64, paths [][]string) {
	s.redirector.ToAllFunc(ctx, func(cctx context.Context, client *http.Client, url string) error {
		ok, err := s.rpc.CheckDeleteSharedObject(cctx, client, url, senderIndex, senderIndex, seq, paths)
		if err != nil {
			return err
		}
		if !ok {
			s.objectsMu.RLock()
			full := s.objects[senderIndex]
			full.Seq = seq + 1
			s.objectsMu.RUnlock()
			return s.rpc.OverwriteSharedObject(cctx, client, url, senderIndex, full)
		}
		return nil
	})
}

// CheckMergeSharedObject is the peer-side accept-if-seq-matches handler.
func (s *Service) CheckMergeSharedObject(ctx context.Context, nodeIndex int, senderIndex int, info SharedEntry) (bool, error) {
	s.objectsMu.Lock()
	defer s.objectsMu.Unlock()
	cur := s.objects[senderIndex]
	if cur.Seq != info.Seq {
		return false, nil
	}
	cur.Tree = deepMerge(cur.Tree, info.Tree)
	cur.Seq++
	s.objects[senderIndex] = cur
	return true, nil
}

// CheckDeleteSharedObject is CheckMergeSharedObject's sibling for deletes.
func (s *Service) CheckDeleteSharedObject(ctx context.Context, nodeIndex int, senderIndex int, seq int64, paths [][]string) (bool, error) {
	s.objectsMu.Lock()
	defer s.objectsMu.Unlock()
	cur := s.objects[senderIndex]
	if cur.Seq != seq {
		return false, nil
	}
	for _, p := range paths {
		cur.Tree = deepDelete(cur.Tree, p)
	}
	cur.Seq++
	s.objects[senderIndex] = cur
	return true, nil
}

// OverwriteSharedObject force-replaces nodeIndex's local entry and, when
// that entry belongs to another node, publishes an overwritten event.
func (s *Service) OverwriteSharedObject(ctx context.Context, nodeIndex int, entry SharedEntry) error {
	s.objectsMu.Lock()
	s.objects[nodeIndex] = entry
	s.objectsMu.Unlock()
	if nodeIndex != s.selfIndex {
		s.bus.Publish(Event{Type: EventOverwritten, NodeIndex: nodeIndex})
	}
	return nil
}

// GetSharedObject returns nodeIndex's entry, or self's own when
// nodeIndex==0 (matching the bare GET route).
func (s *Service) GetSharedObject(ctx context.Context, nodeIndex int) (SharedEntry, error) {
	if nodeIndex == 0 {
		nodeIndex = s.selfIndex
	}
	s.objectsMu.RLock()
	defer s.objectsMu.RUnlock()
	entry, ok := s.objects[nodeIndex]
	if !ok {
		return SharedEntry{Tree: map[string]any{}}, nil
	}
	return entry.Clone(), nil
}

// SyncSharedObject merges a pushed full snapshot, keeping the maximum seq
// per owner, per spec §8 "after partition heal... max(seq[k])".
func (s *Service) SyncSharedObject(ctx context.Context, fullMap map[int]SharedEntry, seqMap SeqMap) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.objectsMu.Lock()
	defer s.objectsMu.Unlock()
	for idx, entry := range fullMap {
		cur, ok := s.objects[idx]
		if !ok || entry.Seq > cur.Seq {
			s.objects[idx] = entry
		}
	}
	return nil
}

// CheckSharedObjectSeq returns the nodeIndexes whose local seq disagrees
// with seqMap.
func (s *Service) CheckSharedObjectSeq(ctx context.Context, seqMap SeqMap) ([]int, error) {
	s.objectsMu.RLock()
	defer s.objectsMu.RUnlock()
	var stale []int
	for idx, seq := range seqMap {
		if s.objects[idx].Seq != seq {
			stale = append(stale, idx)
		}
	}
	return stale, nil
}

// Index reports this node's own configured index, used by peers (and
// this node at startup) to resolve nodeIndex -> url.
func (s *Service) Index(ctx context.Context) (int, error) {
	return s.selfIndex, nil
}

// --- self-write API used by the driver layer ---

// MergeSharedObject applies delta to this node's own subtree (deep merge)
// and confirms it with the leader, per spec §4.B mergeSharedObject.
func (s *Service) MergeSharedObject(ctx context.Context, delta map[string]any) error {
	s.setSharedObjectMu.Lock()
	s.objectsMu.Lock()
	cur := s.objects[s.selfIndex]
	cur.Tree = deepMerge(cur.Tree, delta)
	s.objects[s.selfIndex] = cur
	snapshot := cur.Clone()
	s.objectsMu.Unlock()
	s.setSharedObjectMu.Unlock()

	if err := s.postToLeader(ctx, func(cctx context.Context, client *http.Client, url string, isLocal bool) error {
		if isLocal {
			return s.MergeSharedObjectToLeader(cctx, s.selfIndex, snapshot)
		}
		return s.rpc.MergeSharedObjectToLeader(cctx, client, url, s.selfIndex, snapshot)
	}); err != nil {
		return err
	}

	s.objectsMu.Lock()
	cur = s.objects[s.selfIndex]
	cur.Seq++
	s.objects[s.selfIndex] = cur
	s.objectsMu.Unlock()
	return nil
}

// DeleteSharedObject removes paths from this node's own subtree, pruning
// empty ancestors, and confirms with the leader.
func (s *Service) DeleteSharedObject(ctx context.Context, paths [][]string) error {
	s.setSharedObjectMu.Lock()
	s.objectsMu.Lock()
	cur := s.objects[s.selfIndex]
	for _, p := range paths {
		cur.Tree = deepDelete(cur.Tree, p)
	}
	s.objects[s.selfIndex] = cur
	seq := cur.Seq
	s.objectsMu.Unlock()
	s.setSharedObjectMu.Unlock()

	if err := s.postToLeader(ctx, func(cctx context.Context, client *http.Client, url string, isLocal bool) error {
		if isLocal {
			return s.DeleteSharedObjectToLeader(cctx, s.selfIndex, seq, paths)
		}
		return s.rpc.DeleteSharedObjectToLeader(cctx, client, url, s.selfIndex, seq, paths)
	}); err != nil {
		return err
	}

	s.objectsMu.Lock()
	cur = s.objects[s.selfIndex]
	cur.Seq++
	s.objects[s.selfIndex] = cur
	s.objectsMu.Unlock()
	return nil
}

// postToLeader is a confirmed call: it retries indefinitely (with a
// one-heartbeat-interval backoff) until some leader accepts it, per the
// "Confirmed call" glossary entry.
func (s *Service) postToLeader(ctx context.Context, fn func(ctx context.Context, client *http.Client, url string, isLocal bool) error) error {
	return s.redirector.ToLeaderFunc(ctx, true, func(cctx context.Context, client *http.Client, url string, isLocal bool) error {
		return fn(cctx, client, url, isLocal)
	})
}
