// Package driver owns device lifecycle: connect/disconnect/reconnect,
// ownership placement, balanced assignment, and duplicate detection, per
// spec §4.D. It sits above internal/protocol (one Engine per locally-owned
// device) and internal/cluster (the shared object that durably records
// deviceIdMap across the cluster).
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hedopia/communicators/internal/cluster"
	"github.com/hedopia/communicators/internal/command"
	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
)

// Config controls placement behavior and the protocol-layer defaults applied
// to any device definition that leaves them unset.
type Config struct {
	LoadBalance bool
	BasePath    string

	DefaultResponseTimeout time.Duration
	DefaultRetryDelay      time.Duration
	DefaultMaxRetryConnect int
}

// Service is the driver layer's single process-wide instance, per spec's
// "no global singletons beyond those keyed by the process".
type Service struct {
	cfg       Config
	cluster   *cluster.Service
	responses *responseTable
	runtime   *command.Runtime

	connectAllMu sync.Mutex // serializes connectAllToLeader's validate-then-connect step
	driverMu     sync.Mutex // serializes connectAll calls

	mu      sync.Mutex
	engines map[string]*protocol.Engine
	cancels map[string]context.CancelFunc

	stopCh chan struct{}
}

// NewService builds a driver Service bound to clusterSvc's shared object
// and delivering responses/status to sink (wrapped in a last-seen responses
// table, per spec §4.D, so the /driver/response REST surface can serve
// readings back out).
func NewService(cfg Config, clusterSvc *cluster.Service, sink protocol.Sink) *Service {
	responses := newResponseTable(sink)
	return &Service{
		cfg:       cfg,
		cluster:   clusterSvc,
		responses: responses,
		runtime:   command.NewRuntime(responses, clusterSvc.SelfIndex()),
		engines:   map[string]*protocol.Engine{},
		cancels:   map[string]context.CancelFunc{},
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to cluster events (inactivated/clusterDeleted/overwritten)
// and begins reacting to them, per spec §4.D.
func (s *Service) Start(ctx context.Context) {
	ch := s.cluster.Subscribe()
	go s.eventLoop(ctx, ch)
}

// Stop tears down every locally running device engine.
func (s *Service) Stop() {
	close(s.stopCh)
	s.disconnectAllLocal(context.Background())
}

func (s *Service) eventLoop(ctx context.Context, ch <-chan cluster.Event) {
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev cluster.Event) {
	switch ev.Type {
	case cluster.EventInactivated:
		s.disconnectAllLocal(ctx)
	case cluster.EventClusterDeleted:
		devices := decodeDevices(ev.Tree)
		if len(devices) == 0 {
			return
		}
		if err := s.BalancedConnectAll(ctx, devices); err != nil {
			logging.Warn(ctx, logging.ComponentDriver, "rebalance", "rebalance after node departure failed", map[string]interface{}{"error": err.Error()})
		}
	case cluster.EventOverwritten:
		s.disconnectDuplicatesOf(ctx, ev.NodeIndex)
	}
}

// deviceIDMap rebuilds the cluster-wide ownership map from every known
// node's own shared-object entry, per spec §4.D: "the deviceIdMap derived
// from [the shared object] is eventually consistent".
func (s *Service) deviceIDMap(ctx context.Context) map[string]int {
	result := map[string]int{}
	for _, idx := range s.cluster.KnownIndices() {
		entry, err := s.cluster.GetSharedObject(ctx, idx)
		if err != nil {
			continue
		}
		devicesNode, ok := entry.Tree["devices"].(map[string]any)
		if !ok {
			continue
		}
		for id := range devicesNode {
			result[id] = idx
		}
	}
	return result
}

// connectAllRequest is the wire body posted to a peer's
// /driver/connect-all-to-index endpoint when the target node isn't self.
type connectAllRequest struct {
	NodeIndex int              `json:"nodeIndex"`
	Devices   []protocol.Device `json:"devices"`
}

// ConnectAllToLeader implements spec's connectAllToLeader: if this node
// isn't LEADER, forward (confirmed, i.e. retried until it lands) to
// whichever node is; the leader then validates against the cluster-wide
// deviceIdMap and either runs connectAll locally or posts to nodeIndex's
// own /driver/connect-all-to-index.
func (s *Service) ConnectAllToLeader(ctx context.Context, nodeIndex int, devices []protocol.Device) error {
	return s.cluster.Redirector().ToLeaderFunc(ctx, true, func(ctx context.Context, client *http.Client, url string, isLocal bool) error {
		if isLocal {
			return s.connectAllToLeaderLocked(ctx, nodeIndex, devices, nil)
		}
		return s.connectAllToLeaderLocked(ctx, nodeIndex, devices, &peerPoster{client: client, baseURL: url, basePath: s.cfg.BasePath})
	})
}

// peerPoster posts a connect-all-to-index request to a remote node's driver
// REST surface; nil when the leader is resolving locally.
type peerPoster struct {
	client   *http.Client
	baseURL  string
	basePath string
}

func (p *peerPoster) postConnectAllToIndex(ctx context.Context, nodeIndex int, devices []protocol.Device) error {
	body, err := json.Marshal(connectAllRequest{NodeIndex: nodeIndex, Devices: devices})
	if err != nil {
		return fmt.Errorf("encode connect-all-to-index request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.basePath+"/connect-all-to-index", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post connect-all-to-index to %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connect-all-to-index on %s returned status %d", p.baseURL, resp.StatusCode)
	}
	return nil
}

func (s *Service) connectAllToLeaderLocked(ctx context.Context, nodeIndex int, devices []protocol.Device, remote *peerPoster) error {
	s.connectAllMu.Lock()
	defer s.connectAllMu.Unlock()

	deviceIDMap := s.deviceIDMap(ctx)
	accepted, rejected := ValidateNew(devices, deviceIDMap)
	if len(rejected) > 0 {
		logging.Warn(ctx, logging.ComponentDriver, "connect-all-to-leader", "some devices were rejected", map[string]interface{}{
			"rejectedCount": len(rejected),
		})
	}
	if len(accepted) == 0 {
		return nil
	}
	if nodeIndex == s.cluster.SelfIndex() {
		return s.connectAll(ctx, accepted)
	}
	if remote == nil {
		return fmt.Errorf("connect-all-to-index targeting node %d requires forwarding, but no peer client was supplied", nodeIndex)
	}
	return remote.postConnectAllToIndex(ctx, nodeIndex, accepted)
}

// connectAll registers and starts one Engine per device, under driverMu so
// concurrent callers serialize, per spec §4.D's process-wide driverMutex.
func (s *Service) connectAll(ctx context.Context, devices []protocol.Device) error {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	for _, d := range devices {
		d = d.ApplyDefaults(s.cfg.DefaultResponseTimeout, s.cfg.DefaultRetryDelay, s.cfg.DefaultMaxRetryConnect)
		if err := s.startEngine(ctx, d); err != nil {
			logging.Warn(ctx, logging.ComponentDriver, "connect", "failed to start device engine", map[string]interface{}{
				"deviceId": d.ID, "error": err.Error(),
			})
			continue
		}
		if err := s.cluster.MergeSharedObject(ctx, map[string]any{"devices": map[string]any{d.ID: encodeDevice(d)}}); err != nil {
			logging.Warn(ctx, logging.ComponentDriver, "connect", "failed to record device ownership", map[string]interface{}{
				"deviceId": d.ID, "error": err.Error(),
			})
		}
	}
	return nil
}

// BalancedConnectAll implements balancedConnectAll: when load balancing is
// enabled and more than one node is known, partition devices via Balance
// and connect self's share locally; the shares Balance assigns to other
// nodes are neither connected nor forwarded by this call. Otherwise
// everything connects to self.
func (s *Service) BalancedConnectAll(ctx context.Context, devices []protocol.Device) error {
	nodes := s.cluster.KnownIndices()
	if !s.cfg.LoadBalance || len(nodes) < 2 {
		return s.connectAll(ctx, devices)
	}

	counts := map[int]int{}
	deviceIDMap := s.deviceIDMap(ctx)
	for _, owner := range deviceIDMap {
		counts[owner]++
	}
	assignment := Balance(devices, nodes, counts)

	byID := make(map[string]protocol.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	self := s.cluster.SelfIndex()
	var mine []protocol.Device
	for node, ids := range assignment {
		if node != self {
			continue
		}
		for _, id := range ids {
			mine = append(mine, byID[id])
		}
	}
	return s.connectAll(ctx, mine)
}

func (s *Service) startEngine(ctx context.Context, d protocol.Device) error {
	s.mu.Lock()
	if _, exists := s.engines[d.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("device %s already running locally", d.ID)
	}
	s.mu.Unlock()

	engine := protocol.NewEngine(d, s.responses, s.cluster.SelfIndex())
	if err := s.runtime.Register(d, engine); err != nil {
		return err
	}
	engine.SetExecutor(s.runtime)
	engine.SetOnExhausted(func() {
		s.pruneExhausted(context.Background(), d.ID)
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.engines[d.ID] = engine
	s.cancels[d.ID] = cancel
	s.mu.Unlock()

	go engine.Run(runCtx)
	return nil
}

// pruneExhausted removes a device whose Engine gave up retrying on its own
// (no operator asked for a disconnect) from the local map and the shared
// object, per spec §5: "After exhaustion, the device moves to DISCONNECTED
// and is removed from the local map and from shared state."
func (s *Service) pruneExhausted(ctx context.Context, id string) {
	if !s.disconnectLocal(id) {
		return
	}
	if err := s.cluster.DeleteSharedObject(ctx, [][]string{{"devices", id}}); err != nil {
		logging.Warn(ctx, logging.ComponentDriver, "exhausted", "failed to prune exhausted device from shared object", map[string]interface{}{
			"deviceId": id, "error": err.Error(),
		})
	}
}

// DisconnectList implements disconnectList: drive every locally owned id in
// ids to DISCONNECTED and prune it from the shared object. onlySelf governs
// what happens to ids owned elsewhere: when true they are silently left
// alone (used by disconnectDuplicatesOf, which only ever wants to shed this
// node's own copy of a duplicate); when false, per spec §4.D "for remote
// ids call disconnect on the owner", this node forwards a disconnect
// request to each remote id's owning node instead of skipping it.
func (s *Service) DisconnectList(ctx context.Context, ids []string, onlySelf bool) error {
	deviceIDMap := s.deviceIDMap(ctx)
	self := s.cluster.SelfIndex()

	var detached []string
	remote := map[int][]string{}
	for _, id := range ids {
		owner, known := deviceIDMap[id]
		if known && owner != self {
			if !onlySelf {
				remote[owner] = append(remote[owner], id)
			}
			continue
		}
		if s.disconnectLocal(id) {
			detached = append(detached, id)
		}
	}

	for owner, ownerIDs := range remote {
		if err := s.forwardDisconnect(ctx, owner, ownerIDs); err != nil {
			logging.Warn(ctx, logging.ComponentDriver, "disconnect", "failed to forward disconnect to owning node", map[string]interface{}{
				"nodeIndex": owner, "error": err.Error(),
			})
		}
	}

	if len(detached) == 0 {
		return nil
	}
	var paths [][]string
	for _, id := range detached {
		paths = append(paths, []string{"devices", id})
	}
	return s.cluster.DeleteSharedObject(ctx, paths)
}

// disconnectRequest is the wire body posted to a peer's /driver/disconnect
// endpoint when forwarding a remote-owned disconnect.
type disconnectRequest struct {
	DeviceIDs []string `json:"deviceIds"`
	OnlySelf  bool      `json:"onlySelf"`
}

// forwardDisconnect asks the node at nodeIndex to disconnect its own copy of
// ids. The forwarded call always sets onlySelf=true so the owning node only
// ever touches ids it owns and never re-forwards, bounding fan-out to one
// hop regardless of what the caller originally requested.
func (s *Service) forwardDisconnect(ctx context.Context, nodeIndex int, ids []string) error {
	return s.cluster.Redirector().ToIndexFunc(ctx, nodeIndex, false, func(ctx context.Context, client *http.Client, url string, isLocal bool) error {
		if isLocal {
			return nil
		}
		body, err := json.Marshal(disconnectRequest{DeviceIDs: ids, OnlySelf: true})
		if err != nil {
			return fmt.Errorf("encode disconnect request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+s.cfg.BasePath+"/disconnect", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("post disconnect to %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("disconnect on %s returned status %d", url, resp.StatusCode)
		}
		return nil
	})
}

func (s *Service) disconnectLocal(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	delete(s.engines, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (s *Service) disconnectAllLocal(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.disconnectLocal(id)
	}
}

// disconnectDuplicatesOf handles the overwritten(k) event: any device this
// node believes it owns that nodeIndex also claims is a duplicate created
// by a split-brain merge; disconnect locally and let BalancedConnectAll
// (triggered separately by the next clusterDeleted, or a manual retry) sort
// out final placement.
func (s *Service) disconnectDuplicatesOf(ctx context.Context, nodeIndex int) {
	entry, err := s.cluster.GetSharedObject(ctx, nodeIndex)
	if err != nil {
		return
	}
	theirs := decodeDevices(entry.Tree)

	s.mu.Lock()
	var dupes []string
	for _, d := range theirs {
		if _, mine := s.engines[d.ID]; mine {
			dupes = append(dupes, d.ID)
		}
	}
	s.mu.Unlock()

	if len(dupes) == 0 {
		return
	}
	logging.Info(ctx, logging.ComponentDriver, "deduplicate", "disconnecting local duplicates after split-brain overwrite", map[string]interface{}{
		"nodeIndex": nodeIndex, "count": len(dupes),
	})
	_ = s.DisconnectList(ctx, dupes, true)
}

// DeviceStatus reports the connection status of every locally running
// device, for the /driver/device-status REST surface.
func (s *Service) DeviceStatus(ctx context.Context) map[string]protocol.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.StatusCode, len(s.engines))
	for id, e := range s.engines {
		out[id] = e.Status()
	}
	return out
}

// DeviceIDMap exposes deviceIDMap for the /driver/device-id-map REST
// surface.
func (s *Service) DeviceIDMap(ctx context.Context) map[string]int {
	return s.deviceIDMap(ctx)
}

// SelfIndex exposes this node's cluster index, for REST handlers that need
// to address connect-all-to-leader at themselves.
func (s *Service) SelfIndex() int {
	return s.cluster.SelfIndex()
}

// Responses returns the last-seen tagged-reading batch for deviceID, for
// the /driver/response REST surface (spec §4.D's "last-seen responses
// table").
func (s *Service) Responses(deviceID string) ([]protocol.Response, bool) {
	return s.responses.get(deviceID)
}

// AllResponses returns the last-seen tagged-reading batch for every device
// this node has ever produced a reading for, for the /driver/response REST
// surface when called without a deviceId filter.
func (s *Service) AllResponses() map[string][]protocol.Response {
	return s.responses.all()
}

// ExecuteCommands runs every registered command for deviceID once, in
// Order, for the /driver/execute-commands and /driver/request-commands
// REST surfaces (spec §6).
func (s *Service) ExecuteCommands(deviceID string) error {
	return s.runtime.RunAll(deviceID)
}

// ExecuteCommandIDs runs only the named commands for deviceID once, in
// Order, for the /driver/execute-command-ids and /driver/request-command-ids
// REST surfaces (spec §6).
func (s *Service) ExecuteCommandIDs(deviceID string, ids []string) error {
	return s.runtime.RunByIDs(deviceID, ids)
}

// ConnectAllLocal validates devices against the cluster-wide deviceIdMap and
// starts them on this node directly, without leader forwarding. This is what
// a node does upon receiving a /driver/connect-all-to-index request that
// targets itself.
func (s *Service) ConnectAllLocal(ctx context.Context, devices []protocol.Device) error {
	deviceIDMap := s.deviceIDMap(ctx)
	accepted, rejected := ValidateNew(devices, deviceIDMap)
	if len(rejected) > 0 {
		logging.Warn(ctx, logging.ComponentDriver, "connect-all", "some devices were rejected", map[string]interface{}{
			"rejectedCount": len(rejected),
		})
	}
	return s.connectAll(ctx, accepted)
}

// ReconnectAll restarts every locally running device engine from its last
// recorded definition in this node's own shared-object entry, per spec's
// reconnectAll: a full disconnect/reconnect cycle without changing
// ownership.
func (s *Service) ReconnectAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	entry, err := s.cluster.GetSharedObject(ctx, s.cluster.SelfIndex())
	if err != nil {
		return fmt.Errorf("read own shared object for reconnect-all: %w", err)
	}
	byID := make(map[string]protocol.Device, len(ids))
	for _, d := range decodeDevices(entry.Tree) {
		byID[d.ID] = d
	}

	var toReconnect []protocol.Device
	for _, id := range ids {
		s.disconnectLocal(id)
		if d, ok := byID[id]; ok {
			toReconnect = append(toReconnect, d)
		}
	}
	return s.connectAll(ctx, toReconnect)
}
