package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hedopia/communicators/internal/logging"
)

// Transport is the typed RPC surface one node exposes to its peers, per
// spec §4.A / §6. A Service implements it and wires it to a mux.Router
// under the configured base path.
type Transport interface {
	Heartbeat(ctx context.Context, fromIndex int, role Role, lastTransition time.Time, seqMap SeqMap) error
	GetNodeStatus(ctx context.Context) (Node, error)
	SetToLeader(ctx context.Context) error
	SetToFollower(ctx context.Context) error
	ClusterDeleted(ctx context.Context, nodeIndex int) error
	RemoveSharedObject(ctx context.Context, nodeIndex int) error
	MergeSharedObjectToLeader(ctx context.Context, senderIndex int, entry SharedEntry) error
	DeleteSharedObjectToLeader(ctx context.Context, senderIndex int, seq int64, paths [][]string) error
	CheckMergeSharedObject(ctx context.Context, nodeIndex int, senderIndex int, entry SharedEntry) (bool, error)
	CheckDeleteSharedObject(ctx context.Context, nodeIndex int, senderIndex int, seq int64, paths [][]string) (bool, error)
	OverwriteSharedObject(ctx context.Context, nodeIndex int, entry SharedEntry) error
	GetSharedObject(ctx context.Context, nodeIndex int) (SharedEntry, error)
	SyncSharedObject(ctx context.Context, fullMap map[int]SharedEntry, seqMap SeqMap) error
	CheckSharedObjectSeq(ctx context.Context, seqMap SeqMap) ([]int, error)
	Index(ctx context.Context) (int, error)
}

// wire payloads for the HTTP+JSON envelope.

type heartbeatBody struct {
	SeqMap SeqMap `json:"seqMap"`
}

type mergeBody struct {
	Seq  int64          `json:"seq"`
	Tree map[string]any `json:"tree"`
}

type deleteBody struct {
	Seq   int64      `json:"seq"`
	Paths [][]string `json:"paths"`
}

type syncBody struct {
	FullMap map[int]SharedEntry `json:"fullMap"`
	SeqMap  SeqMap               `json:"seqMap"`
}

type errorBody struct {
	Error string `json:"error"`
}

// RegisterRoutes mounts the Transport's HTTP surface on router under
// basePath, matching spec §6 exactly.
func RegisterRoutes(router *mux.Router, basePath string, t Transport) {
	sub := router.PathPrefix(basePath).Subrouter()

	sub.HandleFunc("/heartbeat/{nodeIndex}/{role}/{lastTransition}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		fromIndex, role, lastTransition, err := parseHeartbeatVars(vars)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body heartbeatBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.Heartbeat(r.Context(), fromIndex, role, lastTransition, body.SeqMap); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)

	sub.HandleFunc("/node-status", func(w http.ResponseWriter, r *http.Request) {
		node, err := t.GetNodeStatus(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, node)
	}).Methods(http.MethodGet)

	sub.HandleFunc("/set-to-leader", func(w http.ResponseWriter, r *http.Request) {
		if err := t.SetToLeader(r.Context()); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)

	sub.HandleFunc("/set-to-follower", func(w http.ResponseWriter, r *http.Request) {
		if err := t.SetToFollower(r.Context()); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)

	sub.HandleFunc("/cluster-deleted/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.ClusterDeleted(r.Context(), idx); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodDelete)

	sub.HandleFunc("/remove-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.RemoveSharedObject(r.Context(), idx); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodDelete)

	sub.HandleFunc("/get-shared-object", func(w http.ResponseWriter, r *http.Request) {
		entry, err := t.GetSharedObject(r.Context(), 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, entry)
	}).Methods(http.MethodGet)

	sub.HandleFunc("/get-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := t.GetSharedObject(r.Context(), idx)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, entry)
	}).Methods(http.MethodGet)

	sub.HandleFunc("/merge-shared-object-to-leader/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body mergeBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.MergeSharedObjectToLeader(r.Context(), idx, SharedEntry{Seq: body.Seq, Tree: body.Tree}); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/delete-shared-object-to-leader/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body deleteBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.DeleteSharedObjectToLeader(r.Context(), idx, body.Seq, body.Paths); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/check-merge-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body struct {
			SenderIndex int            `json:"senderIndex"`
			Seq         int64          `json:"seq"`
			Tree        map[string]any `json:"tree"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ok, err := t.CheckMergeSharedObject(r.Context(), idx, body.SenderIndex, SharedEntry{Seq: body.Seq, Tree: body.Tree})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, ok)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/check-delete-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body struct {
			SenderIndex int        `json:"senderIndex"`
			Seq         int64      `json:"seq"`
			Paths       [][]string `json:"paths"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ok, err := t.CheckDeleteSharedObject(r.Context(), idx, body.SenderIndex, body.Seq, body.Paths)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, ok)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/overwrite-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		idx, err := parseIntVar(mux.Vars(r), "nodeIndex")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var body mergeBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.OverwriteSharedObject(r.Context(), idx, SharedEntry{Seq: body.Seq, Tree: body.Tree}); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/sync-shared-object/{nodeIndex}", func(w http.ResponseWriter, r *http.Request) {
		var body syncBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := t.SyncSharedObject(r.Context(), body.FullMap, body.SeqMap); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/check-shared-object-sequence", func(w http.ResponseWriter, r *http.Request) {
		var body SeqMap
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stale, err := t.CheckSharedObjectSeq(r.Context(), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, stale)
	}).Methods(http.MethodPost)

	sub.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		idx, err := t.Index(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		fmt.Fprintf(w, "%d", idx)
	}).Methods(http.MethodGet)
}

func parseHeartbeatVars(vars map[string]string) (int, Role, time.Time, error) {
	idx, err := parseIntVar(vars, "nodeIndex")
	if err != nil {
		return 0, "", time.Time{}, err
	}
	role := Role(vars["role"])
	ms, err := parseIntVar(vars, "lastTransition")
	if err != nil {
		return 0, "", time.Time{}, err
	}
	return idx, role, time.UnixMilli(int64(ms)), nil
}

func parseIntVar(vars map[string]string, name string) (int, error) {
	raw, ok := vars[name]
	if !ok {
		return 0, fmt.Errorf("missing path variable %s", name)
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch err {
	case ErrNotPrepared:
		writeError(w, http.StatusBadRequest, err)
	case ErrLeaderNotFound, ErrNodeIndexNotFound:
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// LoadBalancedClient fans an RPC out over a fixed set of peer URLs, routing
// around flaky peers per spec §4.A: a shuffled permutation picks the next
// index to try; failures increment that index's failed counter and it is
// skipped for the next `failed` attempts before being retried.
type LoadBalancedClient struct {
	urls   []string
	client *http.Client

	mu      sync.Mutex
	failed  []int
	skipped []int
	order   []int
}

// NewLoadBalancedClient builds a client over urls with the given per-call
// timeout budget (used as the http.Client timeout ceiling; callers still
// pass their own context deadline per call).
func NewLoadBalancedClient(urls []string, timeout time.Duration) *LoadBalancedClient {
	order := rand.Perm(len(urls))
	return &LoadBalancedClient{
		urls:    urls,
		client:  &http.Client{Timeout: timeout},
		failed:  make([]int, len(urls)),
		skipped: make([]int, len(urls)),
		order:   order,
	}
}

// Urls returns the configured peer URL set.
func (lb *LoadBalancedClient) Urls() []string {
	return lb.urls
}

func (lb *LoadBalancedClient) reportSuccess(i int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.failed[i] = 0
	lb.skipped[i] = 0
}

func (lb *LoadBalancedClient) reportFailure(i int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.failed[i]++
	lb.skipped[i] = lb.failed[i]
}

// nextIndex picks the next peer to try, skipping indices still under their
// skip penalty and decrementing the penalty as it's consumed.
func (lb *LoadBalancedClient) nextIndex() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.order) == 0 {
		lb.order = rand.Perm(len(lb.urls))
	}
	for len(lb.order) > 0 {
		i := lb.order[0]
		lb.order = lb.order[1:]
		if lb.skipped[i] > 0 {
			lb.skipped[i]--
			continue
		}
		return i
	}
	return rand.Intn(len(lb.urls))
}

// Do executes fn against one URL from the pool, reporting success/failure
// back into the load-balancing state.
func (lb *LoadBalancedClient) Do(ctx context.Context, fn func(ctx context.Context, client *http.Client, url string) error) error {
	i := lb.nextIndex()
	err := fn(ctx, lb.client, lb.urls[i])
	if err != nil {
		lb.reportFailure(i)
	} else {
		lb.reportSuccess(i)
	}
	return err
}

// RPCClient is the typed peer-facing client built over a LoadBalancedClient
// or, for targeted calls (toIndexFunc), a single resolved URL.
type RPCClient struct {
	basePath string
}

// NewRPCClient returns a client for RPCs rooted at basePath (e.g. "/cluster").
func NewRPCClient(basePath string) *RPCClient {
	return &RPCClient{basePath: basePath}
}

func (c *RPCClient) doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		if jsonErr := json.Unmarshal(data, &eb); jsonErr == nil && eb.Error != "" {
			return fmt.Errorf("%s: %s", url, eb.Error)
		}
		return fmt.Errorf("%s: http status %d", url, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Heartbeat sends a single heartbeat PUT to url.
func (c *RPCClient) Heartbeat(ctx context.Context, client *http.Client, url string, fromIndex int, role Role, lastTransition time.Time, seqMap SeqMap) error {
	path := fmt.Sprintf("%s%s/heartbeat/%d/%s/%d", url, c.basePath, fromIndex, role, lastTransition.UnixMilli())
	return c.doJSON(ctx, client, http.MethodPut, path, heartbeatBody{SeqMap: seqMap}, nil)
}

// GetNodeStatus fetches a peer's {nodeIndex, role, activated}.
func (c *RPCClient) GetNodeStatus(ctx context.Context, client *http.Client, url string) (Node, error) {
	var node Node
	err := c.doJSON(ctx, client, http.MethodGet, url+c.basePath+"/node-status", nil, &node)
	return node, err
}

// SetToLeader instructs a peer to become LEADER.
func (c *RPCClient) SetToLeader(ctx context.Context, client *http.Client, url string) error {
	return c.doJSON(ctx, client, http.MethodPut, url+c.basePath+"/set-to-leader", nil, nil)
}

// SetToFollower instructs a peer to become FOLLOWER.
func (c *RPCClient) SetToFollower(ctx context.Context, client *http.Client, url string) error {
	return c.doJSON(ctx, client, http.MethodPut, url+c.basePath+"/set-to-follower", nil, nil)
}

// ClusterDeleted tells a peer that nodeIndex has left the cluster.
func (c *RPCClient) ClusterDeleted(ctx context.Context, client *http.Client, url string, nodeIndex int) error {
	path := fmt.Sprintf("%s%s/cluster-deleted/%d", url, c.basePath, nodeIndex)
	return c.doJSON(ctx, client, http.MethodDelete, path, nil, nil)
}

// RemoveSharedObject tells a peer to drop nodeIndex's shared-object entry.
func (c *RPCClient) RemoveSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex int) error {
	path := fmt.Sprintf("%s%s/remove-shared-object/%d", url, c.basePath, nodeIndex)
	return c.doJSON(ctx, client, http.MethodDelete, path, nil, nil)
}

// MergeSharedObjectToLeader posts self's delta to the leader.
func (c *RPCClient) MergeSharedObjectToLeader(ctx context.Context, client *http.Client, url string, senderIndex int, entry SharedEntry) error {
	path := fmt.Sprintf("%s%s/merge-shared-object-to-leader/%d", url, c.basePath, senderIndex)
	return c.doJSON(ctx, client, http.MethodPost, path, mergeBody{Seq: entry.Seq, Tree: entry.Tree}, nil)
}

// DeleteSharedObjectToLeader posts self's delete-delta to the leader.
func (c *RPCClient) DeleteSharedObjectToLeader(ctx context.Context, client *http.Client, url string, senderIndex int, seq int64, paths [][]string) error {
	path := fmt.Sprintf("%s%s/delete-shared-object-to-leader/%d", url, c.basePath, senderIndex)
	return c.doJSON(ctx, client, http.MethodPost, path, deleteBody{Seq: seq, Paths: paths}, nil)
}

// CheckMergeSharedObject asks a follower to apply sender's merge if its
// local seq matches.
func (c *RPCClient) CheckMergeSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex, senderIndex int, entry SharedEntry) (bool, error) {
	path := fmt.Sprintf("%s%s/check-merge-shared-object/%d", url, c.basePath, nodeIndex)
	body := struct {
		SenderIndex int            `json:"senderIndex"`
		Seq         int64          `json:"seq"`
		Tree        map[string]any `json:"tree"`
	}{senderIndex, entry.Seq, entry.Tree}
	var ok bool
	err := c.doJSON(ctx, client, http.MethodPost, path, body, &ok)
	return ok, err
}

// CheckDeleteSharedObject is CheckMergeSharedObject's sibling for deletes.
func (c *RPCClient) CheckDeleteSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex, senderIndex int, seq int64, paths [][]string) (bool, error) {
	path := fmt.Sprintf("%s%s/check-delete-shared-object/%d", url, c.basePath, nodeIndex)
	body := struct {
		SenderIndex int        `json:"senderIndex"`
		Seq         int64      `json:"seq"`
		Paths       [][]string `json:"paths"`
	}{senderIndex, seq, paths}
	var ok bool
	err := c.doJSON(ctx, client, http.MethodPost, path, body, &ok)
	return ok, err
}

// OverwriteSharedObject force-overwrites a peer's copy of nodeIndex's entry.
func (c *RPCClient) OverwriteSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex int, entry SharedEntry) error {
	path := fmt.Sprintf("%s%s/overwrite-shared-object/%d", url, c.basePath, nodeIndex)
	return c.doJSON(ctx, client, http.MethodPost, path, mergeBody{Seq: entry.Seq, Tree: entry.Tree}, nil)
}

// GetSharedObject fetches nodeIndex's {seq, obj} from a peer. nodeIndex==0
// means "ask the peer for its own entry" (matches the bare GET route).
func (c *RPCClient) GetSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex int) (SharedEntry, error) {
	path := url + c.basePath + "/get-shared-object"
	if nodeIndex != 0 {
		path = fmt.Sprintf("%s/%d", path, nodeIndex)
	}
	var entry SharedEntry
	err := c.doJSON(ctx, client, http.MethodGet, path, nil, &entry)
	return entry, err
}

// SyncSharedObject pushes a full snapshot to a peer after split-brain
// resolution so it can reconcile to the maximum seq per owner.
func (c *RPCClient) SyncSharedObject(ctx context.Context, client *http.Client, url string, nodeIndex int, fullMap map[int]SharedEntry, seqMap SeqMap) error {
	path := fmt.Sprintf("%s%s/sync-shared-object/%d", url, c.basePath, nodeIndex)
	return c.doJSON(ctx, client, http.MethodPost, path, syncBody{FullMap: fullMap, SeqMap: seqMap}, nil)
}

// CheckSharedObjectSeq asks a peer which nodeIndexes in seqMap it disagrees with.
func (c *RPCClient) CheckSharedObjectSeq(ctx context.Context, client *http.Client, url string, seqMap SeqMap) ([]int, error) {
	var stale []int
	err := c.doJSON(ctx, client, http.MethodPost, url+c.basePath+"/check-shared-object-sequence", seqMap, &stale)
	return stale, err
}

// Index asks a peer for its own nodeIndex, used once at startup to resolve
// this process's own URL among NodeTargetUrls.
func (c *RPCClient) Index(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+c.basePath+"/index", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var idx int
	if _, err := fmt.Sscanf(string(data), "%d", &idx); err != nil {
		return 0, fmt.Errorf("invalid index response %q: %w", string(data), err)
	}
	return idx, nil
}

func logTransportError(ctx context.Context, action, url string, err error) {
	logging.Warn(ctx, logging.ComponentCluster, action, fmt.Sprintf("rpc to %s failed", url), map[string]any{"error": err.Error()})
}
