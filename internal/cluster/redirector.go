package cluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hedopia/communicators/internal/logging"
)

// Redirector implements the three call-routing patterns from spec §4.C:
// toLeaderFunc (confirmed single delivery to whoever is LEADER right now),
// toIndexFunc (confirmed single delivery to one specific peer), and
// toAllFunc (best-effort bounded-parallel fan-out to every peer).
type Redirector struct {
	svc *Service

	httpClient *http.Client
	retryDelay time.Duration
	maxFanOut  int
}

// NewRedirector builds a Redirector bound to svc.
func NewRedirector(svc *Service) *Redirector {
	return &Redirector{
		svc:        svc,
		httpClient: &http.Client{Timeout: svc.cfg.ReadTimeout},
		retryDelay: svc.cfg.HeartbeatInterval,
		maxFanOut:  8,
	}
}

// LeaderFn is invoked once a leader has been located. isLocal is true when
// the current node is itself the leader, letting the caller skip an HTTP
// round-trip to itself.
type LeaderFn func(ctx context.Context, client *http.Client, url string, isLocal bool) error

// ToLeaderFunc locates the current LEADER and invokes fn against it. When
// confirmed is true the call retries indefinitely (once per heartbeat
// interval) until fn succeeds, matching the glossary's "Confirmed call".
func (r *Redirector) ToLeaderFunc(ctx context.Context, confirmed bool, fn LeaderFn) error {
	for {
		err := r.tryToLeaderOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !confirmed {
			return err
		}
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionRetry, "toLeaderFunc retrying", map[string]any{"error": err.Error()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Redirector) tryToLeaderOnce(ctx context.Context, fn LeaderFn) error {
	if r.svc.CurrentRole() == RoleLeader {
		return fn(ctx, r.httpClient, "", true)
	}

	url, err := r.findLeaderURL(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, r.httpClient, url, false)
}

// findLeaderURL asks every known peer who the leader is and returns the
// first URL of a peer reporting RoleLeader.
func (r *Redirector) findLeaderURL(ctx context.Context) (string, error) {
	r.svc.peerIndexMu.RLock()
	urls := make([]string, 0, len(r.svc.peerUrls))
	urls = append(urls, r.svc.peerUrls...)
	r.svc.peerIndexMu.RUnlock()

	type result struct {
		url string
	}
	found := make(chan result, len(urls))
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.svc.cfg.ConnectTimeout)
			defer cancel()
			node, err := r.svc.rpc.GetNodeStatus(cctx, r.httpClient, url)
			if err != nil || node.Role != RoleLeader {
				return
			}
			select {
			case found <- result{url}:
			default:
			}
		}(url)
	}
	go func() { wg.Wait(); close(found) }()

	for res := range found {
		return res.url, nil
	}
	return "", ErrLeaderNotFound
}

// ToIndexFunc delivers fn to the single peer at nodeIndex, retrying
// indefinitely when confirmed is true.
func (r *Redirector) ToIndexFunc(ctx context.Context, nodeIndex int, confirmed bool, fn func(ctx context.Context, client *http.Client, url string, isLocal bool) error) error {
	for {
		err := r.tryToIndexOnce(ctx, nodeIndex, fn)
		if err == nil {
			return nil
		}
		if !confirmed {
			return err
		}
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionRetry, "toIndexFunc retrying", map[string]any{"nodeIndex": nodeIndex, "error": err.Error()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Redirector) tryToIndexOnce(ctx context.Context, nodeIndex int, fn func(ctx context.Context, client *http.Client, url string, isLocal bool) error) error {
	if nodeIndex == r.svc.SelfIndex() {
		return fn(ctx, r.httpClient, "", true)
	}
	url, err := r.svc.resolvePeerURL(ctx, nodeIndex)
	if err != nil {
		return err
	}
	return fn(ctx, r.httpClient, url, false)
}

// ToAllFunc fans fn out to every known peer, bounded at maxFanOut
// concurrent calls, and aggregates partial failures with multierror; one
// peer's failure does not cancel the calls to the others. It is
// best-effort: callers rely on the independent
// per-node timers and heartbeats for eventual consistency, not on this
// call succeeding everywhere.
func (r *Redirector) ToAllFunc(ctx context.Context, fn func(ctx context.Context, client *http.Client, url string) error) error {
	r.svc.peerIndexMu.RLock()
	urls := make([]string, 0, len(r.svc.peerUrls))
	urls = append(urls, r.svc.peerUrls...)
	r.svc.peerIndexMu.RUnlock()

	var g errgroup.Group
	g.SetLimit(r.maxFanOut)
	var mu sync.Mutex
	var result *multierror.Error
	for _, url := range urls {
		url := url
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.svc.cfg.ReadTimeout)
			defer cancel()
			if err := fn(cctx, r.httpClient, url); err != nil {
				logTransportError(cctx, logging.ActionRequest, url, err)
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return result.ErrorOrNil()
}
