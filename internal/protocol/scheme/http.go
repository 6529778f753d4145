package scheme

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

func init() {
	Register("http-client", newHTTPClient)
	Register("http-server", newHTTPServer)
}

// httpClient is request/response rather than streaming: each Write POSTs a
// command payload and feeds the response body back through onChunk as if it
// were a socket read, so the framing/command layers above see a uniform
// chunk stream regardless of transport.
type httpClient struct {
	opts Options

	client  *http.Client
	onChunk ChunkHandler
	url     string
}

func newHTTPClient(opts Options) (Transport, error) {
	return &httpClient{opts: opts}, nil
}

func (h *httpClient) Start(ctx context.Context, onChunk ChunkHandler) error {
	h.onChunk = onChunk
	h.url = fmt.Sprintf("http://%s:%d%s", h.opts.Host, h.opts.Port, h.opts.String("path", "/"))
	h.client = &http.Client{Timeout: time.Duration(h.opts.Int("timeoutMs", 5000)) * time.Millisecond}
	return nil
}

func (h *httpClient) Write(_ string, data []byte) error {
	if h.client == nil {
		return fmt.Errorf("http-client: not started")
	}
	resp, err := h.client.Post(h.url, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("http-client post %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("http-client read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http-client: remote returned status %d", resp.StatusCode)
	}
	if len(body) > 0 {
		h.onChunk(h.url, body)
	}
	return nil
}

func (h *httpClient) Close() error { return nil }

// httpServer exposes a single handler path that devices POST unsolicited
// packets to; there is no unsolicited push back to the peer, so Write
// always fails (HTTP's request/response model has no open channel to push
// on outside of an in-flight request).
type httpServer struct {
	opts Options

	mu     sync.Mutex
	server *http.Server
}

func newHTTPServer(opts Options) (Transport, error) {
	return &httpServer{opts: opts}, nil
}

func (h *httpServer) Start(ctx context.Context, onChunk ChunkHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(h.opts.String("path", "/"), func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		onChunk(r.RemoteAddr, body)
		w.WriteHeader(http.StatusAccepted)
	})

	addr := fmt.Sprintf("%s:%d", h.opts.Host, h.opts.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http-server listen %s: %w", addr, err)
	}
	go srv.Serve(ln)
	return nil
}

func (h *httpServer) Write(string, []byte) error {
	return fmt.Errorf("http-server: unsolicited push is not supported over request/response HTTP")
}

func (h *httpServer) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}
	return h.server.Close()
}
