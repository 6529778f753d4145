package driver

import (
	"sync"

	"github.com/hedopia/communicators/internal/protocol"
)

// responseTable wraps a protocol.Sink, recording the most recent batch of
// tagged readings delivered for each device so the driver REST surface can
// serve them back out — spec §4.D's "last-seen responses table" behind the
// /driver/response endpoint. Every delivery still passes through to inner
// unchanged.
type responseTable struct {
	inner protocol.Sink

	mu   sync.Mutex
	last map[string][]protocol.Response
}

func newResponseTable(inner protocol.Sink) *responseTable {
	return &responseTable{inner: inner, last: map[string][]protocol.Response{}}
}

// SendResponse implements protocol.Sink.
func (t *responseTable) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	t.mu.Lock()
	t.last[deviceID] = responses
	t.mu.Unlock()
	if t.inner != nil {
		t.inner.SendResponse(responses, deviceID, nodeIndex)
	}
}

// SendStatus implements protocol.Sink.
func (t *responseTable) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	if t.inner != nil {
		t.inner.SendStatus(status, deviceID, nodeIndex)
	}
}

func (t *responseTable) get(deviceID string) ([]protocol.Response, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.last[deviceID]
	return r, ok
}

func (t *responseTable) all() map[string][]protocol.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]protocol.Response, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}
