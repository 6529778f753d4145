package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hedopia/communicators/internal/cluster"
	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
)

// RestSink POSTs rendered records to one of a set of target URLs, reusing
// the cluster package's shuffled-permutation load-balanced client so a
// flaky target is skipped rather than hard-removed, per spec §6.
type RestSink struct {
	template string
	lb       *cluster.LoadBalancedClient
	timeout  time.Duration
}

// NewRestSink builds a RestSink posting to urls with template applied to
// each record before encoding as a JSON body {"line": "..."}.
func NewRestSink(urls []string, template string, timeout time.Duration) *RestSink {
	return &RestSink{
		template: template,
		lb:       cluster.NewLoadBalancedClient(urls, timeout),
		timeout:  timeout,
	}
}

type restPayload struct {
	Line string `json:"line"`
}

func (s *RestSink) post(r Record) {
	body, err := json.Marshal(restPayload{Line: Render(s.template, r)})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err = s.lb.Do(ctx, func(ctx context.Context, client *http.Client, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("sink post to %s returned status %d", url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		logging.Warn(ctx, logging.ComponentSink, "request", "rest sink post failed", map[string]interface{}{"error": err.Error()})
	}
}

// SendResponse implements protocol.Sink.
func (s *RestSink) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	for _, r := range responseRecords(responses, deviceID, nodeIndex) {
		s.post(r)
	}
}

// SendStatus implements protocol.Sink.
func (s *RestSink) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	s.post(statusRecord(status, deviceID, nodeIndex))
}
