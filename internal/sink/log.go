package sink

import (
	"context"

	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
)

// LogSink delivers rendered records through the structured async logger
// instead of an external system, per spec §4.H's "log-only" target.
type LogSink struct {
	template string
}

// NewLogSink builds a LogSink applying template to each record.
func NewLogSink(template string) *LogSink {
	return &LogSink{template: template}
}

// SendResponse implements protocol.Sink.
func (l *LogSink) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	for _, r := range responseRecords(responses, deviceID, nodeIndex) {
		logging.Info(context.Background(), logging.ComponentSink, "emit", Render(l.template, r))
	}
}

// SendStatus implements protocol.Sink.
func (l *LogSink) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	logging.Info(context.Background(), logging.ComponentSink, "emit", Render(l.template, statusRecord(status, deviceID, nodeIndex)))
}
