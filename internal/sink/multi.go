package sink

import "github.com/hedopia/communicators/internal/protocol"

// MultiSink fans a single Engine's output out to every configured sink, per
// spec §4.H allowing more than one sink to be configured simultaneously.
type MultiSink struct {
	sinks []protocol.Sink
}

// NewMultiSink wraps sinks so a single protocol.Sink value delivers to all
// of them.
func NewMultiSink(sinks []protocol.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// SendResponse implements protocol.Sink.
func (m *MultiSink) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	for _, s := range m.sinks {
		s.SendResponse(responses, deviceID, nodeIndex)
	}
}

// SendStatus implements protocol.Sink.
func (m *MultiSink) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	for _, s := range m.sinks {
		s.SendStatus(status, deviceID, nodeIndex)
	}
}

// Close closes every wrapped sink that supports it.
func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
