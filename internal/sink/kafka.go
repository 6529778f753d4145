package sink

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
)

// KafkaSink writes length-prefixed rendered records to a broker address
// over a persistent TCP connection. No Kafka client library appears
// anywhere in the example corpus (see DESIGN.md), so this intentionally
// does not speak the real Kafka wire protocol — it is a minimal
// stand-in framing meant to sit behind a broker-side adapter, not a
// drop-in Kafka producer.
type KafkaSink struct {
	topic    string
	template string
	addr     string
	timeout  time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewKafkaSink builds a KafkaSink targeting addr/topic.
func NewKafkaSink(addr, topic, template string, timeout time.Duration) *KafkaSink {
	return &KafkaSink{topic: topic, template: template, addr: addr, timeout: timeout}
}

func (k *KafkaSink) connection() (net.Conn, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn != nil {
		return k.conn, nil
	}
	conn, err := net.DialTimeout("tcp", k.addr, k.timeout)
	if err != nil {
		return nil, err
	}
	k.conn = conn
	return conn, nil
}

func (k *KafkaSink) publish(r Record) {
	payload := []byte(k.topic + "\x00" + Render(k.template, r))

	conn, err := k.connection()
	if err != nil {
		logging.Warn(nil, logging.ComponentSink, "connect", "kafka sink dial failed", map[string]interface{}{"error": err.Error()})
		return
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err = conn.Write(header); err == nil {
		_, err = conn.Write(payload)
	}
	if err != nil {
		conn.Close()
		k.conn = nil
		logging.Warn(nil, logging.ComponentSink, "request", "kafka sink write failed", map[string]interface{}{"error": err.Error()})
	}
}

// SendResponse implements protocol.Sink.
func (k *KafkaSink) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	for _, r := range responseRecords(responses, deviceID, nodeIndex) {
		k.publish(r)
	}
}

// SendStatus implements protocol.Sink.
func (k *KafkaSink) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	k.publish(statusRecord(status, deviceID, nodeIndex))
}

// Close drops the underlying connection.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil {
		return nil
	}
	err := k.conn.Close()
	k.conn = nil
	return err
}
