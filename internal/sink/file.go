package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/hedopia/communicators/internal/protocol"
)

// SyncPolicy mirrors the teacher's AOF sync policies: flush+fsync every
// write, flush every write but fsync is left to the OS, or buffer and let
// the OS flush on its own schedule.
type SyncPolicy string

const (
	SyncAlways   SyncPolicy = "always"
	SyncEverySec SyncPolicy = "everysec"
	SyncNo       SyncPolicy = "no"
)

// FileSink appends rendered records as CSV rows, per spec §4.H's "file
// (CSV append)" target.
type FileSink struct {
	template string
	policy   SyncPolicy

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	buf    *bufio.Writer
}

// NewFileSink opens (or creates) path for appending. Each record's rendered
// fields become one CSV row: deviceId,tagId,value,receivedTime,driverId,
// nodeIndex,status,issuedTime.
func NewFileSink(path string, policy SyncPolicy) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open sink file %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 64*1024)
	return &FileSink{
		policy: policy,
		file:   f,
		writer: csv.NewWriter(buf),
		buf:    buf,
	}, nil
}

func (f *FileSink) writeRecord(r Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := []string{
		r.DeviceID, r.TagID, r.Value,
		fmt.Sprintf("%d", r.ReceivedTime),
		r.DriverID, fmt.Sprintf("%d", r.NodeIndex),
		r.Status, fmt.Sprintf("%d", r.IssuedTime),
	}
	if err := f.writer.Write(row); err != nil {
		return
	}
	f.writer.Flush()

	switch f.policy {
	case SyncAlways:
		f.buf.Flush()
		f.file.Sync()
	case SyncEverySec:
		f.buf.Flush()
	default:
		// buffered; relies on the OS (or a periodic caller) to flush.
	}
}

// SendResponse implements protocol.Sink.
func (f *FileSink) SendResponse(responses []protocol.Response, deviceID string, nodeIndex int) {
	for _, r := range responseRecords(responses, deviceID, nodeIndex) {
		f.writeRecord(r)
	}
}

// SendStatus implements protocol.Sink.
func (f *FileSink) SendStatus(status protocol.Status, deviceID string, nodeIndex int) {
	f.writeRecord(statusRecord(status, deviceID, nodeIndex))
}

// Close flushes and closes the underlying file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writer.Flush()
	f.buf.Flush()
	return f.file.Close()
}
