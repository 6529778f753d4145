// Package sink implements the delivery targets responses/status can be
// routed to, per spec §4.H: file (CSV append), REST (load-balanced POST),
// Kafka, and log-only. Each implementation satisfies protocol.Sink
// structurally so internal/protocol never imports this package.
package sink

import (
	"strconv"
	"strings"

	"github.com/hedopia/communicators/internal/protocol"
)

// Record is the flattened field set a sink template renders from, per spec
// §4.H's {deviceId, tagId, value, receivedTime, driverId, nodeIndex,
// status, issuedTime}.
type Record struct {
	DeviceID     string
	TagID        string
	Value        string
	ReceivedTime int64
	DriverID     string
	NodeIndex    int
	Status       string
	IssuedTime   int64
}

// Render applies template (containing {fieldName} placeholders) against r.
func Render(template string, r Record) string {
	replacer := strings.NewReplacer(
		"{deviceId}", r.DeviceID,
		"{tagId}", r.TagID,
		"{value}", r.Value,
		"{receivedTime}", strconv.FormatInt(r.ReceivedTime, 10),
		"{driverId}", r.DriverID,
		"{nodeIndex}", strconv.Itoa(r.NodeIndex),
		"{status}", r.Status,
		"{issuedTime}", strconv.FormatInt(r.IssuedTime, 10),
	)
	return replacer.Replace(template)
}

// responseRecords flattens a batch of protocol.Response into per-tag
// Records tagged with driverID/nodeIndex, per spec §4.H.
func responseRecords(responses []protocol.Response, driverID string, nodeIndex int) []Record {
	out := make([]Record, 0, len(responses))
	for _, r := range responses {
		out = append(out, Record{
			DeviceID:     r.DeviceID,
			TagID:        r.TagID,
			Value:        r.Value,
			ReceivedTime: r.ReceivedTime,
			DriverID:     driverID,
			NodeIndex:    nodeIndex,
		})
	}
	return out
}

// statusRecord flattens a single protocol.Status into a Record.
func statusRecord(status protocol.Status, driverID string, nodeIndex int) Record {
	return Record{
		DeviceID:   status.DeviceID,
		DriverID:   driverID,
		NodeIndex:  nodeIndex,
		Status:     string(status.Code),
		IssuedTime: status.IssuedTime,
	}
}
