package driver

import (
	"time"

	"github.com/hedopia/communicators/internal/protocol"
)

// encodeDevice renders a device as a plain map[string]any tree node so it
// can live under the cluster's shared object ["devices", id] path and
// round-trip through deepMerge/deepDelete, which only understand
// string-keyed maps, slices, and scalars.
func encodeDevice(d protocol.Device) map[string]any {
	commands := make([]any, 0, len(d.Commands))
	for _, c := range d.Commands {
		commands = append(commands, map[string]any{
			"id":          c.ID,
			"order":       int64(c.Order),
			"type":        string(c.Type),
			"periodGroup": c.PeriodGroup,
			"requestInfo": c.RequestInfo,
			"afterDelay":  c.AfterDelay.Milliseconds(),
			"timeout":     c.Timeout.Milliseconds(),
			"script":      c.Script,
		})
	}
	return map[string]any{
		"id":                        d.ID,
		"group":                     d.Group,
		"connectionUrl":             d.ConnectionURL,
		"responseTimeout":           d.ResponseTimeout.Milliseconds(),
		"maxRetryConnect":           int64(d.MaxRetryConnect),
		"retryConnectDelay":         d.RetryConnectDelay.Milliseconds(),
		"socketTimeout":             d.SocketTimeout.Milliseconds(),
		"initialCommandDelay":       d.InitialCommandDelay.Milliseconds(),
		"protocolScript":            d.ProtocolScript,
		"connectionCommand":         d.ConnectionCommand,
		"connectionLostOnException": d.ConnectionLostOnException,
		"commands":                  commands,
	}
}

// decodeDevice reverses encodeDevice; it tolerates a partially-decoded
// generic JSON tree (float64 numbers, []any slices) since the shared
// object was likely round-tripped through JSON on the wire.
func decodeDevice(id string, raw any) (protocol.Device, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return protocol.Device{}, false
	}
	d := protocol.Device{
		ID:                        id,
		Group:                     str(m["group"]),
		ConnectionURL:             str(m["connectionUrl"]),
		ResponseTimeout:           ms(m["responseTimeout"]),
		MaxRetryConnect:           int(num(m["maxRetryConnect"])),
		RetryConnectDelay:         ms(m["retryConnectDelay"]),
		SocketTimeout:             ms(m["socketTimeout"]),
		InitialCommandDelay:       ms(m["initialCommandDelay"]),
		ProtocolScript:            str(m["protocolScript"]),
		ConnectionCommand:         boolOf(m["connectionCommand"]),
		ConnectionLostOnException: boolOf(m["connectionLostOnException"]),
	}
	if list, ok := m["commands"].([]any); ok {
		for _, item := range list {
			cm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			d.Commands = append(d.Commands, protocol.Command{
				ID:          str(cm["id"]),
				Order:       int(num(cm["order"])),
				Type:        protocol.CommandType(str(cm["type"])),
				PeriodGroup: int64(num(cm["periodGroup"])),
				RequestInfo: str(cm["requestInfo"]),
				AfterDelay:  ms(cm["afterDelay"]),
				Timeout:     ms(cm["timeout"]),
				Script:      str(cm["script"]),
			})
		}
	}
	return d, true
}

// decodeDevices decodes every entry under tree["devices"], as produced by
// the clusterDeleted event's departed-node tree.
func decodeDevices(tree map[string]any) []protocol.Device {
	devicesNode, ok := tree["devices"].(map[string]any)
	if !ok {
		return nil
	}
	var out []protocol.Device
	for id, raw := range devicesNode {
		if d, ok := decodeDevice(id, raw); ok {
			out = append(out, d)
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func ms(v any) time.Duration {
	return time.Duration(num(v)) * time.Millisecond
}
