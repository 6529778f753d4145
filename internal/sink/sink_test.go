package sink

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hedopia/communicators/internal/protocol"
)

func TestRender(t *testing.T) {
	t.Run("Substitutes_Every_Placeholder", func(t *testing.T) {
		r := Record{DeviceID: "d1", TagID: "temp", Value: "21.5", ReceivedTime: 100, DriverID: "d1", NodeIndex: 2, Status: "CONNECTED", IssuedTime: 200}
		got := Render("{deviceId}/{tagId}={value}@{receivedTime} node={nodeIndex} status={status}/{issuedTime}", r)
		want := "d1/temp=21.5@100 node=2 status=CONNECTED/200"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestFileSinkAppendsCSVRows(t *testing.T) {
	t.Run("SendResponse_Writes_One_Row_Per_Tag", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.csv")

		fs, err := NewFileSink(path, SyncAlways)
		if err != nil {
			t.Fatalf("new file sink: %v", err)
		}
		defer fs.Close()

		fs.SendResponse([]protocol.Response{
			{DeviceID: "d1", TagID: "temp", Value: "21.5", ReceivedTime: 100},
			{DeviceID: "d1", TagID: "pressure", Value: "1.0", ReceivedTime: 100},
		}, "d1", 1)

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open output: %v", err)
		}
		defer f.Close()

		var lines []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if len(lines) != 2 {
			t.Fatalf("expected 2 CSV rows, got %d: %v", len(lines), lines)
		}
		if !strings.Contains(lines[0], "temp") || !strings.Contains(lines[1], "pressure") {
			t.Fatalf("unexpected CSV rows: %v", lines)
		}
	})
}
