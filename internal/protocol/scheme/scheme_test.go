package scheme

import (
	"context"
	"net/url"
	"testing"
	"time"
)

func TestNewUnknownScheme(t *testing.T) {
	t.Run("Returns_ErrUnknownScheme", func(t *testing.T) {
		if _, err := New("carrier-pigeon", Options{}); err == nil {
			t.Fatal("expected an error for an unregistered scheme")
		}
	})
}

func TestParseURL(t *testing.T) {
	t.Run("Splits_Scheme_Host_Port_And_Query", func(t *testing.T) {
		opts, err := ParseURL("tcp-client://10.0.0.5:502?timeoutMs=200")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if opts.Scheme != "tcp-client" || opts.Host != "10.0.0.5" || opts.Port != 502 {
			t.Fatalf("unexpected parse result: %+v", opts)
		}
		if opts.Int("timeoutMs", 0) != 200 {
			t.Fatalf("expected timeoutMs=200, got %d", opts.Int("timeoutMs", 0))
		}
	})
}

func TestDummyTransportEchoes(t *testing.T) {
	t.Run("Write_Is_Echoed_Back_As_A_Chunk", func(t *testing.T) {
		tr, err := New("dummy", Options{})
		if err != nil {
			t.Fatalf("new dummy: %v", err)
		}
		var got []byte
		done := make(chan struct{})
		if err := tr.Start(context.Background(), func(remoteAddr string, chunk []byte) {
			got = chunk
			close(done)
		}); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := tr.Write("", []byte("ping")); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for echoed chunk")
		}
		if string(got) != "ping" {
			t.Fatalf("expected echoed chunk \"ping\", got %q", got)
		}
	})
}

func TestUnimplementedSchemesFailToDial(t *testing.T) {
	for _, name := range []string{"modbus-client", "modbus-server", "secsgem-client", "secsgem-server"} {
		name := name
		t.Run(name+"_Start_Fails", func(t *testing.T) {
			tr, err := New(name, Options{Query: url.Values{}})
			if err != nil {
				t.Fatalf("new %s: %v", name, err)
			}
			if err := tr.Start(context.Background(), func(string, []byte) {}); err == nil {
				t.Fatalf("expected %s.Start to fail", name)
			}
		})
	}
}
