package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/hedopia/communicators/internal/protocol/scheme"
)

type fakeSink struct {
	mu       sync.Mutex
	statuses []StatusCode
}

func (f *fakeSink) SendResponse([]Response, string, int) {}

func (f *fakeSink) SendStatus(s Status, _ string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s.Code)
}

func (f *fakeSink) seen(code StatusCode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.statuses {
		if c == code {
			return true
		}
	}
	return false
}

type fakeExecutor struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
}

func (f *fakeExecutor) RunStarting(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, deviceID)
	return nil
}

func (f *fakeExecutor) RunStopping(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, deviceID)
}

func (f *fakeExecutor) RunPeriodicGroup(string, time.Duration) error { return nil }
func (f *fakeExecutor) RunNonPeriodic(string, []byte, int64)         {}
func (f *fakeExecutor) Close(string)                                 {}

func TestEngineConnectsOverDummyTransport(t *testing.T) {
	t.Run("Reaches_Connected_And_Runs_Starting_Commands", func(t *testing.T) {
		device := Device{
			ID:            "dev1",
			ConnectionURL: "dummy://local:0",
		}
		sink := &fakeSink{}
		exec := &fakeExecutor{}

		e := NewEngine(device, sink, 1)
		e.SetExecutor(exec)

		ctx, cancel := context.WithCancel(context.Background())
		go e.Run(ctx)

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if e.Status() == StatusConnected {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if e.Status() != StatusConnected {
			t.Fatalf("expected engine to reach CONNECTED, got %v", e.Status())
		}
		if !sink.seen(StatusConnecting) || !sink.seen(StatusConnected) {
			t.Fatalf("expected CONNECTING then CONNECTED status events, got %v", sink.statuses)
		}

		cancel()
		deadline = time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			exec.mu.Lock()
			done := len(exec.stopped) > 0
			exec.mu.Unlock()
			if done {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		exec.mu.Lock()
		defer exec.mu.Unlock()
		if len(exec.stopped) == 0 {
			t.Fatalf("expected stopping commands to run on shutdown")
		}
	})
}

func TestEngineInvokeRoundTrip(t *testing.T) {
	t.Run("Write_Then_Read_Returns_Echoed_Payload", func(t *testing.T) {
		device := Device{ID: "dev2", ConnectionURL: "dummy://local:0"}
		e := NewEngine(device, &fakeSink{}, 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && e.Status() != StatusConnected {
			time.Sleep(5 * time.Millisecond)
		}

		got, err := e.Invoke("read1", "ping", 500*time.Millisecond, true, false, nil)
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		if got != "ping" {
			t.Fatalf("expected echoed \"ping\", got %v", got)
		}
	})
}
