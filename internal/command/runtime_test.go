package command

import (
	"testing"
	"time"

	"github.com/hedopia/communicators/internal/protocol"
)

type fakeInvoker struct {
	calls []string
}

func (f *fakeInvoker) Invoke(cmdID string, requestInfo string, timeout time.Duration, isRead, connectionCommand bool, initial any) (any, error) {
	f.calls = append(f.calls, cmdID)
	return "42", nil
}

func periodicCommand(id string, order int) protocol.Command {
	return protocol.Command{
		ID:          id,
		Order:       order,
		Type:        protocol.CommandReadRequest,
		PeriodGroup: 1000,
		RequestInfo: "poll",
		Timeout:     time.Second,
		Script:      "function " + id + "() { return null; }",
	}
}

func TestRegisterValidatesScriptFunctions(t *testing.T) {
	t.Run("Missing_Response_Function_Is_Rejected", func(t *testing.T) {
		r := NewRuntime(nil, 1)
		device := protocol.Device{
			ID: "dev1",
			Commands: []protocol.Command{
				{ID: "readTemp", Type: protocol.CommandReadRequest, PeriodGroup: 1000, RequestInfo: "poll", Timeout: time.Second},
			},
		}
		if err := r.Register(device, &fakeInvoker{}); err == nil {
			t.Fatal("expected registration to fail without a readTemp() response function")
		}
	})

	t.Run("Missing_RequestInfo_Is_Rejected", func(t *testing.T) {
		r := NewRuntime(nil, 1)
		device := protocol.Device{
			ID: "dev2",
			Commands: []protocol.Command{
				{ID: "writeSetpoint", Type: protocol.CommandWriteRequest, PeriodGroup: -1, Timeout: time.Second},
			},
		}
		if err := r.Register(device, &fakeInvoker{}); err == nil {
			t.Fatal("expected registration to fail without a requestInfo literal or script function")
		}
	})

	t.Run("Valid_Device_Registers_Cleanly", func(t *testing.T) {
		r := NewRuntime(nil, 1)
		device := protocol.Device{
			ID:       "dev3",
			Commands: []protocol.Command{periodicCommand("readTemp", 0)},
		}
		if err := r.Register(device, &fakeInvoker{}); err != nil {
			t.Fatalf("expected valid device to register, got %v", err)
		}
	})
}

func TestRunPeriodicGroupAdvancesCursor(t *testing.T) {
	t.Run("Cycles_Through_Commands_In_Order", func(t *testing.T) {
		r := NewRuntime(nil, 1)
		invoker := &fakeInvoker{}
		device := protocol.Device{
			ID: "dev4",
			Commands: []protocol.Command{
				periodicCommand("cmdA", 0),
				periodicCommand("cmdB", 1),
			},
		}
		if err := r.Register(device, invoker); err != nil {
			t.Fatalf("register: %v", err)
		}

		period := device.Commands[0].EffectivePeriod()
		for i := 0; i < 4; i++ {
			if err := r.RunPeriodicGroup("dev4", period); err != nil {
				t.Fatalf("run periodic group: %v", err)
			}
		}

		want := []string{"cmdA", "cmdB", "cmdA", "cmdB"}
		if len(invoker.calls) != len(want) {
			t.Fatalf("expected calls %v, got %v", want, invoker.calls)
		}
		for i := range want {
			if invoker.calls[i] != want[i] {
				t.Fatalf("expected calls %v, got %v", want, invoker.calls)
			}
		}
	})
}

func TestRunStartingAndStopping(t *testing.T) {
	t.Run("Starting_And_Stopping_Commands_Run_Once", func(t *testing.T) {
		r := NewRuntime(nil, 1)
		invoker := &fakeInvoker{}
		device := protocol.Device{
			ID: "dev5",
			Commands: []protocol.Command{
				{ID: "init", Type: protocol.CommandStarting, PeriodGroup: -1, RequestInfo: "start", Timeout: time.Second},
				{ID: "teardown", Type: protocol.CommandStopping, PeriodGroup: -1, RequestInfo: "stop", Timeout: time.Second},
			},
		}
		if err := r.Register(device, invoker); err != nil {
			t.Fatalf("register: %v", err)
		}

		if err := r.RunStarting("dev5"); err != nil {
			t.Fatalf("run starting: %v", err)
		}
		r.RunStopping("dev5")

		if len(invoker.calls) != 2 || invoker.calls[0] != "init" || invoker.calls[1] != "teardown" {
			t.Fatalf("expected [init teardown], got %v", invoker.calls)
		}
	})
}
