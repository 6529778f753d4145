package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hedopia/communicators/internal/framing"
	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol/scheme"
)

// Engine owns one device's connection lifecycle: dialing/listening through
// a scheme.Transport, reassembling inbound chunks with a framing.Accumulator
// per remote address, and driving the CONNECTING/CONNECTED/CONNECTION_FAIL/
// CONNECTION_LOST/DISCONNECTED/DISCONNECTION_FAIL state machine of spec
// §4.E. It implements Invoker so an injected CommandExecutor can send
// request/response commands without depending on the transport directly.
type Engine struct {
	device    Device
	sink      Sink
	nodeIndex int

	execMu   sync.RWMutex
	executor CommandExecutor

	transport scheme.Transport
	connSem   *semaphore.Weighted

	mu           sync.Mutex
	status       StatusCode
	lastRemote   string
	retries      int
	lostCh       chan struct{}
	lastActivity time.Time
	onExhausted  func()

	accMu sync.Mutex
	accs  map[string]*framing.Accumulator

	invokeMu  sync.Mutex
	pending   chan []byte
	pendingOn bool

	stopCh chan struct{}
}

// NewEngine builds an Engine for device, delivering responses/status to
// sink tagged with nodeIndex.
func NewEngine(device Device, sink Sink, nodeIndex int) *Engine {
	return &Engine{
		device:    device,
		sink:      sink,
		nodeIndex: nodeIndex,
		connSem:   semaphore.NewWeighted(1),
		status:    StatusDisconnected,
		accs:      map[string]*framing.Accumulator{},
		stopCh:    make(chan struct{}),
	}
}

// SetExecutor wires the CommandExecutor driving this device's scripted
// commands. Set after construction (by cmd/communicators or internal/driver)
// since the executor (internal/command.Runtime) is itself constructed with
// this Engine as its Invoker — breaking the initialization cycle.
func (e *Engine) SetExecutor(exec CommandExecutor) {
	e.execMu.Lock()
	e.executor = exec
	e.execMu.Unlock()
}

func (e *Engine) executorOrNil() CommandExecutor {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	return e.executor
}

// SetOnExhausted wires a callback invoked exactly once when this device's
// connect/retry loop gives up permanently (retries exhausted per §4.E's
// retry policy). It is not invoked on an ordinary ctx-cancelled stop — that
// path is already driven by whoever cancelled the context (internal/driver's
// DisconnectList/Stop). internal/driver uses this to prune its engine map
// and the shared object for a device nobody asked to disconnect, per spec §5
// "After exhaustion, the device moves to DISCONNECTED and is removed from
// the local map and from shared state."
func (e *Engine) SetOnExhausted(fn func()) {
	e.mu.Lock()
	e.onExhausted = fn
	e.mu.Unlock()
}

// Status returns the device's current connection state.
func (e *Engine) Status() StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Run drives the device's connect/retry loop until ctx is cancelled or
// its connect retries are exhausted, per spec §4.E.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopCh)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := e.connectOnce(ctx); err != nil {
			logging.Warn(ctx, logging.ComponentProtocol, "connect", "device connect attempt failed", map[string]interface{}{
				"deviceId": e.device.ID, "error": err.Error(),
			})
			e.setStatus(ctx, StatusConnectionFail)
			if !e.shouldRetry() {
				e.setStatus(ctx, StatusDisconnected)
				e.runExhausted()
				return
			}
			if !e.sleepOrDone(ctx, e.device.RetryConnectDelay) {
				e.setStatus(ctx, StatusDisconnected)
				return
			}
			continue
		}

		e.setStatus(ctx, StatusConnected)
		e.retries = 0
		e.runConnectedUntilLost(ctx)

		if ctx.Err() != nil {
			e.disconnect(ctx)
			return
		}
		// connection lost: loop back around to reconnect.
	}
}

func (e *Engine) runExhausted() {
	e.mu.Lock()
	fn := e.onExhausted
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Engine) shouldRetry() bool {
	if e.device.MaxRetryConnect < 0 {
		return true
	}
	e.retries++
	return e.retries <= e.device.MaxRetryConnect
}

func (e *Engine) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dial parses the device's connection URL and starts a fresh transport,
// wired to this Engine's onChunk handler.
func (e *Engine) dial(ctx context.Context) (scheme.Transport, error) {
	opts, err := scheme.ParseURL(e.device.ConnectionURL)
	if err != nil {
		return nil, err
	}
	tr, err := scheme.New(opts.Scheme, opts)
	if err != nil {
		return nil, err
	}
	if err := tr.Start(ctx, e.onChunk); err != nil {
		return nil, err
	}
	return tr, nil
}

// reconnectTransport redials a fresh transport session and swaps it in for
// the current one, for devices whose commands declare connectionCommand
// (spec §4.E step 2: "if connectionCommand, requestConnect, else rely on
// existing connection").
func (e *Engine) reconnectTransport(ctx context.Context) error {
	tr, err := e.dial(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	old := e.transport
	e.transport = tr
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (e *Engine) connectOnce(ctx context.Context) error {
	e.setStatus(ctx, StatusConnecting)

	tr, err := e.dial(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.transport = tr
	e.lastActivity = time.Now()
	e.mu.Unlock()

	if e.device.InitialCommandDelay > 0 {
		if !e.sleepOrDone(ctx, e.device.InitialCommandDelay) {
			return ctx.Err()
		}
	}

	if exec := e.executorOrNil(); exec != nil {
		if err := exec.RunStarting(e.device.ID); err != nil {
			return fmt.Errorf("starting commands: %w", err)
		}
	}
	return nil
}

// runConnectedUntilLost starts the device's periodic command groups and
// blocks until the connection is declared lost (response timeout, ctx
// cancellation, or an explicit disconnect).
func (e *Engine) runConnectedUntilLost(ctx context.Context) {
	groupCtx, cancelGroups := context.WithCancel(ctx)
	defer cancelGroups()

	for _, period := range distinctPeriods(e.device.Commands) {
		go e.periodicLoop(groupCtx, period)
	}
	if e.device.ResponseTimeout > 0 {
		go e.responseWatchdog(groupCtx)
	}

	lostCh := make(chan struct{})
	e.mu.Lock()
	e.lostCh = lostCh
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		// Run's disconnect path runs the stopping commands, closes the
		// transport and releases the compiled commands.
		return
	case <-lostCh:
		e.setStatus(ctx, StatusConnectionLost)
	}

	// The compiled commands stay registered so that the reconnect which
	// follows can run the starting commands again.
	if exec := e.executorOrNil(); exec != nil {
		exec.RunStopping(e.device.ID)
	}
	e.closeTransport()
}

func distinctPeriods(cmds []Command) []time.Duration {
	seen := map[time.Duration]bool{}
	var out []time.Duration
	for _, c := range cmds {
		if !c.Type.IsPeriodic() || c.PeriodGroup < 0 {
			continue
		}
		p := c.EffectivePeriod()
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) periodicLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec := e.executorOrNil()
			if exec == nil {
				continue
			}
			if err := exec.RunPeriodicGroup(e.device.ID, period); err != nil {
				logging.Warn(ctx, logging.ComponentProtocol, "periodic", "periodic command group failed", map[string]interface{}{
					"deviceId": e.device.ID, "period": period.String(), "error": err.Error(),
				})
				if e.device.ConnectionLostOnException {
					e.declareLost()
					return
				}
			}
		}
	}
}

// responseWatchdog implements §4.E's response-timeout invariant: if no
// response of any kind arrives within ResponseTimeout while CONNECTED, the
// device is declared CONNECTION_LOST, independent of any per-command
// commandTimeout handled inside Invoke.
func (e *Engine) responseWatchdog(ctx context.Context) {
	interval := e.device.ResponseTimeout / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			idle := time.Since(e.lastActivity)
			e.mu.Unlock()
			if idle >= e.device.ResponseTimeout {
				e.declareLost()
				return
			}
		}
	}
}

// touchActivity records that a response was just seen, resetting the
// responseWatchdog's idle clock.
func (e *Engine) touchActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// declareLost signals runConnectedUntilLost to tear the connection down,
// per spec §4.E's response-timeout/exception-driven CONNECTION_LOST rule.
func (e *Engine) declareLost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lostCh != nil {
		select {
		case <-e.lostCh:
		default:
			close(e.lostCh)
		}
	}
}

func (e *Engine) disconnect(ctx context.Context) {
	exec := e.executorOrNil()
	if exec != nil {
		exec.RunStopping(e.device.ID)
	}
	if err := e.closeTransport(); err != nil {
		e.setStatus(ctx, StatusDisconnectionFail)
		return
	}
	if exec != nil {
		exec.Close(e.device.ID)
	}
	e.setStatus(ctx, StatusDisconnected)
}

func (e *Engine) closeTransport() error {
	e.mu.Lock()
	tr := e.transport
	e.transport = nil
	e.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Close()
}

func (e *Engine) setStatus(ctx context.Context, code StatusCode) {
	e.mu.Lock()
	e.status = code
	e.mu.Unlock()
	if e.sink != nil {
		e.sink.SendStatus(Status{DeviceID: e.device.ID, Code: code, IssuedTime: time.Now().UnixMilli()}, e.device.ID, e.nodeIndex)
	}
}

// onChunk is the scheme.ChunkHandler passed to Transport.Start: it feeds
// the per-remote-address framing accumulator, whose emitted sub-packets
// flow into handlePacket.
func (e *Engine) onChunk(remoteAddr string, chunk []byte) {
	e.mu.Lock()
	e.lastRemote = remoteAddr
	e.mu.Unlock()

	acc := e.accumulatorFor(remoteAddr)
	acc.Feed(chunk)
}

func (e *Engine) accumulatorFor(remoteAddr string) *framing.Accumulator {
	e.accMu.Lock()
	defer e.accMu.Unlock()
	if acc, ok := e.accs[remoteAddr]; ok {
		return acc
	}
	acc := framing.NewAccumulator(framing.Options{}, func(packet []byte) {
		e.handlePacket(remoteAddr, packet)
	})
	e.accs[remoteAddr] = acc
	return acc
}

func (e *Engine) handlePacket(remoteAddr string, packet []byte) {
	e.touchActivity()

	e.invokeMu.Lock()
	if e.pendingOn && e.pending != nil {
		select {
		case e.pending <- packet:
		default:
		}
		e.invokeMu.Unlock()
		return
	}
	e.invokeMu.Unlock()

	if exec := e.executorOrNil(); exec != nil {
		exec.RunNonPeriodic(e.device.ID, packet, time.Now().UnixMilli())
	}
}

// Invoke implements Invoker: it serializes one request/response exchange
// per device (the weighted semaphore enforces exactly one in flight,
// interruptible by ctx) and treats a response timeout as a connection-lost
// trigger when the device opts into that via ConnectionLostOnException.
func (e *Engine) Invoke(cmdID string, requestInfo string, timeout time.Duration, isRead, connectionCommand bool, initial any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.connSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", cmdID, err)
	}
	defer e.connSem.Release(1)

	if connectionCommand {
		if err := e.reconnectTransport(ctx); err != nil {
			return nil, fmt.Errorf("invoke %s: reconnect: %w", cmdID, err)
		}
	}

	e.mu.Lock()
	tr := e.transport
	remote := e.lastRemote
	e.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("invoke %s: device not connected", cmdID)
	}

	respCh := make(chan []byte, 1)
	e.invokeMu.Lock()
	e.pending = respCh
	e.pendingOn = true
	e.invokeMu.Unlock()
	defer func() {
		e.invokeMu.Lock()
		e.pendingOn = false
		e.pending = nil
		e.invokeMu.Unlock()
	}()

	if err := tr.Write(remote, []byte(requestInfo)); err != nil {
		return nil, fmt.Errorf("invoke %s write: %w", cmdID, err)
	}
	if !isRead {
		return initial, nil
	}

	select {
	case packet := <-respCh:
		return string(packet), nil
	case <-ctx.Done():
		if e.device.ConnectionLostOnException {
			e.declareLost()
		}
		return nil, fmt.Errorf("invoke %s: response timeout", cmdID)
	}
}
