package command

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hedopia/communicators/internal/logging"
	"github.com/hedopia/communicators/internal/protocol"
	"github.com/hedopia/communicators/internal/protocol/scheme"
)

type compiledCommand struct {
	protocol.Command
	hasRequestInfoFn bool
	hasResponseFn    bool
	hasDelayFn       bool
	hasControlFn     bool
}

type deviceRuntime struct {
	mu        sync.Mutex
	device    protocol.Device
	eval      Evaluator
	invoker   protocol.Invoker
	commands  []compiledCommand
	byGroup   map[time.Duration][]int // index into commands, Order-sorted
	cursor    map[time.Duration]int
	sink      protocol.Sink
	nodeIndex int
}

// Runtime implements protocol.CommandExecutor: it compiles each device's
// protocolScript plus command scripts once at connect time and sequences
// their execution, per spec §9. Any tagged readings a command's response
// function produces are delivered to sink, tagged with nodeIndex, per spec
// §4.F's cmdFunc output contract flowing into §4.H's sendResponse.
type Runtime struct {
	mu        sync.Mutex
	devices   map[string]*deviceRuntime
	newEval   func() Evaluator
	sink      protocol.Sink
	nodeIndex int
}

// NewRuntime builds an empty Runtime. invokers are supplied per device via
// Register, since each device's protocol.Engine (the Invoker) is
// constructed independently.
func NewRuntime(sink protocol.Sink, nodeIndex int) *Runtime {
	return &Runtime{
		devices:   map[string]*deviceRuntime{},
		newEval:   NewEvaluator,
		sink:      sink,
		nodeIndex: nodeIndex,
	}
}

// Register compiles device's scripts and associates it with invoker (the
// device's protocol.Engine), validating the rules in spec §9: a write or
// periodic-read command needs a requestInfo (literal or script function),
// a read/REQUEST command needs a response-parsing function named after its
// command id, a control function (named "<id>Control") must take 2 or 3
// positional arguments per spec §4.F, and an http-client device may not
// declare a write-only command (§8's compile rule).
func (r *Runtime) Register(device protocol.Device, invoker protocol.Invoker) error {
	if err := device.Validate(); err != nil {
		return err
	}

	if opts, err := scheme.ParseURL(device.ConnectionURL); err == nil && opts.Scheme == "http-client" {
		for _, c := range device.Commands {
			if c.Type == protocol.CommandWriteRequest {
				return fmt.Errorf("device %s command %s: write commands are not supported over http-client (isReadCommand==false is a script error)", device.ID, c.ID)
			}
		}
	}

	eval := r.newEval()
	source := device.ProtocolScript
	for _, c := range device.Commands {
		source += "\n" + c.Script
	}
	if source != "" {
		if err := eval.Compile(source); err != nil {
			return fmt.Errorf("device %s: %w", device.ID, err)
		}
	}

	ordered := append([]protocol.Command(nil), device.Commands...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	compiled := make([]compiledCommand, 0, len(ordered))
	byGroup := map[time.Duration][]int{}
	for i, c := range ordered {
		cc := compiledCommand{
			Command:          c,
			hasRequestInfoFn: eval.HasFunc(c.ID + "RequestInfo"),
			hasResponseFn:    eval.HasFunc(c.ID),
			hasDelayFn:       eval.HasFunc(c.ID + "Delay"),
			hasControlFn:     eval.HasFunc(c.ID + "Control"),
		}

		needsRequestInfo := c.Type == protocol.CommandWriteRequest ||
			(c.Type == protocol.CommandReadRequest && c.PeriodGroup >= 0)
		if needsRequestInfo && c.RequestInfo == "" && !cc.hasRequestInfoFn {
			return fmt.Errorf("device %s command %s: requires a requestInfo literal or a %sRequestInfo() script function", device.ID, c.ID, c.ID)
		}

		needsResponseFn := c.Type == protocol.CommandReadRequest || c.Type == protocol.CommandRequest
		if needsResponseFn && !cc.hasResponseFn {
			return fmt.Errorf("device %s command %s: requires a %s() script function to parse its response", device.ID, c.ID, c.ID)
		}

		if cc.hasControlFn {
			arity, ok := eval.Arity(c.ID + "Control")
			if !ok || (arity != 2 && arity != 3) {
				return fmt.Errorf("device %s command %s: %sControl() must take 2 or 3 positional arguments", device.ID, c.ID, c.ID)
			}
		}

		compiled = append(compiled, cc)
		if c.Type.IsPeriodic() && c.PeriodGroup >= 0 {
			p := c.EffectivePeriod()
			byGroup[p] = append(byGroup[p], i)
		}
	}

	dr := &deviceRuntime{
		device:    device,
		eval:      eval,
		invoker:   invoker,
		commands:  compiled,
		byGroup:   byGroup,
		cursor:    map[time.Duration]int{},
		sink:      r.sink,
		nodeIndex: r.nodeIndex,
	}

	r.mu.Lock()
	r.devices[device.ID] = dr
	r.mu.Unlock()
	return nil
}

func (r *Runtime) get(deviceID string) (*deviceRuntime, error) {
	r.mu.Lock()
	dr, ok := r.devices[deviceID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s is not registered with this runtime", deviceID)
	}
	return dr, nil
}

// RunStarting implements protocol.CommandExecutor: runs every CommandStarting
// command once, in Order.
func (r *Runtime) RunStarting(deviceID string) error {
	return r.runOnce(deviceID, protocol.CommandStarting)
}

// RunStopping implements protocol.CommandExecutor: runs every
// CommandStopping command once, in Order, swallowing errors since a device
// is already on its way out.
func (r *Runtime) RunStopping(deviceID string) {
	if err := r.runOnce(deviceID, protocol.CommandStopping); err != nil {
		logging.Warn(nil, logging.ComponentCommand, "stopping", "stopping commands failed", map[string]interface{}{
			"deviceId": deviceID, "error": err.Error(),
		})
	}
}

func (r *Runtime) runOnce(deviceID string, kind protocol.CommandType) error {
	dr, err := r.get(deviceID)
	if err != nil {
		return err
	}
	dr.mu.Lock()
	defer dr.mu.Unlock()

	for i, c := range dr.commands {
		if c.Type != kind {
			continue
		}
		if _, err := dr.execute(i, nil); err != nil {
			return err
		}
	}
	return nil
}

// RunAll runs every registered command once, in Order, ignoring type and
// period — the driver REST surface's execute-commands/request-commands
// endpoints (spec §6), which act on demand rather than waiting for a
// periodic tick.
func (r *Runtime) RunAll(deviceID string) error {
	dr, err := r.get(deviceID)
	if err != nil {
		return err
	}
	dr.mu.Lock()
	defer dr.mu.Unlock()

	for i := range dr.commands {
		if err := dr.runCommand(i); err != nil {
			return err
		}
	}
	return nil
}

// RunByIDs runs only the named commands once, in Order, ignoring those not
// present in ids — the driver REST surface's execute-command-ids/
// request-command-ids endpoints (spec §6).
func (r *Runtime) RunByIDs(deviceID string, ids []string) error {
	dr, err := r.get(deviceID)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	for i, c := range dr.commands {
		if !want[c.ID] {
			continue
		}
		if err := dr.runCommand(i); err != nil {
			return err
		}
	}
	return nil
}

// RunPeriodicGroup implements protocol.CommandExecutor: each call runs one
// command of the group sharing period, the one at the group's cursor, and
// then moves the cursor by control's jump semantics; the rest of the group
// is not run in the same call. A control result >= the group size sends
// the cursor back to the group's first command.
func (r *Runtime) RunPeriodicGroup(deviceID string, period time.Duration) error {
	dr, err := r.get(deviceID)
	if err != nil {
		return err
	}
	dr.mu.Lock()
	defer dr.mu.Unlock()

	indices := dr.byGroup[period]
	if len(indices) == 0 {
		return nil
	}
	cursor := dr.cursor[period]
	if cursor >= len(indices) {
		cursor = 0
	}

	idx := indices[cursor]
	ctrl := &controlArgs{ids: idsOf(dr.commands, indices), pos: cursor}
	next, err := dr.execute(idx, ctrl)
	if err != nil {
		dr.cursor[period] = 0
		return err
	}

	switch {
	case next == nil:
		dr.cursor[period] = (cursor + 1) % len(indices)
	case *next >= len(indices):
		dr.cursor[period] = 0
	default:
		dr.cursor[period] = *next
	}
	return nil
}

func idsOf(commands []compiledCommand, indices []int) []string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = commands[idx].ID
	}
	return ids
}

// RunNonPeriodic implements protocol.CommandExecutor: an unsolicited packet
// arrived (e.g. a REQUEST-type device pushing data); dispatch it to every
// non-periodic REQUEST command's response function and emit whatever tagged
// readings it returns.
func (r *Runtime) RunNonPeriodic(deviceID string, packet []byte, receivedTime int64) {
	dr, err := r.get(deviceID)
	if err != nil {
		return
	}
	dr.mu.Lock()
	defer dr.mu.Unlock()

	for _, c := range dr.commands {
		if c.Type != protocol.CommandRequest || c.PeriodGroup >= 0 {
			continue
		}
		parsed, err := dr.eval.Call(c.ID, string(packet), receivedTime)
		if err != nil {
			logging.Warn(nil, logging.ComponentCommand, "nonperiodic", "response script failed", map[string]interface{}{
				"deviceId": deviceID, "commandId": c.ID, "error": err.Error(),
			})
			continue
		}
		responses, err := parseResponses(dr.device.ID, parsed)
		if err != nil {
			logging.Warn(nil, logging.ComponentCommand, "nonperiodic", "response shape invalid", map[string]interface{}{
				"deviceId": deviceID, "commandId": c.ID, "error": err.Error(),
			})
			continue
		}
		dr.emit(responses)
	}
}

// Close implements protocol.CommandExecutor: drops compiled state for
// deviceID so a later reconnect recompiles from scratch.
func (r *Runtime) Close(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

// controlArgs carries the commandList/position a periodic group's control
// function needs, per spec §4.F's control(commandList, i, exceptionOrNone).
// It is nil for one-shot execution (starting/stopping/on-demand REST runs),
// where there is no cursor for control to redirect.
type controlArgs struct {
	ids []string
	pos int
}

// runCommand executes commands[idx]'s steps 1-4 with no control function
// involved: any invoke error propagates directly, matching plain sequential
// execution (starting/stopping commands and on-demand REST execution).
func (dr *deviceRuntime) runCommand(idx int) error {
	_, err := dr.execute(idx, nil)
	return err
}

// execute runs commands[idx] through spec §4.E's five-step sequence:
// (1) resolve requestInfo, skipping the command entirely when both the
// script function and the static literal are absent; (2) reconnect first
// when the device declares connectionCommand; (3) invoke the device through
// the Invoker; (4) sleep the command's delay; (5) consult its control
// function (periodic groups only) to decide the next cursor position and
// whether a step-3 error was swallowed. It returns the next cursor position
// (nil meaning "advance by one", a value >= the group size meaning "stop").
func (dr *deviceRuntime) execute(idx int, ctrl *controlArgs) (*int, error) {
	c := dr.commands[idx]

	requestInfo, skip, err := dr.resolveRequestInfo(c)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}

	isRead := c.Type == protocol.CommandReadRequest || c.Type == protocol.CommandRequest
	result, invokeErr := dr.invoker.Invoke(c.ID, requestInfo, c.Timeout, isRead, dr.device.ConnectionCommand, nil)

	dr.applyDelay(c)

	var next *int
	swallowed := false
	if ctrl != nil && c.hasControlFn {
		n, sw, ctrlErr := dr.runControl(c, ctrl, invokeErr)
		if ctrlErr != nil {
			return nil, ctrlErr
		}
		next, swallowed = n, sw
	}

	if invokeErr != nil && !swallowed {
		return next, invokeErr
	}
	if invokeErr != nil {
		return next, nil
	}
	if !c.hasResponseFn {
		return next, nil
	}

	parsed, err := dr.eval.Call(c.ID, result)
	if err != nil {
		return next, err
	}
	responses, err := parseResponses(dr.device.ID, parsed)
	if err != nil {
		return next, err
	}
	dr.emit(responses)
	return next, nil
}

// resolveRequestInfo evaluates "<id>RequestInfo" when present, falling back
// to the command's static literal; skip is true when neither produced
// anything to send, per spec §4.E step 1.
func (dr *deviceRuntime) resolveRequestInfo(c compiledCommand) (info string, skip bool, err error) {
	if c.hasRequestInfoFn {
		v, err := dr.eval.Call(c.ID + "RequestInfo")
		if err != nil {
			return "", false, err
		}
		if v == nil {
			if c.RequestInfo == "" {
				return "", true, nil
			}
			return c.RequestInfo, false, nil
		}
		if s, ok := v.(string); ok {
			return s, false, nil
		}
		return c.RequestInfo, false, nil
	}
	if c.RequestInfo == "" {
		return "", true, nil
	}
	return c.RequestInfo, false, nil
}

// applyDelay sleeps the command's "<id>Delay" script result, falling back to
// its static AfterDelay, per spec §4.E step 4.
func (dr *deviceRuntime) applyDelay(c compiledCommand) {
	if c.hasDelayFn {
		v, err := dr.eval.Call(c.ID + "Delay")
		if err == nil {
			if ms, ok := toInt64(v); ok && ms > 0 {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
			return
		}
	}
	if c.AfterDelay > 0 {
		time.Sleep(c.AfterDelay)
	}
}

// runControl calls "<id>Control(commandList, i, exceptionOrNone)" and
// translates its return value into a next-cursor position, per spec §4.F:
// a non-negative integer indexes the list directly; a negative integer n
// jumps to size-|n|; none/undefined defaults to advancing by one (reported
// as a nil next so the caller's own +1 applies); a returned value >= size
// signals traversal should stop. swallowed reports whether execErr was
// handed to control and control returned normally rather than rethrowing,
// per §7's "script error ... control may swallow; else propagates".
func (dr *deviceRuntime) runControl(c compiledCommand, ctrl *controlArgs, execErr error) (next *int, swallowed bool, err error) {
	idsVal := make([]interface{}, len(ctrl.ids))
	for i, id := range ctrl.ids {
		idsVal[i] = id
	}
	var excArg any
	if execErr != nil {
		excArg = execErr.Error()
	}
	result, callErr := dr.eval.Call(c.ID+"Control", idsVal, ctrl.pos, excArg)
	if callErr != nil {
		return nil, false, callErr
	}
	return controlNext(result, len(ctrl.ids)), execErr != nil, nil
}

// controlNext implements the jump arithmetic documented on runControl.
func controlNext(v any, size int) *int {
	n, ok := toInt64(v)
	if !ok || size == 0 {
		return nil
	}
	idx := int(n)
	if idx >= size {
		stop := size
		return &stop
	}
	if idx >= 0 {
		return &idx
	}
	j := size + idx
	if j < 0 {
		j = 0
	}
	return &j
}

// emit delivers responses to the runtime's sink, tagged with this device's
// id and the runtime's node index, per spec §4.H's sendResponse.
func (dr *deviceRuntime) emit(responses []protocol.Response) {
	if len(responses) == 0 || dr.sink == nil {
		return
	}
	dr.sink.SendResponse(responses, dr.device.ID, dr.nodeIndex)
}

// parseResponses implements spec §4.F's cmdFunc output contract: null/
// undefined means no responses; a list of (tagId, value[, receivedTime])
// tuples becomes Response values; anything else is a script error.
func parseResponses(deviceID string, v any) ([]protocol.Response, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("device %s: response function must return null or a list of (tagId, value[, receivedTime]) tuples, got %T", deviceID, v)
	}

	responses := make([]protocol.Response, 0, len(list))
	for _, item := range list {
		tuple, ok := item.([]interface{})
		if !ok || len(tuple) < 2 || len(tuple) > 3 {
			return nil, fmt.Errorf("device %s: response tuple must be (tagId, value[, receivedTime]), got %#v", deviceID, item)
		}
		tagID, ok := tuple[0].(string)
		if !ok {
			return nil, fmt.Errorf("device %s: response tagId must be a string, got %T", deviceID, tuple[0])
		}
		receivedTime := time.Now().UnixMilli()
		if len(tuple) == 3 {
			if rt, ok := toInt64(tuple[2]); ok {
				receivedTime = rt
			}
		}
		responses = append(responses, protocol.Response{
			DeviceID:     deviceID,
			TagID:        tagID,
			Value:        fmt.Sprint(tuple[1]),
			ReceivedTime: receivedTime,
		})
	}
	return responses, nil
}

// toInt64 normalizes the numeric types goja.Export may hand back.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
