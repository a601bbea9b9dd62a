//go:build !no_automation

// Package automation runs user Lua scripts that react to controller events
// and drive lights.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"fastcon-bridge/internal/controller"
)

// Controller is the part of the light controller scripts can drive.
type Controller interface {
	Events() *controller.EventBus
	Context() context.Context
	Lights() []controller.LightDevice
	SetState(ctx context.Context, id string, on bool) error
	SetBrightness(ctx context.Context, id string, brightness uint8) error
	SetRGB(ctx context.Context, id string, r, g, b uint8) error
	SetColorTemperature(ctx context.Context, id string, temp uint16) error
	DiscoverAndPairAll(ctx context.Context) (controller.BootstrapResult, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

const (
	commandQueueSize = 64
	runTimeout       = 5 * time.Second
	callTimeout      = 10 * time.Second
)

// luaEventHandler is a callback registered with fastcon.on.
type luaEventHandler struct {
	eventType string
	id        string // only events about this light; empty matches any
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one script. All access to state goes through
// commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex // protects handlers
	handlers []luaEventHandler

	// capture collects fastcon.log output during one-shot runs.
	capture func(string)
}

// Engine manages script VMs and dispatches controller events to them.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()

	rescanning atomic.Bool
	wg         sync.WaitGroup
}

// NewEngine creates an automation engine.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to controller events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

// Stop unsubscribes from events and stops every VM.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReloadScript restarts a script from disk; a disabled script is only
// stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a saved script once, see RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary VM, then calls every handler it
// registered once with a synthetic event, and returns the captured log.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var logMu sync.Mutex
	res := &RunResult{Logs: []string{}}
	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	vm.capture = func(msg string) {
		logMu.Lock()
		res.Logs = append(res.Logs, msg)
		logMu.Unlock()
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = fmt.Sprintf("timeout (%s)", runTimeout)
		}
		logMu.Lock()
		defer logMu.Unlock()
		res.Error = msg
		res.Duration = time.Since(start).String()
		return res
	}

	if err := vm.state.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := vm.state.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.id != "" {
			ev.RawSetString("id", lua.LString(h.id))
		}
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	logMu.Lock()
	defer logMu.Unlock()
	res.OK = true
	res.Duration = time.Since(start).String()
	return res
}

// newVM creates a sandboxed Lua state with the fastcon module installed.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerFastconModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// enqueue schedules fn on the VM goroutine without blocking.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// dispatchEvent runs on the controller's emitting goroutine and must not
// block: matching handlers are queued on their VM.
func (e *Engine) dispatchEvent(event controller.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	data := eventData(event)
	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event.Type, data) {
				continue
			}
			fn := h.fn
			ok := vm.enqueue(func(L *lua.LState) {
				e.callHandler(L, fn, event.Type, data)
			})
			if !ok && vm.ctx.Err() == nil {
				e.logger.Warn("script command queue full, dropping event", "type", event.Type)
			}
		}
	}
}

// eventData flattens an event payload into the map handed to Lua.
func eventData(event controller.Event) map[string]any {
	if m, ok := event.Data.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.id != "" {
		id, _ := data["id"].(string)
		return strings.EqualFold(id, h.id)
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, data map[string]any) {
	ev := L.NewTable()
	for k, v := range data {
		ev.RawSetString(k, goToLua(L, v))
	}
	ev.RawSetString("type", lua.LString(eventType))
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", eventType, "err", err)
	}
}

// goToLua converts a JSON-decoded Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
