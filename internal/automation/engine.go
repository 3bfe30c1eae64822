//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zigbee-go-deconz/internal/event"

	lua "github.com/yuin/gopher-lua"
)

// runTimeout bounds a one-shot RunScript execution.
const runTimeout = 5 * time.Second

// luaEventHandler is a callback registered with zigbee.on.
type luaEventHandler struct {
	kind    event.Kind
	ieee    string // empty = any
	address int    // -1 = any
	fn      *lua.LFunction
}

// scriptVM is one running script. All access to state happens on the
// goroutine draining commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs enabled scripts and dispatches bus events to their handlers.
type Engine struct {
	net     Network
	devices DeviceLister
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	wg    sync.WaitGroup
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(net Network, devices DeviceLister, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		net:     net,
		devices: devices,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.net.Events().Subscribe(e.dispatchEvent)

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

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all scripts and waits for their goroutines.
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

// Running returns the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("automation: get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM, then calls every handler it
// registered once with a synthetic event of the handler's kind. Output of
// zigbee.log is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       "run",
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	registerZigbeeModule(L, vm, e, func(msg string) {
		logs = append(logs, msg)
		e.logger.Info("script run log", "msg", msg)
	})
	registerSystemModule(L, e.clock, e.logger)

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		data := map[string]any{}
		if h.ieee != "" {
			data["ieeeAddr"] = h.ieee
		}
		if h.address >= 0 {
			data["networkAddress"] = h.address
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, h.kind, data)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newSandbox creates a Lua state without file, process or module loading.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()
	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger := e.logger.With("script", s.ID)
	registerZigbeeModule(L, vm, e, func(msg string) {
		logger.Info("script log", "msg", msg)
	})
	registerSystemModule(L, e.clock, logger)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("automation: execute script %s: %w", s.ID, err)
	}
	L.SetContext(ctx)

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	logger.Info("script started", "name", s.Meta.Name, "handlers", len(vm.handlers))
	return nil
}

// dispatchEvent queues matching handlers on their script's goroutine.
// Events for a full queue are dropped.
func (e *Engine) dispatchEvent(ev event.Event) {
	kind := ev.Kind()
	data := eventData(ev)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, kind, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm.id, fn, kind, data) }:
			default:
				e.logger.Warn("script queue full, dropping event", "script", vm.id, "type", kind)
			}
		}
	}
}

// eventData flattens an event to its JSON field map.
func eventData(ev event.Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func matchesHandler(h luaEventHandler, kind event.Kind, data map[string]any) bool {
	if h.kind != kind {
		return false
	}
	if h.ieee != "" {
		ieee, _ := data["ieeeAddr"].(string)
		if !strings.EqualFold(ieee, h.ieee) {
			return false
		}
	}
	if h.address >= 0 {
		addr, ok := data["networkAddress"].(float64)
		if !ok {
			addr, ok = data["address"].(float64)
		}
		if !ok || int(addr) != h.address {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, kind event.Kind, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", id, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, kind, data)); err != nil {
		e.logger.Error("lua handler error", "script", id, "err", err)
	}
}

func eventTable(L *lua.LState, kind event.Kind, data map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range data {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(kind))
	return t
}

// goToLua converts a decoded JSON or Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
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
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
