//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	requestTimeout       = 10 * time.Second
)

var eventKinds = map[event.Kind]bool{
	event.KindDeviceJoined:      true,
	event.KindDeviceAnnounce:    true,
	event.KindDeviceLeave:       true,
	event.KindZCLData:           true,
	event.KindRawData:           true,
	event.KindPermitJoin:        true,
	event.KindDeviceInterviewed: true,
}

// registerZigbeeModule installs the `zigbee` global. logf receives the
// messages of zigbee.log.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine, logf func(string)) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return zigbeeOn(L, vm)
	}))
	mod.RawSetString("permit_join", L.NewFunction(func(L *lua.LState) int {
		return zigbeePermitJoin(L, e)
	}))
	mod.RawSetString("send_command", L.NewFunction(func(L *lua.LState) int {
		return zigbeeSendCommand(L, e)
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return zigbeeDevices(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return zigbeeAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		logf(L.CheckString(1))
		return 0
	}))
	L.SetGlobal("zigbee", mod)
}

// zigbee.on(kind, [filter], fn). filter may hold ieee and address.
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	kind := event.Kind(L.CheckString(1))
	if !eventKinds[kind] {
		L.ArgError(1, "unknown event type: "+string(kind))
		return 0
	}

	h := luaEventHandler{kind: kind, address: -1}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("ieee"); v != lua.LNil {
			h.ieee = v.String()
		}
		if v, ok := filter.RawGetString("address").(lua.LNumber); ok {
			h.address = int(v)
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// zigbee.permit_join(seconds) returns true, or false and an error message.
func zigbeePermitJoin(L *lua.LState, e *Engine) int {
	seconds := L.CheckInt(1)
	if seconds < 0 || seconds > 255 {
		L.ArgError(1, "seconds must be 0-255")
		return 0
	}

	ctx, cancel := context.WithTimeout(luaContext(L), requestTimeout)
	defer cancel()
	if err := e.net.PermitJoin(ctx, uint8(seconds)); err != nil {
		e.logger.Warn("script permit join", "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zigbee.send_command(target, endpoint, cluster, command, [payload]).
// target is an IEEE address, a friendly name or a network address.
func zigbeeSendCommand(L *lua.LState, e *Engine) int {
	epVal := L.CheckInt(2)
	clusterVal := L.CheckInt(3)
	cmdVal := L.CheckInt(4)
	if epVal < 0 || epVal > 255 {
		L.ArgError(2, "endpoint must be 0-255")
		return 0
	}
	if clusterVal < 0 || clusterVal > 0xFFFF {
		L.ArgError(3, "cluster must be 0-65535")
		return 0
	}
	if cmdVal < 0 || cmdVal > 255 {
		L.ArgError(4, "command must be 0-255")
		return 0
	}

	var addr uint16
	switch target := L.Get(1).(type) {
	case lua.LNumber:
		if target < 0 || target > 0xFFFF {
			L.ArgError(1, "network address must be 0-65535")
			return 0
		}
		addr = uint16(target)
	case lua.LString:
		dev := resolveDevice(e, string(target))
		if dev == nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString("device not found"))
			return 2
		}
		addr = dev.NetworkAddress
	default:
		L.ArgError(1, "target must be a string or number")
		return 0
	}

	var payload []byte
	if tbl, ok := L.Get(5).(*lua.LTable); ok {
		tbl.ForEach(func(_, v lua.LValue) {
			if n, ok := v.(lua.LNumber); ok {
				payload = append(payload, byte(n))
			}
		})
	}

	ctx, cancel := context.WithTimeout(luaContext(L), requestTimeout)
	defer cancel()
	if err := e.net.SendClusterCommand(ctx, addr, uint8(epVal), false, uint16(clusterVal), uint8(cmdVal), payload); err != nil {
		e.logger.Warn("script send command", "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zigbee.devices() returns a table of known devices.
func zigbeeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.devices.ListDevices()
	if err != nil {
		e.logger.Warn("script list devices", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("address", lua.LNumber(dev.NetworkAddress))
		d.RawSetString("name", lua.LString(dev.FriendlyName))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("interviewed", lua.LBool(dev.Interviewed))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// zigbee.after(seconds, fn) runs fn on the script goroutine later.
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full", "script", vm.id)
		}
	}()
	return 0
}

// luaContext returns the state's context, or Background while a script's
// top level is still loading.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	devices, err := e.devices.ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.IEEEAddress, target) {
			return dev
		}
	}
	for _, dev := range devices {
		if dev.FriendlyName != "" && strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	return nil
}
