//go:build !no_automation

package automation

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// datetimeComponents are the values system.datetime can return.
var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// registerSystemModule installs the `system` global: clock helpers, leveled
// logging and address formatting.
func registerSystemModule(L *lua.LState, clock func() time.Time, logger *slog.Logger) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		component := L.CheckString(1)
		get, ok := datetimeComponents[component]
		if !ok {
			L.ArgError(1, "unknown component: "+component)
			return 0
		}
		L.Push(get(clock()))
		return 1
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(hourBetween(clock().Hour(), L.CheckInt(1), L.CheckInt(2))))
		return 1
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		systemLog(logger, L.CheckString(1), L.CheckString(2))
		return 0
	}))
	mod.RawSetString("hex", L.NewFunction(systemHex))
	mod.RawSetString("parse_address", L.NewFunction(systemParseAddress))
	L.SetGlobal("system", mod)
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// hourBetween reports whether hour lies in [from, to). A range with
// from > to wraps past midnight.
func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

func systemLog(logger *slog.Logger, level, msg string) {
	switch level {
	case "debug":
		logger.Debug("script log", "msg", msg)
	case "warn":
		logger.Warn("script log", "msg", msg)
	case "error":
		logger.Error("script log", "msg", msg)
	default:
		logger.Info("script log", "msg", msg)
	}
}

// system.hex(value [, digits]) formats a number as 0x-prefixed upper case
// hex, four digits unless told otherwise.
func systemHex(L *lua.LState) int {
	v := L.CheckInt64(1)
	digits := L.OptInt(2, 4)
	if v < 0 || digits < 1 || digits > 16 {
		L.ArgError(1, "value must be non-negative and digits 1-16")
		return 0
	}
	L.Push(lua.LString(fmt.Sprintf("0x%0*X", digits, v)))
	return 1
}

// system.parse_address(str) parses a decimal or 0x-hex network address.
// It returns nil and an error message when str is not a 16-bit value.
func systemParseAddress(L *lua.LState) int {
	s := L.CheckString(1)
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("invalid network address " + strconv.Quote(s)))
		return 2
	}
	L.Push(lua.LNumber(v))
	return 1
}
