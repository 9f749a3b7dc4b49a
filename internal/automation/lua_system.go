//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// datetimeComponents are the values system.datetime can return.
var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":         func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":       func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":       func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":      func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"weekday_name": func(t time.Time) lua.LValue { return lua.LString(t.Weekday().String()) },
	"day":          func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":        func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":         func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp":    func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":     func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":     func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// registerSystemModule installs the `system` table. Time values come from
// the hub clock so tests can drive them.
func registerSystemModule(L *lua.LState, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     e.luaDatetime,
		"time_between": e.luaTimeBetween,
		"log":          e.luaSystemLog,
	}))
}

// system.datetime(component)
func (e *Engine) luaDatetime(L *lua.LState) int {
	name := L.CheckString(1)
	get, ok := datetimeComponents[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(get(e.clock.Now()))
	return 1
}

// system.time_between(from, to) takes hours or "HH:MM" strings. The end is
// exclusive and the range wraps past midnight when from > to.
func (e *Engine) luaTimeBetween(L *lua.LState) int {
	from := checkTimeOfDay(L, 1)
	to := checkTimeOfDay(L, 2)
	now := e.clock.Now()
	cur := now.Hour()*60 + now.Minute()

	var in bool
	if from <= to {
		in = cur >= from && cur < to
	} else {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// checkTimeOfDay returns argument n as minutes since midnight.
func checkTimeOfDay(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, fmt.Sprintf("hour out of range: %d", h))
		}
		return h * 60
	case lua.LString:
		t, err := time.Parse("15:04", string(v))
		if err != nil {
			L.ArgError(n, "time must be HH:MM")
		}
		return t.Hour()*60 + t.Minute()
	default:
		L.ArgError(n, "hour or HH:MM expected, got "+v.Type().String())
		return 0
	}
}

// system.log(level, msg). Unknown levels log at info.
func (e *Engine) luaSystemLog(L *lua.LState) int {
	var level slog.Level
	if err := level.UnmarshalText([]byte(L.CheckString(1))); err != nil {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "script log", "msg", L.CheckString(2))
	return 0
}
