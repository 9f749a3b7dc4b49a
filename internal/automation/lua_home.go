//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kasa-go-home/internal/platform"
)

const maxHandlersPerScript = 100

// registerHomeModule registers the `home` global table in a Lua state.
func registerHomeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return homeOn(L, vm)
	}))
	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return homeCall(L, e, platform.ServiceTurnOn)
	}))
	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return homeCall(L, e, platform.ServiceTurnOff)
	}))
	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return homeCall(L, e, platform.ServiceToggle)
	}))
	mod.RawSetString("set_value", L.NewFunction(func(L *lua.LState) int {
		return homeSetValue(L, e)
	}))
	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return homeGetState(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return homeAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("entities", L.NewFunction(func(L *lua.LState) int {
		return homeEntities(L, e)
	}))

	L.SetGlobal("home", mod)
}

// home.on(event_type, filter, callback)
//
// filter may hold entity_id and to (the new state).
func homeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: L.CheckString(1),
		fn:        L.CheckFunction(3),
	}
	filter := L.CheckTable(2)
	if v := filter.RawGetString("entity_id"); v != lua.LNil {
		h.entityID = v.String()
	}
	if v := filter.RawGetString("to"); v != lua.LNil {
		h.to = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// home.turn_on/turn_off/toggle(entity_id [, data])
//
// Returns true on success, or false and an error message.
func homeCall(L *lua.LState, e *Engine, service string) int {
	entityID := L.CheckString(1)
	var data map[string]any
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		data, _ = luaToGo(tbl).(map[string]any)
	}
	return pushResult(L, e, service, entityID, data)
}

// home.set_value(entity_id, value)
func homeSetValue(L *lua.LState, e *Engine) int {
	entityID := L.CheckString(1)
	v := float64(L.CheckNumber(2))
	return pushResult(L, e, platform.ServiceSetValue, entityID, map[string]any{"value": v})
}

func pushResult(L *lua.LState, e *Engine, service, entityID string, data map[string]any) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.hub.CallService(ctx, service, entityID, data); err != nil {
		e.logger.Warn("script service call failed", "service", service, "entity_id", entityID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// home.get_state(entity_id) -> state, attributes
func homeGetState(L *lua.LState, e *Engine) int {
	st, ok := e.hub.States.Get(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(st.State))
	L.Push(goToLua(L, st.Attributes))
	return 2
}

// home.after(seconds, callback)
func homeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	t := e.clock.AfterFunc(d, func() {
		if vm.ctx.Err() != nil {
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	})

	vm.mu.Lock()
	vm.timers = append(vm.timers, t)
	vm.mu.Unlock()
	return 0
}

// home.entities() -> list of {entity_id, domain, state}
func homeEntities(L *lua.LState, e *Engine) int {
	states := e.hub.States.All()
	tbl := L.NewTable()
	for i, st := range states {
		row := L.NewTable()
		row.RawSetString("entity_id", lua.LString(st.EntityID))
		if rec, ok := e.hub.Entities.Get(st.EntityID); ok {
			row.RawSetString("domain", lua.LString(rec.Domain))
			row.RawSetString("platform", lua.LString(rec.Platform))
		}
		row.RawSetString("state", lua.LString(st.State))
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}
