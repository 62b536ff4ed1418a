//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tuya-go-home/internal/store"
)

const (
	maxHandlersPerScript = 100
	deviceCallTimeout    = 5 * time.Second
)

// registerTuyaModule registers the `tuya` global table in a Lua state.
func registerTuyaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return tuyaOn(L, vm) },
		"set":     func(L *lua.LState) int { return tuyaSet(L, vm, e) },
		"query":   func(L *lua.LState) int { return tuyaQuery(L, vm, e) },
		"refresh": func(L *lua.LState) int { return tuyaRefresh(L, vm, e) },
		"get":     func(L *lua.LState) int { return tuyaGet(L, e) },
		"devices": func(L *lua.LState) int { return tuyaDevices(L, e) },
		"after":   func(L *lua.LState) int { return tuyaAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { return tuyaLog(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("tuya", mod)
}

// tuya.on(type, [filter], callback)
func tuyaOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	var filter *lua.LTable
	var fn *lua.LFunction
	if L.GetTop() >= 3 {
		filter = L.OptTable(2, nil)
		fn = L.CheckFunction(3)
	} else {
		fn = L.CheckFunction(2)
	}

	h := luaEventHandler{eventType: eventType, fn: fn}
	if filter != nil {
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
		if v := filter.RawGetString("dp"); v != lua.LNil {
			h.dp = v.String()
		}
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

// tuya.set(device, {dp = value, ...}) -> true | nil, err
func tuyaSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	tbl := L.CheckTable(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		return pushError(L, fmt.Errorf("device %q not found", target))
	}
	dps := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		dps[k.String()] = luaToGo(v)
	})

	ctx, cancel := context.WithTimeout(vm.ctx, deviceCallTimeout)
	defer cancel()
	if err := e.coord.Set(ctx, dev.ID, dps); err != nil {
		e.logger.Warn("script set failed", "device", dev.ID, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// tuya.query(device) -> {dp = value, ...} | nil, err
func tuyaQuery(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	dev := resolveDevice(e, target)
	if dev == nil {
		return pushError(L, fmt.Errorf("device %q not found", target))
	}

	ctx, cancel := context.WithTimeout(vm.ctx, deviceCallTimeout)
	defer cancel()
	dps, err := e.coord.Status(ctx, dev.ID)
	if err != nil {
		e.logger.Warn("script query failed", "device", dev.ID, "err", err)
		return pushError(L, err)
	}
	L.Push(goToLua(L, dps))
	return 1
}

// tuya.refresh(device, {dp_id, ...}) -> true | nil, err
func tuyaRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	tbl := L.CheckTable(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		return pushError(L, fmt.Errorf("device %q not found", target))
	}
	var ids []int
	tbl.ForEach(func(_, v lua.LValue) {
		if n, ok := v.(lua.LNumber); ok {
			ids = append(ids, int(n))
		}
	})

	ctx, cancel := context.WithTimeout(vm.ctx, deviceCallTimeout)
	defer cancel()
	if err := e.coord.Refresh(ctx, dev.ID, ids); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// tuya.get(device, dp) -> last known value
func tuyaGet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	dp := L.CheckAny(2).String()

	dev := resolveDevice(e, target)
	if dev == nil || dev.DPS == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, dev.DPS[dp]))
	return 1
}

// tuya.devices() -> {{id=, name=, online=}, ...}
func tuyaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.coord.Devices()
	if err != nil {
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("online", lua.LBool(dev.Online))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// tuya.after(seconds, callback)
func tuyaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// tuya.log(msg)
func tuyaLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// resolveDevice finds a device by ID or, case-insensitively, by name.
func resolveDevice(e *Engine, target string) *store.Device {
	if dev, err := e.coord.Device(target); err == nil {
		return dev
	}
	devices, err := e.coord.Devices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if dev.Name != "" && strings.EqualFold(dev.Name, target) {
			return dev
		}
	}
	return nil
}

// goToLua converts a Go value to a Lua value.
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
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(val.String())
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

// luaToGo converts a Lua value to a Go value. Integral numbers become
// int64 so they serialize without a fraction; tables with only array
// keys become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		return m
	default:
		return nil
	}
}
