//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
)

const maxHandlersPerScript = 100

// registerFastconModule installs the `fastcon` global table.
func registerFastconModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":       func(L *lua.LState) int { return luaOn(L, vm) },
		"turn_on":  func(L *lua.LState) int { return luaSetState(L, e, true) },
		"turn_off": func(L *lua.LState) int { return luaSetState(L, e, false) },
		"set_brightness": func(L *lua.LState) int {
			return luaControl(L, e, func(ctx context.Context, id string) error {
				v := L.CheckInt(2)
				return e.ctrl.SetBrightness(ctx, id, uint8(clampInt(v, 0, fastcon.MaxBrightness)))
			})
		},
		"set_rgb": func(L *lua.LState) int {
			return luaControl(L, e, func(ctx context.Context, id string) error {
				r := clampInt(L.CheckInt(2), 0, 255)
				g := clampInt(L.CheckInt(3), 0, 255)
				b := clampInt(L.CheckInt(4), 0, 255)
				return e.ctrl.SetRGB(ctx, id, uint8(r), uint8(g), uint8(b))
			})
		},
		"set_color_temp": func(L *lua.LState) int {
			return luaControl(L, e, func(ctx context.Context, id string) error {
				t := clampInt(L.CheckInt(2), 0, 0xFFFF)
				return e.ctrl.SetColorTemperature(ctx, id, uint16(t))
			})
		},
		"lights":       func(L *lua.LState) int { return luaLights(L, e) },
		"rescan":       func(L *lua.LState) int { return luaRescan(L, e) },
		"after":        func(L *lua.LState) int { return luaAfter(L, vm, e) },
		"log":          func(L *lua.LState) int { return luaLog(L, vm, e) },
		"time_between": luaTimeBetween,
	}
	L.SetGlobal("fastcon", L.SetFuncs(L.NewTable(), fns))
}

// fastcon.on(event_type, [filter], fn)
func luaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		if filter, ok := L.Get(2).(*lua.LTable); ok {
			if v := filter.RawGetString("id"); v != lua.LNil {
				h.id = v.String()
			}
		}
		h.fn = L.CheckFunction(3)
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

func luaSetState(L *lua.LState, e *Engine, on bool) int {
	return luaControl(L, e, func(ctx context.Context, id string) error {
		return e.ctrl.SetState(ctx, id, on)
	})
}

// luaControl resolves the light named by argument 1 and runs fn. It returns
// true, or false and an error message.
func luaControl(L *lua.LState, e *Engine, fn func(ctx context.Context, id string) error) int {
	target := L.CheckString(1)
	d, ok := resolveLight(e.ctrl.Lights(), target)
	if !ok {
		e.logger.Warn("script: light not found", "target", target)
		L.Push(lua.LFalse)
		L.Push(lua.LString("light not found: " + target))
		return 2
	}
	ctx, cancel := context.WithTimeout(e.ctrl.Context(), callTimeout)
	defer cancel()
	if err := fn(ctx, d.ID); err != nil {
		e.logger.Warn("script: light command failed", "id", d.ID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// resolveLight finds a light by id or display name, ignoring case.
func resolveLight(lights []controller.LightDevice, target string) (controller.LightDevice, bool) {
	for _, d := range lights {
		if strings.EqualFold(d.ID, target) || strings.EqualFold(d.Name, target) {
			return d, true
		}
	}
	return controller.LightDevice{}, false
}

// fastcon.lights() returns an array of light tables.
func luaLights(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.ctrl.Lights() {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(d.ID))
		t.RawSetString("name", lua.LString(d.Name))
		t.RawSetString("type", lua.LString(d.Type))
		t.RawSetString("registered", lua.LBool(d.Registration == controller.Registered))
		t.RawSetString("number", lua.LNumber(d.Number))
		t.RawSetString("on", lua.LBool(d.State.On))
		t.RawSetString("brightness", lua.LNumber(d.State.Brightness))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// fastcon.rescan() starts a discovery and pairing run in the background and
// reports whether one was started.
func luaRescan(L *lua.LState, e *Engine) int {
	if !e.rescanning.CompareAndSwap(false, true) {
		L.Push(lua.LFalse)
		return 1
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.rescanning.Store(false)
		if _, err := e.ctrl.DiscoverAndPairAll(e.ctrl.Context()); err != nil {
			e.logger.Warn("script rescan failed", "err", err)
		}
	}()
	L.Push(lua.LTrue)
	return 1
}

// fastcon.after(seconds, fn)
func luaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	d := time.Duration(float64(seconds) * float64(time.Second))

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		})
		if !ok && vm.ctx.Err() == nil {
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// fastcon.log(msg)
func luaLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.capture != nil {
		vm.capture(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// fastcon.time_between(from_hour, to_hour) reports whether the current hour
// is in [from, to), wrapping past midnight when from > to.
func luaTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
