//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"

	"skylink/internal/component"
	"skylink/internal/device"
	"skylink/internal/pilotingitf"
	"skylink/internal/session"
)

const maxHandlersPerScript = 100

var errRefused = errors.New("refused")

// registerDroneModule installs the `drone` global table.
func registerDroneModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":                 func(L *lua.LState) int { return droneOn(L, vm) },
		"connect":            func(L *lua.LState) int { return droneConnect(L, vm, e) },
		"disconnect":         func(L *lua.LState) int { return droneDisconnect(L, vm, e) },
		"return_home":        func(L *lua.LState) int { return droneReturnHome(L, vm, e) },
		"smart_takeoff_land": func(L *lua.LState) int { return droneSmartTakeOffLand(L, vm, e) },
		"move_to":            func(L *lua.LState) int { return droneMoveTo(L, vm, e) },
		"state":              func(L *lua.LState) int { return droneState(L, e) },
		"devices":            func(L *lua.LState) int { return droneDevices(L, e) },
		"after":              func(L *lua.LState) int { return droneAfter(L, vm, e) },
		"log":                func(L *lua.LState) int { return droneLog(L, vm, e) },
	}
	L.SetGlobal("drone", L.SetFuncs(L.NewTable(), fns))
}

// drone.on(type, filter, callback). filter may hold uid and name.
func droneOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	filter := L.CheckTable(2)
	h.fn = L.CheckFunction(3)
	if v := filter.RawGetString("uid"); v != lua.LNil {
		h.uid = v.String()
	}
	if v := filter.RawGetString("name"); v != lua.LNil {
		h.name = v.String()
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

// act runs fn on device uid and pushes whether it was accepted.
func act(L *lua.LState, vm *scriptVM, e *Engine, uid string, fn func(*device.Device) bool) int {
	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()
	err := e.sess.Do(ctx, uid, func(d *device.Device) error {
		if !fn(d) {
			return errRefused
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRefused) {
		e.logger.Warn("script action failed", "uid", uid, "err", err)
	}
	L.Push(lua.LBool(err == nil))
	return 1
}

func itfAct[T component.Component](L *lua.LState, vm *scriptVM, e *Engine, desc component.Descriptor[T], fn func(T) bool) int {
	return act(L, vm, e, L.CheckString(1), func(d *device.Device) bool {
		itf, ok := component.Get(d.PilotingItfs(), desc)
		return ok && fn(itf)
	})
}

// drone.connect(uid [, password])
func droneConnect(L *lua.LState, vm *scriptVM, e *Engine) int {
	uid := L.CheckString(1)
	password := L.OptString(2, "")
	return act(L, vm, e, uid, func(d *device.Device) bool { return d.Connect(nil, password) })
}

// drone.disconnect(uid)
func droneDisconnect(L *lua.LState, vm *scriptVM, e *Engine) int {
	return act(L, vm, e, L.CheckString(1), (*device.Device).Disconnect)
}

// drone.return_home(uid)
func droneReturnHome(L *lua.LState, vm *scriptVM, e *Engine) int {
	return itfAct(L, vm, e, pilotingitf.ReturnHomeDesc, (*pilotingitf.ReturnHome).Activate)
}

// drone.smart_takeoff_land(uid)
func droneSmartTakeOffLand(L *lua.LState, vm *scriptVM, e *Engine) int {
	return itfAct(L, vm, e, pilotingitf.ManualCopterDesc, (*pilotingitf.ManualCopter).SmartTakeOffLand)
}

// drone.move_to(uid, lat, lon, alt [, orientation, heading])
func droneMoveTo(L *lua.LState, vm *scriptVM, e *Engine) int {
	lat := float64(L.CheckNumber(2))
	lon := float64(L.CheckNumber(3))
	alt := float64(L.CheckNumber(4))
	o, err := session.ParseOrientation(L.OptString(5, ""), float64(L.OptNumber(6, 0)))
	if err != nil {
		L.ArgError(5, err.Error())
		return 0
	}
	return itfAct(L, vm, e, pilotingitf.GuidedDesc, func(g *pilotingitf.Guided) bool {
		return g.MoveToLocation(lat, lon, alt, o)
	})
}

// drone.state(uid) returns the device view, or nil.
func droneState(L *lua.LState, e *Engine) int {
	snap, ok := e.sess.Snapshot(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, toJSONValue(snap)))
	return 1
}

// drone.devices() lists uid, name, model and connection state.
func droneDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, snap := range e.sess.Snapshots() {
		d := L.NewTable()
		d.RawSetString("uid", lua.LString(snap.UID))
		d.RawSetString("name", lua.LString(snap.Name))
		d.RawSetString("model", lua.LString(snap.Model))
		d.RawSetString("connection_state", lua.LString(snap.State.ConnectionState))
		tbl.Append(d)
	}
	L.Push(tbl)
	return 1
}

// drone.after(seconds, callback)
func droneAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	secs := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	go func() {
		t := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer t.Stop()
		select {
		case <-vm.ctx.Done():
			return
		case <-t.C:
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		}
	}()
	return 0
}

// drone.log(msg)
func droneLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

func toJSONValue(v any) any {
	var out any
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &out)
	}
	return out
}
