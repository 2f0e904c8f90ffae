//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

var datetimeFields = map[string]func(time.Time) lua.LValue{
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

// registerSystemModule installs the `system` global table: clock helpers
// and leveled logging.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
	}
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), fns))
}

// system.datetime(field)
func systemDatetime(L *lua.LState) int {
	field := L.CheckString(1)
	get, ok := datetimeFields[field]
	if !ok {
		L.ArgError(1, "unknown field: "+field)
		return 0
	}
	L.Push(get(now()))
	return 1
}

// system.time_between(from_hour, to_hour) wraps past midnight when from is
// after to.
func systemTimeBetween(L *lua.LState) int {
	from, to := L.CheckInt(1), L.CheckInt(2)
	hour := now().Hour()
	in := hour >= from && hour < to
	if from > to {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level, msg := L.CheckString(1), L.CheckString(2)
	if vm.logf != nil {
		vm.logf("[" + level + "] " + msg)
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
