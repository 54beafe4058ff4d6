package mission

import (
	"encoding/hex"
	"math"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/agvlink/internal/link"
)

// pushFunction adds name = fn to the table on top of the stack.
func pushFunction(L *lua.State, name string, fn lua.LuaGoFunction) {
	L.PushString(name)
	L.PushGoFunction(fn)
	L.SetTable(-3)
}

func setString(L *lua.State, key, value string) {
	L.PushString(key)
	L.PushString(value)
	L.SetTable(-3)
}

func setBool(L *lua.State, key string, value bool) {
	L.PushString(key)
	L.PushBoolean(value)
	L.SetTable(-3)
}

func (e *Engine) registerAGV(L *lua.State) {
	L.NewTable()

	pushFunction(L, "forward", e.opcodeFunc(link.OpForward))
	pushFunction(L, "stop", e.opcodeFunc(link.OpStop))
	pushFunction(L, "turn", e.opcodeFunc(link.OpTurnAround))

	pushFunction(L, "send", func(L *lua.State) int {
		var op link.Opcode
		switch {
		case L.Type(1) == lua.LUA_TNUMBER:
			n := L.ToNumber(1)
			if n < 0 || n > 255 || n != math.Trunc(n) {
				L.RaiseError("send(opcode) expects an integer between 0 and 255")
				return 0
			}
			op = link.Opcode(n)
		case L.Type(1) == lua.LUA_TSTRING:
			parsed, err := link.ParseOpcode(L.ToString(1))
			if err != nil {
				L.RaiseError(err.Error())
				return 0
			}
			op = parsed
		default:
			L.RaiseError("send(opcode) expects a number or a command name")
			return 0
		}
		e.send(L, op)
		return 0
	})

	pushFunction(L, "sleep", func(L *lua.State) int {
		if L.Type(1) != lua.LUA_TNUMBER {
			L.RaiseError("sleep(milliseconds) expects a number argument")
			return 0
		}
		ms := L.ToInteger(1)
		if ms < 0 {
			L.RaiseError("sleep(milliseconds) expects a non-negative number")
			return 0
		}

		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-e.ctx.Done():
			L.RaiseError("mission cancelled")
		case <-t.C:
		}
		return 0
	})

	pushFunction(L, "state", func(L *lua.State) int {
		s := e.agv.State()
		L.NewTable()
		setString(L, "adapter", s.Adapter.String())
		setBool(L, "scanning", s.Scanning)
		setString(L, "phase", s.Phase.String())
		setBool(L, "ready", s.Ready())
		setBool(L, "notifying", s.NotificationsEnabled)
		if s.Peripheral != nil {
			setString(L, "id", s.Peripheral.ID)
			setString(L, "name", s.Peripheral.DisplayName())
		}
		return 1
	})

	pushFunction(L, "notifications", func(L *lua.State) int {
		ns := e.agv.DrainNotifications()
		L.CreateTable(len(ns), 0)
		for i, n := range ns {
			L.PushInteger(int64(i + 1))
			L.PushString(hex.EncodeToString(n.Value))
			L.SetTable(-3)
		}
		L.PushInteger(e.agv.DroppedNotifications())
		return 2
	})

	L.SetGlobal("agv")
}

func (e *Engine) opcodeFunc(op link.Opcode) lua.LuaGoFunction {
	return func(L *lua.State) int {
		e.send(L, op)
		return 0
	}
}

func (e *Engine) send(L *lua.State, op link.Opcode) {
	if err := e.ctx.Err(); err != nil {
		L.RaiseError("mission cancelled")
		return
	}
	if err := e.agv.SendCommand(op); err != nil {
		e.logger.WithFields(logrus.Fields{
			"opcode": op.String(),
			"error":  err,
		}).Warn("Mission command rejected")
		L.RaiseError(err.Error())
		return
	}
	e.logger.WithField("opcode", op.String()).Debug("Mission command sent")
}
