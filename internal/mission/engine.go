// Package mission runs Lua mission scripts against a connected AGV.
//
// A script sees a global agv table:
//
//	agv.forward()          -- opcode 1
//	agv.stop()             -- opcode 0
//	agv.turn()             -- opcode 2
//	agv.send(n | "name")   -- any byte 0-255 or a command name
//	agv.sleep(ms)          -- interrupted when the run is cancelled
//	agv.state()            -- table: adapter, scanning, phase, ready, id, name, notifying
//	agv.notifications()    -- array of hex strings received since the last call,
//	                          plus the number lost to a full history so far
//
// print output is captured on Output() instead of going to stdout.
package mission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/ringchan"
)

// Commander is the part of link.Manager a mission drives.
type Commander interface {
	SendCommand(op link.Opcode) error
	State() link.State
	DrainNotifications() []link.Notification
	DroppedNotifications() int64
}

var _ Commander = (*link.Manager)(nil)

// Output is one captured line of script output.
type Output struct {
	Content   string    `json:"content"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Timestamp time.Time `json:"timestamp"`
}

const defaultOutputCapacity = 256

// Engine executes scripts one at a time, each in a fresh Lua state.
type Engine struct {
	mu     sync.Mutex
	logger *logrus.Logger
	agv    Commander
	out    *ringchan.RingChannel[Output]

	ctx context.Context // of the running script; guarded by mu
}

func NewEngine(agv Commander, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		logger: logger,
		agv:    agv,
		out:    ringchan.New[Output](defaultOutputCapacity),
	}
}

// Output delivers captured print lines. The oldest lines are dropped if
// nobody reads.
func (e *Engine) Output() <-chan Output {
	return e.out.C()
}

// RunFile reads and runs a script file.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mission %s: %w", path, err)
	}
	return e.Run(ctx, string(content), path)
}

// Run executes script to completion or until ctx is cancelled. A cancelled
// run returns a runtime *ScriptError wrapping ctx.Err().
func (e *Engine) Run(ctx context.Context, script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &ScriptError{Kind: KindAPI, Message: "empty script", Source: name}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	L := lua.NewState()
	defer L.Close()
	L.OpenLibs()

	e.ctx = ctx
	defer func() { e.ctx = nil }()
	e.registerPrint(L)
	e.registerAGV(L)

	if status := L.LoadString(script); status != 0 {
		msg := "unknown syntax error"
		if L.GetTop() > 0 && L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
		serr := newScriptError(KindSyntax, name, msg, nil)
		e.stderr(serr.Error())
		return serr
	}

	start := time.Now()
	e.logger.WithField("mission", name).Info("Mission started")

	if err := L.Call(0, 0); err != nil {
		var underlying error = err
		if ctx.Err() != nil {
			underlying = ctx.Err()
		}
		serr := newScriptError(KindRuntime, name, luaMessage(err), underlying)
		e.stderr(serr.Error())
		e.logger.WithFields(logrus.Fields{
			"mission": name,
			"error":   serr,
		}).Warn("Mission failed")
		return serr
	}

	e.logger.WithFields(logrus.Fields{
		"mission":  name,
		"duration": time.Since(start),
	}).Info("Mission completed")
	return nil
}

func luaMessage(err error) string {
	var lerr *lua.LuaError
	if errors.As(err, &lerr) {
		return lerr.Error()
	}
	return err.Error()
}

func (e *Engine) stdout(line string) {
	e.out.ForceSend(Output{Content: line, Source: "stdout", Timestamp: time.Now()})
}

func (e *Engine) stderr(line string) {
	e.out.ForceSend(Output{Content: line, Source: "stderr", Timestamp: time.Now()})
}

func (e *Engine) registerPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.Type(i) == lua.LUA_TNUMBER:
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.stdout(strings.Join(parts, "\t"))
		return 0
	})
	L.SetGlobal("print")
}
