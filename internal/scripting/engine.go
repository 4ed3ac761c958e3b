// Package scripting wraps a single gopher-lua VM so a demo handler
// (internal/handlerdemo) can hand off a gameplay decision to a script
// instead of hardcoding it in Go, the way the teacher's combat engine
// hands melee/ranged damage rolls to Lua.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Single-goroutine access only;
// callers serialize calls through the owning handler.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every *.lua file directly
// under scriptsDir. A missing directory is not an error: scripting is
// optional, and the hook falls back to its built-in default.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts from %s: %w", scriptsDir, err)
	}
	return e, nil
}

func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Close releases the underlying VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// ChatContext is pre-packed data handed to the on_chat script hook.
type ChatContext struct {
	SpeakerID uint32
	MapID     uint16
	Message   string
}

// ChatResult is the script's verdict on a chat message.
type ChatResult struct {
	Allow     bool
	Rewritten string
}

// OnChat calls the optional Lua global on_chat(ctx) -> allow, rewritten.
// If the script doesn't define on_chat, the message passes through
// unmodified; this is the fallback path a deployment with no scripts
// loaded always takes.
func (e *Engine) OnChat(ctx ChatContext) ChatResult {
	fn := e.vm.GetGlobal("on_chat")
	if fn == lua.LNil {
		return ChatResult{Allow: true, Rewritten: ctx.Message}
	}

	t := e.vm.NewTable()
	t.RawSetString("speaker_id", lua.LNumber(ctx.SpeakerID))
	t.RawSetString("map_id", lua.LNumber(ctx.MapID))
	t.RawSetString("message", lua.LString(ctx.Message))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    2,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua on_chat error", zap.Error(err))
		return ChatResult{Allow: true, Rewritten: ctx.Message}
	}

	rewritten := e.vm.Get(-1)
	allow := e.vm.Get(-2)
	e.vm.Pop(2)

	result := ChatResult{Allow: true, Rewritten: ctx.Message}
	if b, ok := allow.(lua.LBool); ok {
		result.Allow = bool(b)
	}
	if s, ok := rewritten.(lua.LString); ok {
		result.Rewritten = string(s)
	}
	return result
}
