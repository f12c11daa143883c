// Package interp wraps a sandboxed gopher-lua state behind a mutex so that
// one script instance can be driven safely from the dispatch loop while other
// goroutines (asset loads, HTTP handlers) exist around it.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/vars"
)

// ErrClosed is returned by operations on a closed instance.
var ErrClosed = errors.New("interp: instance closed")

// Output receives script print and log lines. level is "print", "info",
// "warn" or "error".
type Output func(in *Instance, level, msg string)

// Binder sets per-call globals before a hook runs and returns a function
// that revokes them once the hook has returned.
type Binder func(L *lua.LState) (release func())

// Options configure a new instance.
type Options struct {
	Codec   *vars.Codec
	Timeout time.Duration // per Exec/Call wall-clock limit; 0 disables
	Output  Output
	Setup   func(in *Instance, L *lua.LState) // installs host mod tables
}

// Instance is one interpreter. Every access to the underlying state goes
// through the instance mutex, reads included.
type Instance struct {
	id   uint64
	path string

	mu      sync.Mutex
	L       *lua.LState
	codec   *vars.Codec
	timeout time.Duration
	output  Output
	closed  bool
	calls   uint64
}

// New creates a sandboxed interpreter for the given instance id. path is
// informational; the collectivist instance has none.
func New(id uint64, path string, opts Options) *Instance {
	codec := opts.Codec
	if codec == nil {
		codec = vars.NewCodec()
	}
	in := &Instance{
		id:      id,
		path:    path,
		codec:   codec,
		timeout: opts.Timeout,
		output:  opts.Output,
	}
	if in.output == nil {
		in.output = logOutput
	}

	in.L = NewSandbox()
	codec.Install(in.L)
	in.installOutput()
	if opts.Setup != nil {
		opts.Setup(in, in.L)
	}
	return in
}

// NewSandbox creates a state with only the base, table, string and math
// libraries, and without the globals that reach the filesystem or loader.
func NewSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func logOutput(in *Instance, level, msg string) {
	log.Printf("SCRIPT: #%d %s [%s] %s", in.id, in.displayPath(), level, msg)
}

func (in *Instance) displayPath() string {
	if in.path == "" {
		return "<collectivist>"
	}
	return in.path
}

// installOutput redirects print and adds the log table.
func (in *Instance) installOutput() {
	L := in.L
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		in.output(in, "print", joinArgs(L))
		return 0
	}))
	logt := L.NewTable()
	for _, level := range []string{"info", "warn", "error"} {
		level := level
		L.SetField(logt, level, L.NewFunction(func(L *lua.LState) int {
			in.output(in, level, joinArgs(L))
			return 0
		}))
	}
	L.SetGlobal("log", logt)
}

func joinArgs(L *lua.LState) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, "\t")
}

func (in *Instance) ID() uint64         { return in.id }
func (in *Instance) Path() string       { return in.path }
func (in *Instance) Codec() *vars.Codec { return in.codec }

// Calls returns how many hooks have been invoked on this instance.
func (in *Instance) Calls() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calls
}

// Exec runs a source's top-level chunk. Definitions land in the instance's
// global namespace, so repeated Execs accumulate.
func (in *Instance) Exec(src *scriptsrc.Source) (err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &LoadError{ID: in.id, Path: src.Path, Err: ErrClosed}
	}

	defer in.recoverInto(&err, func(e error) error {
		return &LoadError{ID: in.id, Path: src.Path, Err: e}
	})

	fn, err := in.L.Load(strings.NewReader(src.Text), src.ChunkName())
	if err != nil {
		return &LoadError{ID: in.id, Path: src.Path, Err: err}
	}
	stop := in.limit()
	defer stop()
	if err := in.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return &LoadError{ID: in.id, Path: src.Path, Err: err}
	}
	return nil
}

// HasFunction reports whether a global function with the given name exists.
func (in *Instance) HasFunction(name string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	return in.L.GetGlobal(name).Type() == lua.LTFunction
}

// Call invokes the global function named hook with args. A missing hook is
// not an error and reports called=false. bind may be nil.
func (in *Instance) Call(hook string, args vars.Many, bind Binder) (called bool, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false, nil
	}

	fn, ok := in.L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return false, nil
	}

	defer in.recoverInto(&err, func(e error) error {
		return &RuntimeError{ID: in.id, Path: in.path, Hook: hook, Err: e}
	})

	if bind != nil {
		release := bind(in.L)
		if release != nil {
			defer release()
		}
	}

	in.calls++
	stop := in.limit()
	defer stop()
	if err := in.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, in.codec.ManyToLua(in.L, args)...); err != nil {
		return true, &RuntimeError{ID: in.id, Path: in.path, Hook: hook, Err: err}
	}
	return true, nil
}

// With runs fn with exclusive access to the state.
func (in *Instance) With(fn func(L *lua.LState)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	fn(in.L)
	return nil
}

// Global copies a global value out of the interpreter.
func (in *Instance) Global(name string) (vars.Value, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	return in.codec.FromLua(in.L.GetGlobal(name))
}

// Close releases the interpreter. Further calls are no-ops.
func (in *Instance) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.L.Close()
}

// Closed reports whether Close has been called.
func (in *Instance) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// limit applies the per-call deadline. Caller holds mu.
func (in *Instance) limit() func() {
	if in.timeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	in.L.SetContext(ctx)
	return func() {
		in.L.RemoveContext()
		cancel()
	}
}

// recoverInto converts a Go panic raised by host functions into an error so
// that one misbehaving script cannot take the process down.
func (in *Instance) recoverInto(err *error, wrap func(error) error) {
	if r := recover(); r != nil {
		log.Printf("SCRIPT: PANIC in #%d %s: %v\n%s", in.id, in.displayPath(), r, debug.Stack())
		in.L.SetTop(0)
		*err = wrap(fmt.Errorf("panic: %v", r))
	}
}
