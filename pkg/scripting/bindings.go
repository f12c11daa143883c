package scripting

import (
	"context"
	"errors"
	"log"

	lua "github.com/yuin/gopher-lua"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/interp"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// SQLBackend serves the optional sql table.
type SQLBackend interface {
	Query(ctx context.Context, query string, args ...any) ([]vars.Map, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

const accessorTypeName = "world_accessor"

// scope is the host side of one instance: which instance it is and which
// consumer the running hook belongs to.
type scope struct {
	rt       *Runtime
	id       InstanceID
	inst     *interp.Instance
	consumer ConsumerID
}

// install adds the host mod tables to a fresh interpreter.
func (sc *scope) install(L *lua.LState) {
	mt := L.NewTypeMetatable(accessorTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":     sc.worldGet,
		"set":     sc.worldSet,
		"remove":  sc.worldRemove,
		"spawn":   sc.worldSpawn,
		"despawn": sc.worldDespawn,
		"query":   sc.worldQuery,
		"name":    sc.worldName,
		"find":    sc.worldFind,
		"exists":  sc.worldExists,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("world"))
		return 1
	}))

	L.SetGlobal("script_id", lua.LNumber(sc.id))
	L.SetGlobal("message", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send":      sc.messageSend,
		"group":     sc.messageGroup,
		"broadcast": sc.messageBroadcast,
	}))
	L.SetGlobal("registry", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":    sc.registryGet,
		"set":    sc.registrySet,
		"alloc":  sc.registryAlloc,
		"update": sc.registryUpdate,
		"delete": sc.registryDelete,
	}))
	L.SetGlobal("assets", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"load":    sc.assetsLoad,
		"loaded":  sc.assetsLoaded,
		"state":   sc.assetsState,
		"on_load": sc.assetsOnLoad,
	}))
	L.SetGlobal("time", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"delta":      sc.timeDelta,
		"elapsed":    sc.timeElapsed,
		"fixed_step": sc.timeFixedStep,
	}))
	if sc.rt.cfg.SQL != nil {
		L.SetGlobal("sql", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"query": sc.sqlQuery,
			"exec":  sc.sqlExec,
		}))
	}
}

func (sc *scope) args(L *lua.LState, start int) vars.Many {
	args, err := sc.rt.codec.ArgsFromLua(L, start)
	if err != nil {
		L.RaiseError("%v", err)
	}
	return args
}

func (sc *scope) value(L *lua.LState, n int) vars.Value {
	v, err := sc.rt.codec.FromLua(L.Get(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

func (sc *scope) push(L *lua.LState, v vars.Value) {
	L.Push(sc.rt.codec.ToLua(L, v))
}

// -- world accessor --

type accessor struct {
	rt    *Runtime
	ud    *lua.LUserData
	valid bool
}

func newAccessor(L *lua.LState, rt *Runtime) *accessor {
	a := &accessor{rt: rt, valid: true}
	a.ud = L.NewUserData()
	a.ud.Value = a
	L.SetMetatable(a.ud, L.GetTypeMetatable(accessorTypeName))
	return a
}

func (a *accessor) revoke() { a.valid = false }

func checkAccessor(L *lua.LState) *accessor {
	ud := L.CheckUserData(1)
	a, ok := ud.Value.(*accessor)
	if !ok {
		L.ArgError(1, "world expected")
	}
	if !a.valid {
		L.RaiseError("world accessor used outside the hook that received it")
	}
	return a
}

func checkEntityID(L *lua.LState, n int) world.EntityID {
	return world.EntityID(vars.CheckEntity(L, n))
}

func entityList(L *lua.LState, ids []world.EntityID) *lua.LTable {
	t := L.CreateTable(len(ids), 0)
	for i, id := range ids {
		t.RawSetInt(i+1, vars.NewEntity(L, vars.Entity(id)))
	}
	return t
}

func (sc *scope) worldGet(L *lua.LState) int {
	a := checkAccessor(L)
	id, name := checkEntityID(L, 2), L.CheckString(3)
	var v vars.Value
	var ok bool
	a.rt.world.WithRead(func(view *world.View) {
		v, ok = view.Component(id, name)
	})
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	sc.push(L, v)
	return 1
}

func (sc *scope) worldSet(L *lua.LState) int {
	a := checkAccessor(L)
	id, name := checkEntityID(L, 2), L.CheckString(3)
	v := sc.value(L, 4)
	var err error
	a.rt.world.WithWrite(func(tx *world.Txn) {
		err = tx.SetComponent(id, name, v)
	})
	if err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (sc *scope) worldRemove(L *lua.LState) int {
	a := checkAccessor(L)
	id, name := checkEntityID(L, 2), L.CheckString(3)
	var ok bool
	a.rt.world.WithWrite(func(tx *world.Txn) {
		ok = tx.RemoveComponent(id, name)
	})
	L.Push(lua.LBool(ok))
	return 1
}

// world:spawn(name, {scripts...}, {components})
func (sc *scope) worldSpawn(L *lua.LState) int {
	a := checkAccessor(L)
	name := L.OptString(2, "")

	var scripts []string
	if t, ok := L.Get(3).(*lua.LTable); ok {
		t.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				scripts = append(scripts, string(s))
			}
		})
	}
	var comps map[string]vars.Value
	if L.Get(4) != lua.LNil {
		switch v := sc.value(L, 4).(type) {
		case vars.Map:
			comps = v
		case vars.List:
			if len(v) != 0 {
				L.ArgError(4, "component table must have string keys")
			}
		default:
			L.ArgError(4, "table expected")
		}
	}

	id, err := a.rt.Spawn(name, comps, scripts)
	if err != nil {
		L.RaiseError("%v", err)
	}
	L.Push(vars.NewEntity(L, vars.Entity(id)))
	return 1
}

func (sc *scope) worldDespawn(L *lua.LState) int {
	a := checkAccessor(L)
	err := a.rt.DespawnEntity(checkEntityID(L, 2))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (sc *scope) worldQuery(L *lua.LState) int {
	a := checkAccessor(L)
	var names []string
	for i := 2; i <= L.GetTop(); i++ {
		names = append(names, L.CheckString(i))
	}
	var ids []world.EntityID
	a.rt.world.WithRead(func(view *world.View) {
		ids = view.Query(names...)
	})
	L.Push(entityList(L, ids))
	return 1
}

func (sc *scope) worldName(L *lua.LState) int {
	a := checkAccessor(L)
	id := checkEntityID(L, 2)
	var name string
	var ok bool
	a.rt.world.WithRead(func(view *world.View) {
		ok = view.Exists(id)
		name = view.Name(id)
	})
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(name))
	return 1
}

func (sc *scope) worldFind(L *lua.LState) int {
	a := checkAccessor(L)
	name := L.CheckString(2)
	var ids []world.EntityID
	a.rt.world.WithRead(func(view *world.View) {
		ids = view.Find(name)
	})
	L.Push(entityList(L, ids))
	return 1
}

func (sc *scope) worldExists(L *lua.LState) int {
	a := checkAccessor(L)
	id := checkEntityID(L, 2)
	var ok bool
	a.rt.world.WithRead(func(view *world.View) {
		ok = view.Exists(id)
	})
	L.Push(lua.LBool(ok))
	return 1
}

// -- message --

func (sc *scope) messageSend(L *lua.LState) int {
	target := checkEntityID(L, 1)
	hook := L.CheckString(2)
	if err := sc.rt.Send(ToEntity(target), hook, sc.args(L, 3)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (sc *scope) messageGroup(L *lua.LState) int {
	path := L.CheckString(1)
	hook := L.CheckString(2)
	if err := sc.rt.Send(ToGroup(path), hook, sc.args(L, 3)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (sc *scope) messageBroadcast(L *lua.LState) int {
	hook := L.CheckString(1)
	if err := sc.rt.Send(ToAll(), hook, sc.args(L, 2)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// -- registry --

func (sc *scope) registryGet(L *lua.LState) int {
	v, ok := sc.rt.reg.Get(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	sc.push(L, v)
	return 1
}

func (sc *scope) registrySet(L *lua.LState) int {
	name := L.CheckString(1)
	old, had := sc.rt.reg.Replace(name, sc.value(L, 2))
	if !had {
		L.Push(lua.LNil)
		return 1
	}
	sc.push(L, old)
	return 1
}

// registry.alloc(name, fn) calls fn only when name is unset.
func (sc *scope) registryAlloc(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	v := sc.rt.reg.AllocIfNew(name, func() vars.Value {
		L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: false})
		ret := L.Get(-1)
		L.Pop(1)
		v, err := sc.rt.codec.FromLua(ret)
		if err != nil {
			L.RaiseError("registry.alloc %s: %v", name, err)
		}
		return v
	})
	sc.push(L, v)
	return 1
}

// registry.update(name, fn) stores fn(old).
func (sc *scope) registryUpdate(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	v := sc.rt.reg.Update(name, func(old vars.Value, ok bool) vars.Value {
		arg := lua.LValue(lua.LNil)
		if ok {
			arg = sc.rt.codec.ToLua(L, old)
		}
		L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: false}, arg)
		ret := L.Get(-1)
		L.Pop(1)
		v, err := sc.rt.codec.FromLua(ret)
		if err != nil {
			L.RaiseError("registry.update %s: %v", name, err)
		}
		return v
	})
	sc.push(L, v)
	return 1
}

func (sc *scope) registryDelete(L *lua.LState) int {
	L.Push(lua.LBool(sc.rt.reg.Delete(L.CheckString(1))))
	return 1
}

// -- assets --

func checkHandle(L *lua.LState, n int) assets.Handle {
	return assets.Handle(L.CheckInt64(n))
}

func (sc *scope) assetsLoad(L *lua.LState) int {
	h := sc.rt.assets.Load(L.CheckString(1))
	L.Push(lua.LNumber(h))
	return 1
}

func (sc *scope) assetsLoaded(L *lua.LState) int {
	L.Push(lua.LBool(sc.rt.assets.State(checkHandle(L, 1)) == assets.Loaded))
	return 1
}

func (sc *scope) assetsState(L *lua.LState) int {
	L.Push(lua.LString(sc.rt.assets.State(checkHandle(L, 1)).String()))
	return 1
}

// assets.on_load(h, fn) runs fn(h) once the asset has loaded: right away
// if it already has, otherwise during a later tick.
func (sc *scope) assetsOnLoad(L *lua.LState) int {
	h := checkHandle(L, 1)
	fn := L.CheckFunction(2)
	key := AssetKey{Consumer: sc.consumer, Asset: h, Instance: sc.id}

	immediate := true
	sc.rt.reg.OnAssetLoad(key, func() {
		if immediate {
			L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: false}, lua.LNumber(h))
			return
		}
		sc.rt.runAssetCallback(sc, key, fn)
	})
	immediate = false
	return 0
}

// runAssetCallback runs a deferred on_load callback with the same globals
// a hook for key.Consumer would see.
func (rt *Runtime) runAssetCallback(sc *scope, key AssetKey, fn *lua.LFunction) {
	err := sc.inst.With(func(L *lua.LState) {
		release := rt.binder(sc.id, key.Consumer)(L)
		defer release()
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LNumber(key.Asset)); err != nil {
			rt.hookErrors.Add(1)
			log.Printf("HOOK: asset callback on #%d for asset %d: %v", sc.id, key.Asset, err)
		}
	})
	if err != nil && !errors.Is(err, interp.ErrClosed) {
		log.Printf("HOOK: asset callback on #%d: %v", sc.id, err)
	}
}

// -- time --

func (sc *scope) timeDelta(L *lua.LState) int {
	L.Push(lua.LNumber(sc.rt.frame.Delta().Seconds()))
	return 1
}

func (sc *scope) timeElapsed(L *lua.LState) int {
	L.Push(lua.LNumber(sc.rt.frame.Elapsed().Seconds()))
	return 1
}

func (sc *scope) timeFixedStep(L *lua.LState) int {
	L.Push(lua.LNumber(sc.rt.fixed.Step().Seconds()))
	return 1
}

// -- sql --

func (sc *scope) sqlArgs(L *lua.LState) []any {
	args := sc.args(L, 2)
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = vars.ToAny(a)
	}
	return out
}

// sql.query(q, ...) returns a list of row tables, or nil and an error string.
func (sc *scope) sqlQuery(L *lua.LState) int {
	q := L.CheckString(1)
	rows, err := sc.rt.cfg.SQL.Query(context.Background(), q, sc.sqlArgs(L)...)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	list := make(vars.List, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	sc.push(L, list)
	return 1
}

// sql.exec(q, ...) returns the affected row count, or nil and an error string.
func (sc *scope) sqlExec(L *lua.LState) int {
	q := L.CheckString(1)
	n, err := sc.rt.cfg.SQL.Exec(context.Background(), q, sc.sqlArgs(L)...)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(n))
	return 1
}
