package scripting

import (
	"errors"
	"log"
	"runtime/debug"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/interp"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// drain delivers every fireable call, consumer by consumer in id order.
// Calls pushed while delivering wait for the next tick.
func (rt *Runtime) drain() {
	for _, c := range rt.consumerList() {
		if c.queue.Len() == 0 {
			continue
		}
		calls := c.queue.Take(rt.inst.IsResolved)
		for _, call := range calls {
			if !c.alive() {
				break
			}
			rt.deliver(c, call)
		}
	}
}

// deliver runs call on each of the consumer's instances. Required only
// gates readiness; the call goes to the whole instance set.
func (rt *Runtime) deliver(c *Consumer, call *HookCall) {
	for _, id := range c.IDs() {
		if !c.alive() {
			return
		}
		in, ok := rt.inst.Get(id)
		if !ok {
			continue
		}
		called, err := rt.invoke(in, id, c.id, call)
		if err != nil {
			rt.hookErrors.Add(1)
			log.Printf("HOOK: %v", err)
			rt.bus.Emit(events.Event{
				Type:     events.EvHookError,
				Consumer: c.id,
				Instance: uint64(id),
				Path:     in.Path(),
				Hook:     call.Hook,
				Text:     err.Error(),
			})
			continue
		}
		if called {
			rt.hooksFired.Add(1)
		}

		// A script without on_init still gets updates if it defines on_update.
		if call.Hook == HookInit && id != CollectivistID && rt.inst.firstInit(id) {
			if in.HasFunction(HookUpdate) {
				rt.inst.MarkUpdateable(id)
			}
		}
	}
}

// invoke calls one hook on one instance inside a recover boundary.
func (rt *Runtime) invoke(in *interp.Instance, id InstanceID, consumer ConsumerID, call *HookCall) (called bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("HOOK: PANIC delivering %s to #%d: %v\n%s", call.Hook, id, r, debug.Stack())
			err = &interp.RuntimeError{ID: uint64(id), Path: in.Path(), Hook: call.Hook, Err: errors.New("host panic")}
		}
	}()
	return in.Call(call.Hook, call.Args, rt.binder(id, consumer))
}

// binder rebinds world, entity and script_id for one hook invocation. The
// world accessor it hands out is revoked when the hook returns.
func (rt *Runtime) binder(id InstanceID, consumer ConsumerID) interp.Binder {
	return func(L *lua.LState) func() {
		sc := rt.scopeFor(id)
		acc := newAccessor(L, rt)

		var prevConsumer ConsumerID
		if sc != nil {
			prevConsumer = sc.consumer
			sc.consumer = consumer
		}
		L.SetGlobal("world", acc.ud)
		if consumer == world.Root || consumer == world.Nothing {
			L.SetGlobal("entity", lua.LNil)
		} else {
			L.SetGlobal("entity", vars.NewEntity(L, vars.Entity(consumer)))
		}
		L.SetGlobal("script_id", lua.LNumber(id))

		return func() {
			acc.revoke()
			L.SetGlobal("world", lua.LNil)
			if sc != nil {
				sc.consumer = prevConsumer
			}
		}
	}
}

// scheduleUpdates queues one on_update per fixed step for every ready
// consumer holding an updateable instance. Steps are never merged.
func (rt *Runtime) scheduleUpdates(steps int) {
	if steps <= 0 {
		return
	}
	var targets []*Consumer
	for _, c := range rt.consumerList() {
		if !c.Ready() {
			continue
		}
		if rt.inst.anyUpdateable(c.IDs()) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return
	}

	step := rt.fixed.Step().Seconds()
	end := rt.fixed.Elapsed()
	for i := 0; i < steps; i++ {
		elapsed := (end - rt.fixed.Step()*time.Duration(steps-1-i)).Seconds()
		args := vars.Many{vars.Number(step), vars.Number(elapsed)}
		for _, c := range targets {
			c.queue.Push(&HookCall{Hook: HookUpdate, Args: args})
		}
		rt.updates.Add(uint64(len(targets)))
	}
}
