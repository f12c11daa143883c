// Package scripting runs Lua script instances against the shared world:
// instancing (unique, shared, collectivist), per-consumer hook queues gated
// on load readiness, the per-tick dispatch loop, messaging between
// consumers and the shared registry.
package scripting

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/clock"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/interp"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// AssetSource is the loader the runtime requests scripts from.
// *assets.Store implements it.
type AssetSource interface {
	Load(path string) assets.Handle
	State(h assets.Handle) assets.LoadState
	Source(h assets.Handle) (*scriptsrc.Source, bool)
}

// Config tunes a Runtime.
type Config struct {
	FixedStep          time.Duration // on_update period; default 50ms
	MaxCompilesPerTick int           // 0 = unlimited
	ScriptTimeout      time.Duration // per hook; 0 = none
	SQL                SQLBackend    // nil disables the sql table
	Now                func() time.Time
}

// DefaultFixedStep is used when Config.FixedStep is zero.
const DefaultFixedStep = 50 * time.Millisecond

type pendingScript struct {
	path   string
	handle assets.Handle
}

// Consumer is an owner of scripts: it first waits for its sources
// (Requesting), then holds the resolved instance ids (Ready).
type Consumer struct {
	id    ConsumerID
	queue *HookQueue

	mu         sync.Mutex
	pending    []pendingScript
	requesting bool
	ids        []InstanceID
	ready      bool
	dead       bool
	stuck      bool // waiting on a failed asset, already logged
}

func (c *Consumer) ID() ConsumerID    { return c.id }
func (c *Consumer) Queue() *HookQueue { return c.queue }

// Ready reports whether the consumer's scripts have been resolved.
func (c *Consumer) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// IDs returns the consumer's resolved instance ids in request order.
func (c *Consumer) IDs() []InstanceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]InstanceID(nil), c.ids...)
}

func (c *Consumer) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

// Runtime drives every script instance. Tick (or Step) must be called from
// a single goroutine; the other methods are safe from any goroutine.
type Runtime struct {
	cfg    Config
	world  *world.World
	assets AssetSource
	bus    *events.Bus
	codec  *vars.Codec

	inst *Instances
	reg  *Registry

	frame *clock.Frame
	fixed *clock.FixedStep

	mu        sync.Mutex
	consumers map[ConsumerID]*Consumer
	scopes    map[InstanceID]*scope

	ticks      atomic.Uint64
	hooksFired atomic.Uint64
	hookErrors atomic.Uint64
	loadErrors atomic.Uint64
	messages   atomic.Uint64
	updates    atomic.Uint64
	lastTick   atomic.Int64
	elapsed    atomic.Int64
	fixedTime  atomic.Int64
}

// New creates a runtime over w, loading scripts from src. bus may be nil.
func New(w *world.World, src AssetSource, bus *events.Bus, cfg Config) *Runtime {
	if cfg.FixedStep <= 0 {
		cfg.FixedStep = DefaultFixedStep
	}
	rt := &Runtime{
		cfg:       cfg,
		world:     w,
		assets:    src,
		bus:       bus,
		codec:     vars.NewCodec(),
		frame:     clock.NewFrame(cfg.Now),
		fixed:     clock.NewFixedStep(cfg.FixedStep),
		consumers: make(map[ConsumerID]*Consumer),
		scopes:    make(map[InstanceID]*scope),
	}
	rt.reg = NewRegistry(func(h assets.Handle) bool {
		return src.State(h) == assets.Loaded
	})
	rt.inst = NewInstances(rt.newInstance)
	return rt
}

func (rt *Runtime) Instances() *Instances { return rt.inst }
func (rt *Runtime) Registry() *Registry   { return rt.reg }
func (rt *Runtime) World() *world.World   { return rt.world }
func (rt *Runtime) Codec() *vars.Codec    { return rt.codec }
func (rt *Runtime) Bus() *events.Bus      { return rt.bus }

// newInstance is the Factory handed to Instances.
func (rt *Runtime) newInstance(id InstanceID, path string) *interp.Instance {
	sc := &scope{rt: rt, id: id, consumer: world.Nothing}
	rt.mu.Lock()
	rt.scopes[id] = sc
	rt.mu.Unlock()
	return interp.New(uint64(id), path, interp.Options{
		Codec:   rt.codec,
		Timeout: rt.cfg.ScriptTimeout,
		Output:  rt.scriptOutput,
		Setup: func(in *interp.Instance, L *lua.LState) {
			sc.inst = in
			sc.install(L)
		},
	})
}

func (rt *Runtime) scopeFor(id InstanceID) *scope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.scopes[id]
}

func (rt *Runtime) scriptOutput(in *interp.Instance, level, msg string) {
	path := in.Path()
	if path == "" {
		path = "<collectivist>"
	}
	log.Printf("SCRIPT: #%d %s [%s] %s", in.ID(), path, level, msg)

	consumer := world.Nothing
	if sc := rt.scopeFor(InstanceID(in.ID())); sc != nil {
		consumer = sc.consumer
	}
	rt.bus.Emit(events.Event{
		Type:     events.EvText,
		Consumer: consumer,
		Instance: in.ID(),
		Path:     in.Path(),
		Text:     msg,
		Data:     map[string]any{"level": level},
	})
}

// RequestScripts starts loading paths for consumer. The consumer becomes
// Ready, and receives on_init, once every source has loaded.
func (rt *Runtime) RequestScripts(consumer ConsumerID, paths []string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.consumers[consumer]; ok {
		return fmt.Errorf("%w: consumer #%d", ErrAlreadyRequested, consumer)
	}

	c := &Consumer{id: consumer, queue: NewHookQueue(consumer), requesting: true}
	for _, p := range paths {
		p = cleanScriptPath(p)
		c.pending = append(c.pending, pendingScript{path: p, handle: rt.assets.Load(p)})
	}
	rt.consumers[consumer] = c
	return nil
}

// Despawn removes consumer's queue, instance references and pending asset
// callbacks. Shared and collectivist interpreters are kept; unique ones it
// alone owned are closed at the end of the current or next tick.
func (rt *Runtime) Despawn(consumer ConsumerID) error {
	rt.mu.Lock()
	c, ok := rt.consumers[consumer]
	if ok {
		delete(rt.consumers, consumer)
	}
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNoConsumer, consumer)
	}

	c.mu.Lock()
	c.dead = true
	ids := c.ids
	c.ids = nil
	c.pending = nil
	c.mu.Unlock()

	dropped := c.queue.Clear()
	rt.inst.release(consumer, ids)
	cbs := rt.reg.dropConsumer(consumer)

	if dropped > 0 || cbs > 0 {
		log.Printf("SCRIPT: despawn #%d dropped %d queued calls, %d asset callbacks", consumer, dropped, cbs)
	}
	rt.bus.Emit(events.Event{Type: events.EvDespawn, Consumer: consumer})
	return nil
}

// Spawn creates a world entity and, when scripts are given, requests them
// for it.
func (rt *Runtime) Spawn(name string, components map[string]vars.Value, scripts []string) (world.EntityID, error) {
	var id world.EntityID
	rt.world.WithWrite(func(tx *world.Txn) {
		id = tx.Spawn(name, components, scripts)
	})
	if len(scripts) == 0 {
		return id, nil
	}
	if err := rt.RequestScripts(id, scripts); err != nil {
		return id, err
	}
	return id, nil
}

// DespawnEntity removes an entity from the world and tears down its
// scripts, if it had any.
func (rt *Runtime) DespawnEntity(id world.EntityID) error {
	var err error
	rt.world.WithWrite(func(tx *world.Txn) {
		err = tx.Despawn(id)
	})
	if err != nil {
		return err
	}
	if derr := rt.Despawn(id); derr != nil && !errors.Is(derr, ErrNoConsumer) {
		return derr
	}
	return nil
}

// Consumer returns the registered consumer with id.
func (rt *Runtime) Consumer(id ConsumerID) (*Consumer, bool) {
	c := rt.consumer(id)
	return c, c != nil
}

func (rt *Runtime) consumer(id ConsumerID) *Consumer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.consumers[id]
}

// consumerList returns every registered consumer in id order.
func (rt *Runtime) consumerList() []*Consumer {
	rt.mu.Lock()
	out := make([]*Consumer, 0, len(rt.consumers))
	for _, c := range rt.consumers {
		out = append(out, c)
	}
	rt.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Tick advances the frame clock by the wall time since the last Tick and
// runs one dispatch pass.
func (rt *Runtime) Tick() {
	rt.frame.Advance()
	rt.run()
}

// Step runs one dispatch pass with an explicit frame delta.
func (rt *Runtime) Step(dt time.Duration) {
	rt.frame.Step(dt)
	rt.run()
}

// run is one tick: resolve finished requests, compile queued sources, fire
// asset callbacks, drain queues, then queue fixed-rate updates for the
// next tick.
func (rt *Runtime) run() {
	start := time.Now()

	rt.resolveRequests()
	rt.compile()
	rt.reg.fireLoaded()
	rt.drain()
	rt.scheduleUpdates(rt.fixed.Advance(rt.frame.Delta()))

	for _, in := range rt.inst.drainClosed() {
		in.Close()
		rt.mu.Lock()
		delete(rt.scopes, InstanceID(in.ID()))
		rt.mu.Unlock()
	}

	rt.ticks.Add(1)
	rt.elapsed.Store(int64(rt.frame.Elapsed()))
	rt.fixedTime.Store(int64(rt.fixed.Elapsed()))
	rt.lastTick.Store(int64(time.Since(start)))
}

// resolveRequests moves every consumer whose sources have all loaded from
// Requesting to Ready and queues its on_init.
func (rt *Runtime) resolveRequests() {
	for _, c := range rt.consumerList() {
		c.mu.Lock()
		if !c.requesting || c.dead {
			c.mu.Unlock()
			continue
		}
		waiting := false
		for _, p := range c.pending {
			switch rt.assets.State(p.handle) {
			case assets.Loaded:
			case assets.Failed:
				waiting = true
				if !c.stuck {
					c.stuck = true
					log.Printf("SCRIPT: consumer #%d waiting on failed asset %s", c.id, p.path)
				}
			default:
				waiting = true
			}
		}
		if waiting {
			c.mu.Unlock()
			continue
		}
		pending := c.pending
		c.pending = nil
		c.requesting = false
		c.mu.Unlock()

		var ids []InstanceID
		seen := make(map[InstanceID]bool)
		for _, p := range pending {
			src, ok := rt.assets.Source(p.handle)
			if !ok {
				continue
			}
			id, err := rt.inst.Resolve(p.path, src, c.id)
			if err != nil {
				rt.loadErrors.Add(1)
				log.Printf("SCRIPT: consumer #%d: %v", c.id, err)
				rt.bus.Emit(events.Event{
					Type:     events.EvInstanceFailed,
					Consumer: c.id,
					Instance: uint64(id),
					Path:     p.path,
					Text:     err.Error(),
				})
				if errors.Is(err, ErrKindConflict) {
					continue
				}
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}

		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			rt.inst.release(c.id, ids)
			continue
		}
		c.ids = ids
		c.ready = true
		c.mu.Unlock()

		c.queue.Push(&HookCall{Required: ids, Hook: HookInit})
		rt.bus.Emit(events.Event{
			Type:     events.EvConsumerReady,
			Consumer: c.id,
			Data:     map[string]any{"instances": len(ids)},
		})
	}
}

func (rt *Runtime) compile() {
	for _, l := range rt.inst.compilePending(rt.cfg.MaxCompilesPerTick) {
		ev := events.Event{Type: events.EvInstanceLoaded, Consumer: world.Nothing, Instance: uint64(l.ID), Path: l.Path}
		if l.Err != nil {
			rt.loadErrors.Add(1)
			ev.Type = events.EvInstanceFailed
			ev.Text = l.Err.Error()
		}
		rt.bus.Emit(ev)
	}
}

// Close shuts down every interpreter.
func (rt *Runtime) Close() {
	rt.inst.closeAll()
}

// Stats is a point-in-time summary for metrics and the status endpoint.
type Stats struct {
	Ticks            uint64
	Consumers        int
	Requesting       int
	Ready            int
	QueueDepth       int
	Instances        InstanceStats
	HooksFired       uint64
	HookErrors       uint64
	LoadErrors       uint64
	MessagesSent     uint64
	UpdatesQueued    uint64
	RegistryKeys     int
	PendingCallbacks int
	LastTick         time.Duration
	Elapsed          time.Duration
	FixedElapsed     time.Duration
}

// Stats collects current counters. Safe from any goroutine.
func (rt *Runtime) Stats() Stats {
	st := Stats{
		Ticks:            rt.ticks.Load(),
		Instances:        rt.inst.Stats(),
		HooksFired:       rt.hooksFired.Load(),
		HookErrors:       rt.hookErrors.Load(),
		LoadErrors:       rt.loadErrors.Load(),
		MessagesSent:     rt.messages.Load(),
		UpdatesQueued:    rt.updates.Load(),
		RegistryKeys:     rt.reg.Len(),
		PendingCallbacks: rt.reg.PendingCallbacks(),
		LastTick:         time.Duration(rt.lastTick.Load()),
		Elapsed:          time.Duration(rt.elapsed.Load()),
		FixedElapsed:     time.Duration(rt.fixedTime.Load()),
	}
	for _, c := range rt.consumerList() {
		st.Consumers++
		if c.Ready() {
			st.Ready++
		} else {
			st.Requesting++
		}
		st.QueueDepth += c.queue.Len()
	}
	return st
}

func cleanScriptPath(p string) string {
	return assets.CleanPath(p)
}
