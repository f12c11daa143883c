package scripting

import (
	"sync"
	"testing"
	"time"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

const testStep = 50 * time.Millisecond

// fakeAssets loads from an in-memory file table. Paths listed in hold stay
// Loading until release is called.
type fakeAssets struct {
	mu      sync.Mutex
	files   map[string]string
	hold    map[string]bool
	handles map[string]assets.Handle
	paths   map[assets.Handle]string
	states  map[assets.Handle]assets.LoadState
}

func newFakeAssets(files map[string]string) *fakeAssets {
	return &fakeAssets{
		files:   files,
		hold:    make(map[string]bool),
		handles: make(map[string]assets.Handle),
		paths:   make(map[assets.Handle]string),
		states:  make(map[assets.Handle]assets.LoadState),
	}
}

func (f *fakeAssets) Load(path string) assets.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[path]; ok {
		return h
	}
	h := assets.Handle(len(f.handles) + 1)
	f.handles[path] = h
	f.paths[h] = path
	switch {
	case f.hold[path]:
		f.states[h] = assets.Loading
	case hasFile(f.files, path):
		f.states[h] = assets.Loaded
	default:
		f.states[h] = assets.Failed
	}
	return h
}

func hasFile(files map[string]string, path string) bool {
	_, ok := files[path]
	return ok
}

func (f *fakeAssets) State(h assets.Handle) assets.LoadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[h]
}

func (f *fakeAssets) Source(h assets.Handle) (*scriptsrc.Source, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[h] != assets.Loaded {
		return nil, false
	}
	p := f.paths[h]
	return scriptsrc.Parse(p, []byte(f.files[p])), true
}

func (f *fakeAssets) release(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hold, path)
	if h, ok := f.handles[path]; ok {
		if hasFile(f.files, path) {
			f.states[h] = assets.Loaded
		} else {
			f.states[h] = assets.Failed
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Receive(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) Closed() bool { return false }

func (l *eventLog) count(t events.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	rt     *Runtime
	assets *fakeAssets
	world  *world.World
	events *eventLog
}

func newHarness(t *testing.T, files map[string]string, cfg Config) *harness {
	t.Helper()
	if cfg.FixedStep == 0 {
		cfg.FixedStep = testStep
	}
	fa := newFakeAssets(files)
	bus := events.NewBus()
	el := &eventLog{}
	bus.SubscribeGlobal(el)
	w := world.New()
	rt := New(w, fa, bus, cfg)
	t.Cleanup(rt.Close)
	return &harness{rt: rt, assets: fa, world: w, events: el}
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.rt.Step(testStep)
	}
}

func (h *harness) request(t *testing.T, c ConsumerID, paths ...string) {
	t.Helper()
	if err := h.rt.RequestScripts(c, paths); err != nil {
		t.Fatalf("RequestScripts(#%d): %v", c, err)
	}
}

// num reads a numeric registry value, 0 when absent.
func (h *harness) num(t *testing.T, name string) float64 {
	t.Helper()
	v, ok := h.rt.Registry().Get(name)
	if !ok {
		return 0
	}
	n, ok := vars.AsNumber(v)
	if !ok {
		t.Fatalf("registry %s = %v, not a number", name, v)
	}
	return n
}

func (h *harness) value(name string) vars.Value {
	v, _ := h.rt.Registry().Get(name)
	return vars.OrNil(v)
}

func (h *harness) consumer(t *testing.T, id ConsumerID) *Consumer {
	t.Helper()
	c, ok := h.rt.Consumer(id)
	if !ok {
		t.Fatalf("consumer #%d not registered", id)
	}
	return c
}

// counter is a Lua snippet that increments a registry number.
func counter(name string) string {
	return `registry.update("` + name + `", function(n) return (n or 0) + 1 end)`
}
