package assets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Receive(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Closed() bool { return false }

func (r *recorder) byType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"scripts/a.lua":   {Data: []byte("function on_init() end\n")},
		"scripts/b.lua":   {Data: []byte("--!shared\nfunction on_update() end\n")},
		"scripts/all.lua": {Data: []byte("--!collectivist\nx = 1\n")},
		"data/tiles.txt":  {Data: []byte("grass\n")},
	}
}

func TestLoadDedupsByPath(t *testing.T) {
	s := NewStore(testFS(), 2, nil)
	h1 := s.Load("scripts/a.lua")
	h2 := s.Load("/scripts/./a.lua")
	if h1 != h2 {
		t.Fatalf("same path gave handles %d and %d", h1, h2)
	}
	if h1 == 0 {
		t.Fatal("handle 0 issued")
	}
	s.Wait()
	if got := s.State(h1); got != Loaded {
		t.Fatalf("state = %v, want loaded", got)
	}
	if got, ok := s.Lookup("scripts/a.lua"); !ok || got != h1 {
		t.Errorf("Lookup = %d, %v", got, ok)
	}
}

func TestSourceKinds(t *testing.T) {
	s := NewStore(testFS(), 0, nil)
	tests := []struct {
		path string
		want scriptsrc.Kind
	}{
		{"scripts/a.lua", scriptsrc.Unique},
		{"scripts/b.lua", scriptsrc.Shared},
		{"scripts/all.lua", scriptsrc.Collectivist},
	}
	handles := make([]Handle, len(tests))
	for i, tt := range tests {
		handles[i] = s.Load(tt.path)
	}
	s.Wait()
	for i, tt := range tests {
		src, ok := s.Source(handles[i])
		if !ok {
			t.Fatalf("%s: no source", tt.path)
		}
		if src.Kind != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.path, src.Kind, tt.want)
		}
		if src.Path != tt.path {
			t.Errorf("%s: source path = %q", tt.path, src.Path)
		}
	}
}

func TestMissingFileFails(t *testing.T) {
	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeGlobal(rec)

	s := NewStore(testFS(), 1, bus)
	h := s.Load("scripts/missing.lua")
	s.Wait()

	if got := s.State(h); got != Failed {
		t.Fatalf("state = %v, want failed", got)
	}
	if s.Err(h) == nil {
		t.Error("expected load error")
	}
	if _, ok := s.Source(h); ok {
		t.Error("failed handle returned a source")
	}
	if n := len(rec.byType(events.EvAssetFailed)); n != 1 {
		t.Errorf("expected 1 failure event, got %d", n)
	}
}

func TestUnknownHandle(t *testing.T) {
	s := NewStore(testFS(), 1, nil)
	if s.State(42) != NotLoaded {
		t.Error("unknown handle should be NotLoaded")
	}
	if s.Path(42) != "" {
		t.Error("unknown handle should have no path")
	}
}

func TestStatsAndEvents(t *testing.T) {
	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeGlobal(rec)

	s := NewStore(testFS(), 4, bus)
	s.Load("scripts/a.lua")
	s.Load("data/tiles.txt")
	s.Load("nope.lua")
	s.Wait()

	st := s.Stats()
	if st.Loaded != 2 || st.Failed != 1 || st.Loading != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.Bytes != uint64(len("function on_init() end\n")+len("grass\n")) {
		t.Errorf("bytes = %d", st.Bytes)
	}
	if n := len(rec.byType(events.EvAssetLoaded)); n != 2 {
		t.Errorf("expected 2 loaded events, got %d", n)
	}
	paths := s.Paths()
	if len(paths) != 3 || paths[0] != "data/tiles.txt" {
		t.Errorf("paths = %v", paths)
	}
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"a.lua":          "a.lua",
		"/a.lua":         "a.lua",
		"x/../a.lua":     "a.lua",
		`dir\sub\b.lua`:  "dir/sub/b.lua",
		"../../etc/pass": "etc/pass",
	}
	for in, want := range tests {
		if got := CleanPath(in); got != want {
			t.Errorf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatchReportsScriptChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "npc"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "npc", "guard.lua"), []byte("x = 0"), 0o644); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	s := NewStore(os.DirFS(dir), 1, bus)
	s.Load("npc/guard.lua")
	s.Wait()
	rec := &recorder{}
	bus.SubscribeGlobal(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx, dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "npc", "guard.lua"), []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := rec.byType(events.EvAssetChanged); len(evs) > 0 {
			if evs[0].Path != "npc/guard.lua" || evs[0].Data["in_use"] != true {
				t.Errorf("changed event = %+v", evs[0])
			}
			for _, ev := range evs {
				if ev.Path == "notes.txt" {
					t.Error("non-script file reported")
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no change event received")
}
