// Package assets loads script sources and other files from a directory tree
// on background goroutines and reports their load state by handle.
package assets

import (
	"fmt"
	"io/fs"
	"log"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/remeh/sizedwaitgroup"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/world"
)

// Handle identifies one loaded path. Handles start at 1; 0 is never issued.
type Handle uint64

// LoadState is the progress of a single asset.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type entry struct {
	path  string
	state LoadState
	data  []byte
	src   *scriptsrc.Source
	err   error
	took  time.Duration
}

// Store is an asynchronous, path-deduplicated file loader over an fs.FS.
type Store struct {
	fsys fs.FS
	bus  *events.Bus

	mu      sync.RWMutex
	byPath  map[string]Handle
	entries map[Handle]*entry
	next    Handle

	limit   sizedwaitgroup.SizedWaitGroup
	pending sync.WaitGroup
}

// NewStore creates a store reading from fsys with at most workers concurrent
// reads. workers <= 0 uses the CPU count. bus may be nil.
func NewStore(fsys fs.FS, workers int, bus *events.Bus) *Store {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Store{
		fsys:    fsys,
		bus:     bus,
		byPath:  make(map[string]Handle),
		entries: make(map[Handle]*entry),
		limit:   sizedwaitgroup.New(workers),
	}
}

// CleanPath normalizes an asset path to the slash-separated, unrooted form
// used as the store key.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Load starts loading p if it has not been requested before and returns its
// handle. Repeated calls for the same path return the same handle.
func (s *Store) Load(p string) Handle {
	p = CleanPath(p)

	s.mu.Lock()
	if h, ok := s.byPath[p]; ok {
		s.mu.Unlock()
		return h
	}
	s.next++
	h := s.next
	e := &entry{path: p, state: Loading}
	s.byPath[p] = h
	s.entries[h] = e
	s.mu.Unlock()

	if !fs.ValidPath(p) || p == "." {
		s.finish(h, nil, fmt.Errorf("assets: invalid path %q", p), 0)
		return h
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.limit.Add()
		defer s.limit.Done()

		start := time.Now()
		data, err := fs.ReadFile(s.fsys, p)
		s.finish(h, data, err, time.Since(start))
	}()
	return h
}

func (s *Store) finish(h Handle, data []byte, err error, took time.Duration) {
	s.mu.Lock()
	e := s.entries[h]
	e.took = took
	if err != nil {
		e.state = Failed
		e.err = err
	} else {
		e.state = Loaded
		e.data = data
		e.src = scriptsrc.Parse(e.path, data)
	}
	p := e.path
	s.mu.Unlock()

	if err != nil {
		log.Printf("ASSET: load %s failed: %v", p, err)
		s.bus.Emit(events.Event{Type: events.EvAssetFailed, Consumer: world.Nothing, Path: p, Text: err.Error()})
		return
	}
	log.Printf("ASSET: loaded %s (%s in %v)", p, humanize.Bytes(uint64(len(data))), took.Round(time.Microsecond))
	s.bus.Emit(events.Event{
		Type:     events.EvAssetLoaded,
		Consumer: world.Nothing,
		Path:     p,
		Data:     map[string]any{"bytes": len(data)},
	})
}

// Wait blocks until every load started so far has finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// State reports the load state of h. Unknown handles are NotLoaded.
func (s *Store) State(h Handle) LoadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[h]; ok {
		return e.state
	}
	return NotLoaded
}

// Source returns the parsed script source for a loaded handle.
func (s *Store) Source(h Handle) (*scriptsrc.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	if !ok || e.state != Loaded {
		return nil, false
	}
	return e.src, true
}

// Bytes returns the raw contents of a loaded handle.
func (s *Store) Bytes(h Handle) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	if !ok || e.state != Loaded {
		return nil, false
	}
	return e.data, true
}

// Err returns the failure for a Failed handle.
func (s *Store) Err(h Handle) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[h]; ok {
		return e.err
	}
	return nil
}

// Path returns the cleaned path a handle was requested with.
func (s *Store) Path(h Handle) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[h]; ok {
		return e.path
	}
	return ""
}

// Lookup returns the handle already issued for p, if any.
func (s *Store) Lookup(p string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byPath[CleanPath(p)]
	return h, ok
}

// Stats summarizes the store.
type Stats struct {
	Loading int
	Loaded  int
	Failed  int
	Bytes   uint64
}

// Stats returns counts by state and the total size of loaded data.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, e := range s.entries {
		switch e.state {
		case Loading:
			st.Loading++
		case Loaded:
			st.Loaded++
			st.Bytes += uint64(len(e.data))
		case Failed:
			st.Failed++
		}
	}
	return st
}

// Paths returns every requested path, sorted.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
