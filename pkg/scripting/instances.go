package scripting

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/crystal-mush/luahost/pkg/interp"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/world"
)

// InstanceID names one interpreter instance for the life of the process.
type InstanceID uint64

// CollectivistID is the single interpreter shared by every collectivist script.
const CollectivistID InstanceID = 0

// ConsumerID is the owner of a script set: an entity, or world.Root for the
// level itself.
type ConsumerID = world.EntityID

// Factory builds the interpreter for a new instance id.
type Factory func(id InstanceID, path string) *interp.Instance

type handle struct {
	id     InstanceID
	path   string
	kind   scriptsrc.Kind
	inst   *interp.Instance
	src    *scriptsrc.Source // waiting for compilePending
	err    error
	owners map[ConsumerID]struct{}

	resolved bool
	inited   bool // first successful on_init seen
	closed   bool
}

// Instances owns every interpreter and decides which instance a script
// resolves to.
type Instances struct {
	mu      sync.Mutex
	next    InstanceID
	handles map[InstanceID]*handle
	factory Factory

	shared     map[string]InstanceID
	byPath     map[string]map[ConsumerID]struct{}
	pathKinds  map[string]scriptsrc.Kind
	updateable map[InstanceID]struct{}
	seenText   map[string]struct{}
	pending    []InstanceID
	toClose    []*interp.Instance
}

// NewInstances creates the registry and the collectivist interpreter.
func NewInstances(factory Factory) *Instances {
	is := &Instances{
		handles:    make(map[InstanceID]*handle),
		factory:    factory,
		shared:     make(map[string]InstanceID),
		byPath:     make(map[string]map[ConsumerID]struct{}),
		pathKinds:  make(map[string]scriptsrc.Kind),
		updateable: make(map[InstanceID]struct{}),
		seenText:   make(map[string]struct{}),
	}
	is.handles[CollectivistID] = &handle{
		id:       CollectivistID,
		kind:     scriptsrc.Collectivist,
		inst:     factory(CollectivistID, ""),
		owners:   make(map[ConsumerID]struct{}),
		resolved: true,
	}
	return is
}

// AllocateID returns the next instance id. Ids start at 1 and are never reused.
func (is *Instances) AllocateID() InstanceID {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.allocLocked()
}

func (is *Instances) allocLocked() InstanceID {
	is.next++
	return is.next
}

// Resolve maps a loaded source to an instance id for consumer. Unique and
// Shared sources are queued for compilation; collectivist sources run
// immediately in the shared interpreter the first time their text is seen.
func (is *Instances) Resolve(path string, src *scriptsrc.Source, consumer ConsumerID) (InstanceID, error) {
	is.mu.Lock()
	if k, ok := is.pathKinds[path]; ok && k != src.Kind {
		is.mu.Unlock()
		return 0, fmt.Errorf("%w: %s resolved as %s, now %s", ErrKindConflict, path, k, src.Kind)
	}
	is.pathKinds[path] = src.Kind

	members := is.byPath[path]
	if members == nil {
		members = make(map[ConsumerID]struct{})
		is.byPath[path] = members
	}
	members[consumer] = struct{}{}

	switch src.Kind {
	case scriptsrc.Shared:
		if id, ok := is.shared[path]; ok {
			is.handles[id].owners[consumer] = struct{}{}
			is.mu.Unlock()
			return id, nil
		}
		id := is.createLocked(path, src, consumer)
		is.shared[path] = id
		is.mu.Unlock()
		return id, nil

	case scriptsrc.Collectivist:
		h := is.handles[CollectivistID]
		h.owners[consumer] = struct{}{}
		_, seen := is.seenText[src.Text]
		is.seenText[src.Text] = struct{}{}
		is.mu.Unlock()
		if !seen {
			if err := h.inst.Exec(src); err != nil {
				log.Printf("SCRIPT: collectivist %s failed: %v", path, err)
				return CollectivistID, err
			}
		}
		return CollectivistID, nil

	default:
		id := is.createLocked(path, src, consumer)
		is.mu.Unlock()
		return id, nil
	}
}

func (is *Instances) createLocked(path string, src *scriptsrc.Source, consumer ConsumerID) InstanceID {
	id := is.allocLocked()
	is.handles[id] = &handle{
		id:     id,
		path:   path,
		kind:   src.Kind,
		inst:   is.factory(id, path),
		src:    src,
		owners: map[ConsumerID]struct{}{consumer: {}},
	}
	is.pending = append(is.pending, id)
	return id
}

// Loaded is the outcome of one compilation.
type Loaded struct {
	ID   InstanceID
	Path string
	Err  error
}

// compilePending runs queued sources into their interpreters, at most
// budget of them (budget <= 0 means all). Every compiled id becomes resolved.
func (is *Instances) compilePending(budget int) []Loaded {
	is.mu.Lock()
	n := len(is.pending)
	if budget > 0 && budget < n {
		n = budget
	}
	type job struct {
		h      *handle
		src    *scriptsrc.Source
		closed bool
	}
	batch := make([]job, 0, n)
	for _, id := range is.pending[:n] {
		h := is.handles[id]
		batch = append(batch, job{h: h, src: h.src, closed: h.closed})
	}
	is.pending = append(is.pending[:0:0], is.pending[n:]...)
	is.mu.Unlock()

	out := make([]Loaded, 0, len(batch))
	for _, j := range batch {
		h := j.h
		if j.closed {
			// Owner despawned before compile; nothing to report.
			is.mu.Lock()
			h.resolved = true
			h.src = nil
			is.mu.Unlock()
			continue
		}
		err := h.inst.Exec(j.src)

		is.mu.Lock()
		h.resolved = true
		h.err = err
		h.src = nil
		is.mu.Unlock()

		if err != nil {
			log.Printf("SCRIPT: load #%d %s failed: %v", h.id, h.path, err)
		}
		out = append(out, Loaded{ID: h.id, Path: h.path, Err: err})
	}
	return out
}

// MarkUpdateable records that id defines on_update. The set only grows.
func (is *Instances) MarkUpdateable(id InstanceID) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.updateable[id] = struct{}{}
}

// IsUpdateable reports whether id has been marked updateable.
func (is *Instances) IsUpdateable(id InstanceID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	_, ok := is.updateable[id]
	return ok
}

// anyUpdateable reports whether any of ids is updateable.
func (is *Instances) anyUpdateable(ids []InstanceID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	for _, id := range ids {
		if _, ok := is.updateable[id]; ok {
			return true
		}
	}
	return false
}

// IsResolved reports whether a load attempt for id has completed,
// successfully or not. The collectivist id is always resolved.
func (is *Instances) IsResolved(id InstanceID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	h, ok := is.handles[id]
	return ok && h.resolved
}

// Get returns the interpreter for id when it loaded successfully and is
// still open.
func (is *Instances) Get(id InstanceID) (*interp.Instance, bool) {
	is.mu.Lock()
	defer is.mu.Unlock()
	h, ok := is.handles[id]
	if !ok || !h.resolved || h.err != nil || h.closed {
		return nil, false
	}
	return h.inst, true
}

// LoadErr returns the load failure recorded for id, if any.
func (is *Instances) LoadErr(id InstanceID) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	if h, ok := is.handles[id]; ok {
		return h.err
	}
	return nil
}

// Path returns the script path of id; empty for the collectivist instance.
func (is *Instances) Path(id InstanceID) string {
	is.mu.Lock()
	defer is.mu.Unlock()
	if h, ok := is.handles[id]; ok {
		return h.path
	}
	return ""
}

// firstInit reports true exactly once per instance, on the first on_init
// delivery that did not fail.
func (is *Instances) firstInit(id InstanceID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	h, ok := is.handles[id]
	if !ok || h.inited {
		return false
	}
	h.inited = true
	return true
}

// Group returns the consumers that requested path, in id order.
func (is *Instances) Group(path string) ([]ConsumerID, bool) {
	is.mu.Lock()
	defer is.mu.Unlock()
	members, ok := is.byPath[path]
	if !ok {
		return nil, false
	}
	out := make([]ConsumerID, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

// SharedID returns the instance that backs a shared path.
func (is *Instances) SharedID(path string) (InstanceID, bool) {
	is.mu.Lock()
	defer is.mu.Unlock()
	id, ok := is.shared[path]
	return id, ok
}

// release detaches consumer from ids and from every by-path set. Unique
// instances left without owners are marked closed; their interpreters are
// handed back by drainClosed so the caller can close them outside any
// interpreter lock.
func (is *Instances) release(consumer ConsumerID, ids []InstanceID) {
	is.mu.Lock()
	defer is.mu.Unlock()
	for _, members := range is.byPath {
		delete(members, consumer)
	}
	for _, id := range ids {
		h, ok := is.handles[id]
		if !ok {
			continue
		}
		delete(h.owners, consumer)
		if h.kind == scriptsrc.Unique && len(h.owners) == 0 && !h.closed {
			h.closed = true
			h.resolved = true
			is.toClose = append(is.toClose, h.inst)
		}
	}
}

func (is *Instances) drainClosed() []*interp.Instance {
	is.mu.Lock()
	defer is.mu.Unlock()
	out := is.toClose
	is.toClose = nil
	return out
}

// closeAll shuts every interpreter down.
func (is *Instances) closeAll() {
	is.mu.Lock()
	all := make([]*interp.Instance, 0, len(is.handles))
	for _, h := range is.handles {
		h.closed = true
		all = append(all, h.inst)
	}
	is.toClose = nil
	is.mu.Unlock()
	for _, in := range all {
		in.Close()
	}
}

// InstanceStats counts instances by kind and outcome.
type InstanceStats struct {
	Total      int
	Unique     int
	Shared     int
	Pending    int
	Failed     int
	Closed     int
	Updateable int
	Paths      int
}

// Stats returns a snapshot of instance counts. The collectivist instance is
// included in Total.
func (is *Instances) Stats() InstanceStats {
	is.mu.Lock()
	defer is.mu.Unlock()
	st := InstanceStats{
		Total:      len(is.handles),
		Pending:    len(is.pending),
		Updateable: len(is.updateable),
		Paths:      len(is.byPath),
	}
	for _, h := range is.handles {
		switch h.kind {
		case scriptsrc.Unique:
			st.Unique++
		case scriptsrc.Shared:
			st.Shared++
		}
		if h.err != nil {
			st.Failed++
		}
		if h.closed {
			st.Closed++
		}
	}
	return st
}
