// Package world is the shared simulation store that scripts read and write.
// All access goes through WithRead/WithWrite, which hold the world lock for
// the duration of the callback and no longer.
package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crystal-mush/luahost/pkg/vars"
)

var (
	ErrNoEntity   = errors.New("world: no such entity")
	ErrRootEntity = errors.New("world: root entity cannot be despawned")
)

// World holds the complete in-memory simulation state.
type World struct {
	mu       sync.RWMutex
	entities map[EntityID]*Entity
	next     EntityID
	now      func() time.Time
}

// New creates a world containing only the root entity.
func New() *World {
	w := &World{
		entities: make(map[EntityID]*Entity),
		next:     Root + 1,
		now:      time.Now,
	}
	now := w.now()
	w.entities[Root] = &Entity{
		ID:         Root,
		Name:       "root",
		Components: make(map[string]vars.Value),
		Spawned:    now,
		LastMod:    now,
	}
	return w
}

// View is a read-only handle valid only inside WithRead/WithWrite.
type View struct {
	w    *World
	done bool
}

// Txn is a read-write handle valid only inside WithWrite.
type Txn struct {
	View
}

// WithRead runs fn with the world read-locked.
func (w *World) WithRead(fn func(v *View)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v := &View{w: w}
	defer func() { v.done = true }()
	fn(v)
}

// WithWrite runs fn with the world write-locked.
func (w *World) WithWrite(fn func(tx *Txn)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx := &Txn{View{w: w}}
	defer func() { tx.done = true }()
	fn(tx)
}

func (v *View) check() {
	if v.done {
		panic("world: accessor used outside its scope")
	}
}

// Exists reports whether id refers to a live entity.
func (v *View) Exists(id EntityID) bool {
	v.check()
	_, ok := v.w.entities[id]
	return ok
}

// Entity returns a deep copy of the entity.
func (v *View) Entity(id EntityID) (*Entity, bool) {
	v.check()
	e, ok := v.w.entities[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Name returns the entity name, or "" if it does not exist.
func (v *View) Name(id EntityID) string {
	v.check()
	if e, ok := v.w.entities[id]; ok {
		return e.Name
	}
	return ""
}

// Component returns a copy of one component value.
func (v *View) Component(id EntityID, name string) (vars.Value, bool) {
	v.check()
	e, ok := v.w.entities[id]
	if !ok {
		return nil, false
	}
	val, ok := e.Components[name]
	if !ok {
		return nil, false
	}
	return vars.Clone(val), true
}

// Query returns, in ascending order, every entity carrying all named components.
func (v *View) Query(names ...string) []EntityID {
	v.check()
	var out []EntityID
	for id, e := range v.w.entities {
		match := true
		for _, n := range names {
			if !e.HasComponent(n) {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Find returns, in ascending order, every entity with the given name.
func (v *View) Find(name string) []EntityID {
	v.check()
	var out []EntityID
	for id, e := range v.w.entities {
		if e.Name == name {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live entities, root included.
func (v *View) Len() int {
	v.check()
	return len(v.w.entities)
}

// Spawn creates an entity and returns its id.
func (tx *Txn) Spawn(name string, components map[string]vars.Value, scripts []string) EntityID {
	tx.check()
	w := tx.w
	id := w.next
	w.next++
	now := w.now()
	e := &Entity{
		ID:         id,
		Name:       name,
		Components: make(map[string]vars.Value, len(components)),
		Scripts:    append([]string(nil), scripts...),
		Spawned:    now,
		LastMod:    now,
	}
	for k, val := range components {
		e.Components[k] = vars.Clone(val)
	}
	w.entities[id] = e
	return id
}

// Insert adds e under its own id, replacing any existing entity. Used when
// restoring persisted state.
func (tx *Txn) Insert(e *Entity) {
	tx.check()
	cp := e.clone()
	if cp.Components == nil {
		cp.Components = make(map[string]vars.Value)
	}
	tx.w.entities[cp.ID] = cp
	if cp.ID >= tx.w.next {
		tx.w.next = cp.ID + 1
	}
}

// Despawn removes an entity. The root entity cannot be removed.
func (tx *Txn) Despawn(id EntityID) error {
	tx.check()
	if id == Root {
		return ErrRootEntity
	}
	if _, ok := tx.w.entities[id]; !ok {
		return fmt.Errorf("%w: #%d", ErrNoEntity, id)
	}
	delete(tx.w.entities, id)
	return nil
}

// SetComponent stores a copy of val on the entity.
func (tx *Txn) SetComponent(id EntityID, name string, val vars.Value) error {
	tx.check()
	e, ok := tx.w.entities[id]
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNoEntity, id)
	}
	e.Components[name] = vars.Clone(val)
	e.LastMod = tx.w.now()
	return nil
}

// RemoveComponent deletes a component, reporting whether it existed.
func (tx *Txn) RemoveComponent(id EntityID, name string) bool {
	tx.check()
	e, ok := tx.w.entities[id]
	if !ok {
		return false
	}
	if _, had := e.Components[name]; !had {
		return false
	}
	delete(e.Components, name)
	e.LastMod = tx.w.now()
	return true
}

// Rename changes an entity's name.
func (tx *Txn) Rename(id EntityID, name string) error {
	tx.check()
	e, ok := tx.w.entities[id]
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNoEntity, id)
	}
	e.Name = name
	e.LastMod = tx.w.now()
	return nil
}

// Snapshot returns deep copies of all entities in ascending id order.
func (w *World) Snapshot() []*Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the world contents with ents. A root entity is created
// if ents does not contain one.
func (w *World) Restore(ents []*Entity) {
	w.WithWrite(func(tx *Txn) {
		w.entities = make(map[EntityID]*Entity, len(ents)+1)
		w.next = Root + 1
		for _, e := range ents {
			tx.Insert(e)
		}
		if _, ok := w.entities[Root]; !ok {
			now := w.now()
			w.entities[Root] = &Entity{ID: Root, Name: "root", Components: make(map[string]vars.Value), Spawned: now, LastMod: now}
		}
	})
}

// Len returns the number of live entities.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}
