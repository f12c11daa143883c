package world

import (
	"sort"
	"time"

	"github.com/crystal-mush/luahost/pkg/vars"
)

// EntityID is the fundamental entity reference type.
type EntityID int64

const (
	Nothing EntityID = -1
	Root    EntityID = 0 // Level root; owns the level scripts
)

// Entity is a named bag of components.
type Entity struct {
	ID         EntityID
	Name       string
	Components map[string]vars.Value
	Scripts    []string // Script paths requested at spawn (persisted for reload)
	Spawned    time.Time
	LastMod    time.Time
}

// HasComponent reports whether the entity carries the named component.
func (e *Entity) HasComponent(name string) bool {
	_, ok := e.Components[name]
	return ok
}

// ComponentNames returns the component names in sorted order.
func (e *Entity) ComponentNames() []string {
	names := make([]string, 0, len(e.Components))
	for n := range e.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// clone deep-copies e so the copy shares no maps with the live entity.
func (e *Entity) clone() *Entity {
	cp := *e
	cp.Components = make(map[string]vars.Value, len(e.Components))
	for k, v := range e.Components {
		cp.Components[k] = vars.Clone(v)
	}
	cp.Scripts = append([]string(nil), e.Scripts...)
	return &cp
}
