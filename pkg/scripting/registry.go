package scripting

import (
	"sort"
	"sync"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/vars"
)

// AssetKey identifies one on-load callback list.
type AssetKey struct {
	Consumer ConsumerID
	Asset    assets.Handle
	Instance InstanceID
}

// Registry is the process-wide named value store shared by every script,
// plus one-shot callbacks waiting on asset loads. Values are copied in and
// out, so no caller can alias another's data.
type Registry struct {
	mu      sync.Mutex
	values  map[string]vars.Value
	waiting map[AssetKey][]func()
	loaded  func(assets.Handle) bool
}

// NewRegistry creates an empty registry. loaded reports whether an asset
// handle has finished loading.
func NewRegistry(loaded func(assets.Handle) bool) *Registry {
	return &Registry{
		values:  make(map[string]vars.Value),
		waiting: make(map[AssetKey][]func()),
		loaded:  loaded,
	}
}

// Get returns a copy of the value stored under name.
func (r *Registry) Get(name string) (vars.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[name]
	if !ok {
		return nil, false
	}
	return vars.Clone(v), true
}

// AllocIfNew returns the value under name, producing and storing it first
// if absent. produce runs without the registry lock held so it may use the
// registry itself; if another caller stores name meanwhile, that value wins
// and is returned.
func (r *Registry) AllocIfNew(name string, produce func() vars.Value) vars.Value {
	if v, ok := r.Get(name); ok {
		return v
	}
	nv := vars.OrNil(produce())

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.values[name]; ok {
		return vars.Clone(v)
	}
	r.values[name] = vars.Clone(nv)
	return nv
}

// Replace stores v under name and returns the previous value.
func (r *Registry) Replace(name string, v vars.Value) (vars.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, had := r.values[name]
	r.values[name] = vars.Clone(vars.OrNil(v))
	return old, had
}

// Update reads name, passes it to fn outside the lock and stores the
// result. It is not atomic with respect to concurrent writers of name.
func (r *Registry) Update(name string, fn func(old vars.Value, ok bool) vars.Value) vars.Value {
	old, ok := r.Get(name)
	nv := vars.OrNil(fn(old, ok))
	r.Replace(name, nv)
	return nv
}

// Delete removes name and reports whether it was present.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.values[name]
	delete(r.values, name)
	return ok
}

// Names returns all stored names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.values))
	for k := range r.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored values.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Snapshot copies every stored value.
func (r *Registry) Snapshot() map[string]vars.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]vars.Value, len(r.values))
	for k, v := range r.values {
		out[k] = vars.Clone(v)
	}
	return out
}

// Restore replaces the stored values with a copy of vals.
func (r *Registry) Restore(vals map[string]vars.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = make(map[string]vars.Value, len(vals))
	for k, v := range vals {
		r.values[k] = vars.Clone(vars.OrNil(v))
	}
}

// OnAssetLoad runs cb now if key's asset is already loaded; otherwise cb is
// kept until the asset loads and then run exactly once.
func (r *Registry) OnAssetLoad(key AssetKey, cb func()) {
	if r.loaded(key.Asset) {
		cb()
		return
	}
	r.mu.Lock()
	r.waiting[key] = append(r.waiting[key], cb)
	r.mu.Unlock()
}

// fireLoaded runs and clears the callbacks of every key whose asset has
// loaded. Keys fire in (consumer, asset, instance) order; callbacks within a
// key fire in registration order. Returns the number of callbacks run.
func (r *Registry) fireLoaded() int {
	r.mu.Lock()
	var keys []AssetKey
	for k := range r.waiting {
		if r.loaded(k.Asset) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Consumer != b.Consumer {
			return a.Consumer < b.Consumer
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Instance < b.Instance
	})
	var due []func()
	for _, k := range keys {
		due = append(due, r.waiting[k]...)
		delete(r.waiting, k)
	}
	r.mu.Unlock()

	for _, cb := range due {
		cb()
	}
	return len(due)
}

// dropConsumer discards every callback registered on behalf of consumer.
func (r *Registry) dropConsumer(consumer ConsumerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, cbs := range r.waiting {
		if k.Consumer == consumer {
			n += len(cbs)
			delete(r.waiting, k)
		}
	}
	return n
}

// PendingCallbacks returns the number of callbacks still waiting.
func (r *Registry) PendingCallbacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cbs := range r.waiting {
		n += len(cbs)
	}
	return n
}
