package scripting

import (
	"log"
	"sync"

	"github.com/crystal-mush/luahost/pkg/vars"
)

// Standard hook names.
const (
	HookInit   = "on_init"
	HookUpdate = "on_update"
)

// queueWarnDepth is the depth at which a queue is reported as backed up.
// Calls are never dropped.
const queueWarnDepth = 10000

// HookCall is one pending hook invocation. It may fire once every id in
// Required is resolved; an empty Required is always fireable.
type HookCall struct {
	Required []InstanceID
	Hook     string
	Args     vars.Many
}

// fireable reports whether every required id is resolved.
func (c *HookCall) fireable(resolved func(InstanceID) bool) bool {
	for _, id := range c.Required {
		if !resolved(id) {
			return false
		}
	}
	return true
}

// HookQueue is the ordered list of pending calls for one consumer.
type HookQueue struct {
	mu     sync.Mutex
	owner  ConsumerID
	calls  []*HookCall
	warned bool
}

// NewHookQueue creates an empty queue for owner.
func NewHookQueue(owner ConsumerID) *HookQueue {
	return &HookQueue{owner: owner}
}

// Push appends a call.
func (q *HookQueue) Push(call *HookCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, call)
	if len(q.calls) >= queueWarnDepth && !q.warned {
		q.warned = true
		log.Printf("QUEUE: consumer #%d has %d pending calls (is the dispatch loop stalled?)", q.owner, len(q.calls))
	}
}

// Len returns the number of pending calls.
func (q *HookQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// Take removes and returns the fireable calls in queue order. Blocked calls
// stay queued in their original order.
func (q *HookQueue) Take(resolved func(InstanceID) bool) []*HookCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	var fire []*HookCall
	var blocked []*HookCall
	for _, c := range q.calls {
		if c.fireable(resolved) {
			fire = append(fire, c)
		} else {
			blocked = append(blocked, c)
		}
	}
	q.calls = blocked
	if len(q.calls) < queueWarnDepth {
		q.warned = false
	}
	return fire
}

// Pending returns a copy of the queued calls, oldest first.
func (q *HookQueue) Pending() []HookCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]HookCall, len(q.calls))
	for i, c := range q.calls {
		out[i] = *c
	}
	return out
}

// Clear drops every pending call and returns how many were removed.
func (q *HookQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.calls)
	q.calls = nil
	return n
}
