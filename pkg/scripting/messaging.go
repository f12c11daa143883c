package scripting

import (
	"fmt"
	"sort"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/vars"
)

// RecipientKind selects how a message is addressed.
type RecipientKind int

const (
	RecipientNone RecipientKind = iota
	RecipientEntity
	RecipientGroup
	RecipientBroadcast
)

func (k RecipientKind) String() string {
	switch k {
	case RecipientNone:
		return "none"
	case RecipientEntity:
		return "entity"
	case RecipientGroup:
		return "group"
	case RecipientBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Recipient addresses a message. Build one with ToEntity, ToGroup, ToAll or
// ToNone.
type Recipient struct {
	Kind   RecipientKind
	Entity ConsumerID
	Group  string
}

func ToEntity(id ConsumerID) Recipient { return Recipient{Kind: RecipientEntity, Entity: id} }
func ToGroup(path string) Recipient    { return Recipient{Kind: RecipientGroup, Group: path} }
func ToAll() Recipient                 { return Recipient{Kind: RecipientBroadcast} }
func ToNone() Recipient                { return Recipient{} }

func (r Recipient) String() string {
	switch r.Kind {
	case RecipientEntity:
		return fmt.Sprintf("entity #%d", r.Entity)
	case RecipientGroup:
		return "group " + r.Group
	default:
		return r.Kind.String()
	}
}

// Send queues hook on every consumer r addresses. Messages never wait on
// load state: a consumer that is still loading receives the call on its
// next drain with whatever instances it has by then, possibly none.
func (rt *Runtime) Send(r Recipient, hook string, args vars.Many) error {
	var targets []*Consumer

	switch r.Kind {
	case RecipientNone:
		return nil

	case RecipientEntity:
		if c := rt.consumer(r.Entity); c != nil {
			targets = append(targets, c)
		}

	case RecipientBroadcast:
		targets = rt.consumerList()

	case RecipientGroup:
		members, ok := rt.inst.Group(cleanScriptPath(r.Group))
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, r.Group)
		}
		for _, id := range members {
			if c := rt.consumer(id); c != nil {
				targets = append(targets, c)
			}
		}

	default:
		return fmt.Errorf("scripting: bad recipient kind %d", r.Kind)
	}

	ids := make([]ConsumerID, 0, len(targets))
	for _, c := range targets {
		c.queue.Push(&HookCall{Hook: hook, Args: cloneArgs(args)})
		ids = append(ids, c.id)
	}
	rt.messages.Add(uint64(len(targets)))

	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		rt.bus.EmitToMany(ids, events.Event{
			Type: events.EvMessage,
			Hook: hook,
			Text: r.String(),
		})
	}
	return nil
}

// cloneArgs gives each recipient its own copy of the arguments.
func cloneArgs(args vars.Many) vars.Many {
	if len(args) == 0 {
		return nil
	}
	out := make(vars.Many, len(args))
	for i, a := range args {
		out[i] = vars.Clone(vars.OrNil(a))
	}
	return out
}
