package events

import (
	"time"

	"github.com/crystal-mush/luahost/pkg/world"
)

// EventType classifies runtime events.
type EventType int

const (
	EvText           EventType = iota // Script print/log output
	EvConsumerReady                   // All scripts of a consumer resolved
	EvInstanceLoaded                  // Interpreter instance compiled its source
	EvInstanceFailed                  // Source failed to compile or run
	EvHookError                       // A hook raised an error
	EvAssetLoaded                     // Asset finished loading
	EvAssetFailed                     // Asset could not be read
	EvAssetChanged                    // Script file changed on disk
	EvDespawn                         // Consumer removed
	EvMessage                         // Message queued by a script
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvText:
		return "text"
	case EvConsumerReady:
		return "consumer_ready"
	case EvInstanceLoaded:
		return "instance_loaded"
	case EvInstanceFailed:
		return "instance_failed"
	case EvHookError:
		return "hook_error"
	case EvAssetLoaded:
		return "asset_loaded"
	case EvAssetFailed:
		return "asset_failed"
	case EvAssetChanged:
		return "asset_changed"
	case EvDespawn:
		return "despawn"
	case EvMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a structured runtime event that flows through the event bus.
type Event struct {
	Type     EventType
	Consumer world.EntityID // Subject consumer (world.Nothing for none)
	Instance uint64         // Interpreter instance id, when applicable
	Path     string         // Script or asset path
	Hook     string         // Hook name (EvHookError, EvMessage)
	Text     string         // Pre-formatted text
	Data     map[string]any // Structured data for JSON clients
	Time     time.Time
}
