package server

import (
	"runtime"

	"github.com/dustin/go-humanize"
)

// RuntimeStats returns consumer, instance and dispatch counters.
func (h *Host) RuntimeStats() map[string]any {
	st := h.Runtime.Stats()
	return map[string]any{
		"ticks":             st.Ticks,
		"consumers":         st.Consumers,
		"requesting":        st.Requesting,
		"ready":             st.Ready,
		"queue_depth":       st.QueueDepth,
		"hooks_fired":       st.HooksFired,
		"hook_errors":       st.HookErrors,
		"load_errors":       st.LoadErrors,
		"messages_sent":     st.MessagesSent,
		"updates_queued":    st.UpdatesQueued,
		"registry_keys":     st.RegistryKeys,
		"pending_callbacks": st.PendingCallbacks,
		"last_tick_us":      st.LastTick.Microseconds(),
		"elapsed_seconds":   st.Elapsed.Seconds(),
		"instances": map[string]int{
			"total":      st.Instances.Total,
			"unique":     st.Instances.Unique,
			"shared":     st.Instances.Shared,
			"pending":    st.Instances.Pending,
			"failed":     st.Instances.Failed,
			"closed":     st.Instances.Closed,
			"updateable": st.Instances.Updateable,
			"paths":      st.Instances.Paths,
		},
	}
}

// AssetStats returns asset counts by state.
func (h *Host) AssetStats() map[string]any {
	st := h.Assets.Stats()
	return map[string]any{
		"loading":      st.Loading,
		"loaded":       st.Loaded,
		"failed":       st.Failed,
		"bytes":        st.Bytes,
		"bytes_pretty": humanize.Bytes(st.Bytes),
		"paths":        h.Assets.Paths(),
	}
}

// MemoryStats returns Go runtime memory statistics.
func (h *Host) MemoryStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"heap_alloc_bytes":  m.HeapAlloc,
		"heap_inuse_bytes":  m.HeapInuse,
		"heap_alloc":        humanize.Bytes(m.HeapAlloc),
		"goroutines":        runtime.NumGoroutine(),
		"gc_cycles":         m.NumGC,
		"gc_pause_total_ns": m.PauseTotalNs,
	}
}

// StatsMap is the body of /api/v1/stats.
func (h *Host) StatsMap() map[string]any {
	return map[string]any{
		"version":        Version,
		"uptime_seconds": h.Uptime().Seconds(),
		"uptime":         humanize.Time(h.started),
		"entities":       h.World.Len(),
		"runtime":        h.RuntimeStats(),
		"assets":         h.AssetStats(),
		"memory":         h.MemoryStats(),
	}
}
