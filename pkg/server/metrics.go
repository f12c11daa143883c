package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the host. Each Metrics has
// its own registry so several hosts can coexist in one process.
type Metrics struct {
	host     *Host
	registry *prometheus.Registry

	consumers       *prometheus.GaugeVec
	instances       *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	registryKeys    prometheus.Gauge
	pendingCallback prometheus.Gauge
	assets          *prometheus.GaugeVec
	tickDuration    prometheus.Histogram
	uptimeSeconds   prometheus.Gauge
	memoryHeapBytes prometheus.Gauge
	goroutines      prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the host.
func NewMetrics(h *Host) *Metrics {
	m := &Metrics{
		host:     h,
		registry: prometheus.NewRegistry(),
		consumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luahost_consumers",
			Help: "Script consumers by state.",
		}, []string{"state"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luahost_instances",
			Help: "Script instances by kind and outcome.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_queue_depth",
			Help: "Hook calls waiting across all consumer queues.",
		}),
		registryKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_registry_keys",
			Help: "Values stored in the shared registry.",
		}),
		pendingCallback: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_asset_callbacks_pending",
			Help: "on_load callbacks waiting for their asset.",
		}),
		assets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luahost_assets",
			Help: "Assets by load state.",
		}, []string{"state"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "luahost_tick_duration_seconds",
			Help:    "Wall time of one dispatch pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_uptime_seconds",
			Help: "Host uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahost_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	counter := func(name, help string, read func() uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(read()) })
	}
	rt := h.Runtime

	m.registry.MustRegister(
		m.consumers,
		m.instances,
		m.queueDepth,
		m.registryKeys,
		m.pendingCallback,
		m.assets,
		m.tickDuration,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
		counter("luahost_ticks_total", "Dispatch passes run.", func() uint64 { return rt.Stats().Ticks }),
		counter("luahost_hooks_fired_total", "Hook calls delivered to instances.", func() uint64 { return rt.Stats().HooksFired }),
		counter("luahost_hook_errors_total", "Hook calls that raised an error.", func() uint64 { return rt.Stats().HookErrors }),
		counter("luahost_load_errors_total", "Scripts that failed to compile or run.", func() uint64 { return rt.Stats().LoadErrors }),
		counter("luahost_messages_total", "Messages sent between scripts.", func() uint64 { return rt.Stats().MessagesSent }),
		counter("luahost_updates_queued_total", "on_update calls queued.", func() uint64 { return rt.Stats().UpdatesQueued }),
	)
	return m
}

// ObserveTick records the duration of one dispatch pass.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

// Update refreshes all gauge metrics from current host state.
func (m *Metrics) Update() {
	st := m.host.Runtime.Stats()
	m.consumers.WithLabelValues("requesting").Set(float64(st.Requesting))
	m.consumers.WithLabelValues("ready").Set(float64(st.Ready))

	is := st.Instances
	m.instances.WithLabelValues("unique").Set(float64(is.Unique))
	m.instances.WithLabelValues("shared").Set(float64(is.Shared))
	m.instances.WithLabelValues("pending").Set(float64(is.Pending))
	m.instances.WithLabelValues("failed").Set(float64(is.Failed))
	m.instances.WithLabelValues("closed").Set(float64(is.Closed))
	m.instances.WithLabelValues("updateable").Set(float64(is.Updateable))

	m.queueDepth.Set(float64(st.QueueDepth))
	m.registryKeys.Set(float64(st.RegistryKeys))
	m.pendingCallback.Set(float64(st.PendingCallbacks))

	as := m.host.Assets.Stats()
	m.assets.WithLabelValues("loading").Set(float64(as.Loading))
	m.assets.WithLabelValues("loaded").Set(float64(as.Loaded))
	m.assets.WithLabelValues("failed").Set(float64(as.Failed))

	m.uptimeSeconds.Set(m.host.Uptime().Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		inner.ServeHTTP(w, r)
	})
}
