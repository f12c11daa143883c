package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/luahost/pkg/admin"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/world"
)

// wsBuffer is how many events a slow websocket client may fall behind
// before further events are dropped for it.
const wsBuffer = 256

// WebServer exposes health, metrics, stats and a websocket event stream.
type WebServer struct {
	host     *Host
	httpSrv  *http.Server
	mux      *http.ServeMux
	rl       *rateLimiter
	upgrader websocket.Upgrader
	clients  atomic.Int64
	done     chan struct{}
}

// NewWebServer creates a web server bound to the host.
func NewWebServer(h *Host) *WebServer {
	cfg := h.Config
	ws := &WebServer{
		host: h,
		mux:  http.NewServeMux(),
		rl:   newRateLimiter(cfg.WebRateLimit),
		done: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.WebCORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.WebCORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}

	// Apply global middleware: CORS -> rate limit
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(cfg.WebCORSOrigins, handler)

	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.WebHost, cfg.WebPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", h.Metrics.Handler())
	ws.mux.HandleFunc("GET /api/v1/stats", ws.handleStats)

	if cfg.AdminEnabled {
		adm := admin.New(h, h.Runtime, admin.Config{
			DataDir:     cfg.DataDir(),
			JWTSecret:   cfg.JWTSecret,
			TokenExpiry: time.Duration(cfg.JWTExpiry) * time.Second,
		})
		ws.mux.Handle("/admin/", adm.Handler("/admin"))
		log.Printf("web: admin API enabled at /admin/api/")
	}
	return ws
}

// Handler returns the full middleware-wrapped handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.httpSrv.Handler
}

// Start begins listening and blocks until Stop.
func (ws *WebServer) Start() error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ws.rl.cleanup()
			case <-ws.done:
				return
			}
		}
	}()

	log.Printf("Web server listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	select {
	case <-ws.done:
	default:
		close(ws.done)
	}
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket event stream ---

// WSMessage is the JSON form of one runtime event.
type WSMessage struct {
	Type     string         `json:"type"`
	Consumer int64          `json:"consumer"`
	Instance uint64         `json:"instance,omitempty"`
	Path     string         `json:"path,omitempty"`
	Hook     string         `json:"hook,omitempty"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

func toWSMessage(ev events.Event) WSMessage {
	return WSMessage{
		Type:     ev.Type.String(),
		Consumer: int64(ev.Consumer),
		Instance: ev.Instance,
		Path:     ev.Path,
		Hook:     ev.Hook,
		Text:     ev.Text,
		Data:     ev.Data,
		Time:     ev.Time,
	}
}

// wsSubscriber forwards bus events to one websocket client. Receive never
// blocks the runtime: when the buffer is full the event is dropped.
type wsSubscriber struct {
	out     chan events.Event
	closed  atomic.Bool
	dropped atomic.Int64
}

func newWSSubscriber() *wsSubscriber {
	return &wsSubscriber{out: make(chan events.Event, wsBuffer)}
}

func (s *wsSubscriber) Receive(ev events.Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *wsSubscriber) Closed() bool { return s.closed.Load() }

// handleWebSocket streams runtime events. ?consumer=<id> narrows the stream
// to one consumer; otherwise every event is sent.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	consumer := world.Nothing
	if q := r.URL.Query().Get("consumer"); q != "" {
		id, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid consumer"}`, http.StatusBadRequest)
			return
		}
		consumer = world.EntityID(id)
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	sub := newWSSubscriber()
	bus := ws.host.Bus
	if consumer == world.Nothing {
		bus.SubscribeGlobal(sub)
	} else {
		bus.Subscribe(consumer, sub)
	}
	n := ws.clients.Add(1)
	addr := clientIP(r)
	log.Printf("[ws] %s connected (%d watching)", addr, n)

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for {
			// Clients only listen; reads exist to notice the close.
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[ws] %s read error: %v", addr, err)
				}
				return
			}
		}
	}()

	defer func() {
		sub.closed.Store(true)
		if consumer == world.Nothing {
			bus.UnsubscribeGlobal(sub)
		} else {
			bus.Unsubscribe(consumer, sub)
		}
		conn.Close()
		ws.clients.Add(-1)
		if d := sub.dropped.Load(); d > 0 {
			log.Printf("[ws] %s closed, %d events dropped", addr, d)
		} else {
			log.Printf("[ws] %s closed", addr)
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ws.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case ev := <-sub.out:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(toWSMessage(ev)); err != nil {
				return
			}
		}
	}
}

// --- Health and stats ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": ws.host.Uptime().Seconds(),
		"ticks":          ws.host.Runtime.Stats().Ticks,
	})
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := ws.host.StatsMap()
	stats["websocket_clients"] = ws.clients.Load()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
