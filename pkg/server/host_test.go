package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

const testSeed = `
entities:
  - name: guard
    components: {hp: 10}
    scripts: [npc.lua]
`

var testScripts = map[string]string{
	"level.lua": `function on_init()
  registry.update("boots", function(n) return (n or 0) + 1 end)
end`,
	"npc.lua": `function on_init()
  world:set(entity, "hp", world:get(entity, "hp") + 1)
end`,
}

// testConfig lays out scripts, seed and bolt file under dir.
func testConfig(t *testing.T, dir string) *Config {
	t.Helper()
	root := filepath.Join(dir, "scripts")
	os.MkdirAll(root, 0755)
	for name, src := range testScripts {
		os.WriteFile(filepath.Join(root, name), []byte(src), 0644)
	}
	seed := filepath.Join(dir, "world.yaml")
	os.WriteFile(seed, []byte(testSeed), 0644)

	cfg := DefaultConfig()
	cfg.ScriptRoot = root
	cfg.WorldFile = seed
	cfg.BoltPath = filepath.Join(dir, "data", "world.bolt")
	cfg.WatchScripts = false
	cfg.WebEnabled = false
	return cfg
}

func bootHost(t *testing.T, cfg *Config) *Host {
	t.Helper()
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	if err := h.Boot(); err != nil {
		t.Fatal(err)
	}
	h.Assets.Wait()
	for i := 0; i < 3; i++ {
		h.Runtime.Step(50 * time.Millisecond)
	}
	return h
}

func guardHP(t *testing.T, h *Host) vars.Value {
	t.Helper()
	var hp vars.Value
	h.World.WithRead(func(v *world.View) {
		ids := v.Find("guard")
		if len(ids) != 1 {
			t.Fatalf("guards = %v", ids)
		}
		hp, _ = v.Component(ids[0], "hp")
	})
	return hp
}

func TestHostBootSaveRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	h := bootHost(t, cfg)
	if !vars.Equal(guardHP(t, h), vars.Number(11)) {
		t.Fatalf("seeded guard hp = %v", guardHP(t, h))
	}
	if boots, _ := h.Runtime.Registry().Get("boots"); !vars.Equal(boots, vars.Number(1)) {
		t.Fatalf("boots = %v", boots)
	}
	if err := h.Save(); err != nil {
		t.Fatal(err)
	}
	h.Close()

	// Second boot restores from bolt instead of re-seeding.
	h2 := bootHost(t, cfg)
	if n := h2.World.Len(); n != 2 {
		t.Errorf("entities after restore = %d, want root + guard", n)
	}
	if !vars.Equal(guardHP(t, h2), vars.Number(12)) {
		t.Errorf("restored guard hp = %v, want on_init to run again on saved state", guardHP(t, h2))
	}
	if boots, _ := h2.Runtime.Registry().Get("boots"); !vars.Equal(boots, vars.Number(2)) {
		t.Errorf("boots after restore = %v", boots)
	}
}

func TestHostRunStopsAndSaves(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.TickRate = 200
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if err := h.Boot(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.Runtime.Stats().Ready < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if st := h.Runtime.Stats(); st.Ready != 2 || st.HooksFired < 2 {
		t.Errorf("stats = %+v", st)
	}
	if !h.store.HasData() {
		t.Error("Run did not save on shutdown")
	}
}

func TestNewHostRejectsMissingScriptRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScriptRoot = filepath.Join(t.TempDir(), "nope")
	if _, err := NewHost(cfg); err == nil {
		t.Error("missing script root accepted")
	}
}

func newTestWeb(t *testing.T) (*Host, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t, t.TempDir())
	cfg.BoltPath = ""
	h := bootHost(t, cfg)
	ws := NewWebServer(h)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func getBody(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestHealthAndStats(t *testing.T) {
	_, srv := newTestWeb(t)

	var health map[string]any
	json.Unmarshal([]byte(getBody(t, srv.URL+"/health")), &health)
	if health["status"] != "ok" || health["version"] != Version {
		t.Errorf("health = %v", health)
	}

	var stats struct {
		Entities int `json:"entities"`
		Runtime  struct {
			Ready     int `json:"ready"`
			Instances struct {
				Unique int `json:"unique"`
			} `json:"instances"`
		} `json:"runtime"`
		Assets struct {
			Paths []string `json:"paths"`
		} `json:"assets"`
	}
	if err := json.Unmarshal([]byte(getBody(t, srv.URL+"/api/v1/stats")), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Entities != 2 || stats.Runtime.Ready != 2 || stats.Runtime.Instances.Unique != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if got := strings.Join(stats.Assets.Paths, ","); got != "level.lua,npc.lua" {
		t.Errorf("asset paths = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestWeb(t)
	body := getBody(t, srv.URL+"/metrics")
	for _, want := range []string{
		"luahost_ticks_total 3",
		`luahost_consumers{state="ready"} 2`,
		"luahost_hooks_fired_total",
		"luahost_tick_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	h, srv := newTestWeb(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Bus.GlobalSubscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Bus.Emit(events.Event{Type: events.EvText, Consumer: 7, Text: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "text" || msg.Consumer != 7 || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestRateLimit(t *testing.T) {
	rl := newRateLimiter(60)
	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 6 {
		t.Errorf("allowed %d in a burst, want 6", allowed)
	}
	if !rl.allow("10.0.0.2") {
		t.Error("second client throttled by the first")
	}

	unlimited := newRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !unlimited.allow("x") {
			t.Fatal("limit 0 throttled")
		}
	}
}

func TestCORS(t *testing.T) {
	h := corsMiddleware([]string{"https://ok.example"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ok.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ok.example" {
		t.Error("allowed origin not echoed")
	}

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestHostArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.ArchiveDir = filepath.Join(dir, "archives")
	cfg.ArchiveRetain = 2
	h := bootHost(t, cfg)

	var last string
	for i := 0; i < 3; i++ {
		p, err := h.Archive()
		if err != nil {
			t.Fatal(err)
		}
		last = p
		time.Sleep(5 * time.Millisecond)
	}
	list, err := h.Archives()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("archives after prune = %d, want 2", len(list))
	}
	if list[0].Path != last || list[0].Entities != 2 || list[0].RegistryKeys != 1 {
		t.Errorf("newest archive = %+v", list[0])
	}
}

func TestAdminMountedWhenEnabled(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.BoltPath = ""
	cfg.AdminEnabled = true
	cfg.JWTSecret = "test"
	h := bootHost(t, cfg)
	srv := httptest.NewServer(NewWebServer(h).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("admin status without token = %d", resp.StatusCode)
	}
}
