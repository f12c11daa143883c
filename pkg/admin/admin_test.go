package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/crystal-mush/luahost/pkg/archive"
	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scripting"
	"github.com/crystal-mush/luahost/pkg/world"
)

// fakeController records what the admin API asked the host to do.
type fakeController struct {
	mu       sync.Mutex
	saves    int
	archives []string
	confPath string
}

func (f *fakeController) StatsMap() map[string]any { return map[string]any{"ok": true} }

func (f *fakeController) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeController) Archive() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := "archive-" + string(rune('a'+len(f.archives))) + ".tar.gz"
	f.archives = append(f.archives, p)
	return p, nil
}

func (f *fakeController) Archives() ([]archive.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []archive.Info
	for _, p := range f.archives {
		out = append(out, archive.Info{Path: p})
	}
	return out, nil
}

func (f *fakeController) ConfPath() string { return f.confPath }

func (f *fakeController) ValidateConfig(data []byte) error {
	if bytes.Contains(data, []byte("tick_rate: 0")) {
		return errors.New("tick_rate must be positive")
	}
	return nil
}

type testAdmin struct {
	t     *testing.T
	srv   *httptest.Server
	ctrl  *fakeController
	rt    *scripting.Runtime
	store *assets.Store
	dir   string
	token string
}

func newTestAdmin(t *testing.T) *testAdmin {
	t.Helper()
	t.Setenv("LUAHOST_ADMIN_PASS", "")

	fsys := fstest.MapFS{
		"npc.lua": {Data: []byte(`function on_ping(n)
  registry.set("pinged", n)
end`)},
	}
	bus := events.NewBus()
	store := assets.NewStore(fsys, 1, bus)
	rt := scripting.New(world.New(), store, bus, scripting.Config{})
	t.Cleanup(rt.Close)

	dir := t.TempDir()
	conf := filepath.Join(dir, "luahost.yaml")
	os.WriteFile(conf, []byte("tick_rate: 60\n"), 0644)
	ctrl := &fakeController{confPath: conf}

	a := New(ctrl, rt, Config{DataDir: dir, JWTSecret: "test-secret", TokenExpiry: time.Hour})
	srv := httptest.NewServer(a.Handler("/admin"))
	t.Cleanup(srv.Close)
	return &testAdmin{t: t, srv: srv, ctrl: ctrl, rt: rt, store: store, dir: dir}
}

// do sends a JSON request and decodes the JSON response into out, if given.
func (ta *testAdmin) do(method, path string, body any, out any) int {
	ta.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, ta.srv.URL+"/admin"+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if ta.token != "" {
		req.Header.Set("Authorization", "Bearer "+ta.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ta.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (ta *testAdmin) login(password string) int {
	ta.t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	code := ta.do("POST", "/api/auth/login", map[string]string{"password": password}, &resp)
	if code == http.StatusOK {
		ta.token = resp.Token
	}
	return code
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAdmin(t)

	if code := ta.do("GET", "/api/status", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", code)
	}
	ta.token = "garbage"
	if code := ta.do("GET", "/api/status", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", code)
	}
	ta.token = ""
	if code := ta.login("wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d", code)
	}

	var status struct {
		Authenticated   bool `json:"authenticated"`
		DefaultPassword bool `json:"default_password"`
	}
	ta.do("GET", "/api/auth/status", nil, &status)
	if status.Authenticated || !status.DefaultPassword {
		t.Errorf("status before login = %+v", status)
	}

	if code := ta.login(defaultAdminPass); code != http.StatusOK {
		t.Fatalf("default login: status %d", code)
	}
	var stats map[string]any
	if code := ta.do("GET", "/api/status", nil, &stats); code != http.StatusOK || stats["ok"] != true {
		t.Errorf("status %d body %v", code, stats)
	}
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	ta := newTestAdmin(t)
	other := newAuthService(Config{JWTSecret: "someone-else"})
	tok, err := other.login(defaultAdminPass)
	if err != nil {
		t.Fatal(err)
	}
	ta.token = tok
	if code := ta.do("GET", "/api/status", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("foreign token: status %d", code)
	}
}

func TestRefreshAndChangePassword(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	var refreshed struct {
		Token string `json:"token"`
	}
	if code := ta.do("POST", "/api/auth/refresh", nil, &refreshed); code != http.StatusOK || refreshed.Token == "" {
		t.Fatalf("refresh: status %d", code)
	}
	ta.token = refreshed.Token

	if code := ta.do("POST", "/api/auth/change-password", map[string]string{"current": defaultAdminPass, "new": "abc"}, nil); code != http.StatusBadRequest {
		t.Errorf("short password: status %d", code)
	}
	if code := ta.do("POST", "/api/auth/change-password", map[string]string{"current": "nope", "new": "hunter22"}, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong current: status %d", code)
	}
	if code := ta.do("POST", "/api/auth/change-password", map[string]string{"current": defaultAdminPass, "new": "hunter22"}, nil); code != http.StatusOK {
		t.Fatalf("change: status %d", code)
	}
	if _, err := os.Stat(filepath.Join(ta.dir, adminPassFile)); err != nil {
		t.Errorf("hash file not written: %v", err)
	}

	ta.token = ""
	if code := ta.login(defaultAdminPass); code != http.StatusUnauthorized {
		t.Errorf("old password still accepted: %d", code)
	}
	if code := ta.login("hunter22"); code != http.StatusOK {
		t.Errorf("new password rejected: %d", code)
	}
}

func TestEnvPasswordWins(t *testing.T) {
	t.Setenv("LUAHOST_ADMIN_PASS", "from-env")
	as := newAuthService(Config{DataDir: t.TempDir()})
	if as.checkPassword(defaultAdminPass) || !as.checkPassword("from-env") {
		t.Error("env password not preferred")
	}
	if err := as.changePassword("whatever"); err == nil {
		t.Error("change allowed while env password set")
	}
}

func TestSaveAndArchive(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	if code := ta.do("POST", "/api/save", nil, nil); code != http.StatusOK || ta.ctrl.saves != 1 {
		t.Errorf("save: status %d saves %d", code, ta.ctrl.saves)
	}
	var arch struct {
		Path string `json:"path"`
	}
	if code := ta.do("POST", "/api/archive", nil, &arch); code != http.StatusOK || arch.Path == "" {
		t.Errorf("archive: status %d body %+v", code, arch)
	}
	var list struct {
		Count int `json:"count"`
	}
	ta.do("GET", "/api/archives", nil, &list)
	if list.Count != 1 {
		t.Errorf("archives count = %d", list.Count)
	}
}

func TestConfigEndpoints(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	var got struct {
		Config map[string]any `json:"config"`
	}
	if code := ta.do("GET", "/api/config", nil, &got); code != http.StatusOK || got.Config["tick_rate"] != float64(60) {
		t.Fatalf("get config: status %d body %+v", code, got)
	}

	if code := ta.do("PUT", "/api/config", map[string]any{"tick_rate": 0}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid config: status %d", code)
	}
	if code := ta.do("PUT", "/api/config", map[string]any{"tick_rate": 30}, nil); code != http.StatusOK {
		t.Fatalf("valid config: status %d", code)
	}
	data, _ := os.ReadFile(ta.ctrl.confPath)
	if !strings.Contains(string(data), "tick_rate: 30") {
		t.Errorf("config file = %q", data)
	}
	if bak, _ := os.ReadFile(ta.ctrl.confPath + ".bak"); string(bak) != "tick_rate: 60\n" {
		t.Errorf("backup = %q", bak)
	}

	req, _ := http.NewRequest("PUT", ta.srv.URL+"/admin/api/config", strings.NewReader("tick_rate: 20\nweb_port: 9000\n"))
	req.Header.Set("Content-Type", "application/yaml")
	req.Header.Set("Authorization", "Bearer "+ta.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("raw YAML put: status %d", resp.StatusCode)
	}
	data, _ = os.ReadFile(ta.ctrl.confPath)
	if string(data) != "tick_rate: 20\nweb_port: 9000\n" {
		t.Errorf("raw YAML not stored as sent: %q", data)
	}
}

func TestEntityLifecycle(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	var spawned struct {
		ID int64 `json:"id"`
	}
	code := ta.do("POST", "/api/entities", map[string]any{
		"name":       "guard",
		"components": map[string]any{"hp": 10, "pos": map[string]any{"x": 1, "y": 2, "z": 3}},
		"scripts":    []string{"npc.lua"},
	}, &spawned)
	if code != http.StatusCreated || spawned.ID == 0 {
		t.Fatalf("spawn: status %d id %d", code, spawned.ID)
	}
	if code := ta.do("POST", "/api/entities", map[string]any{"components": map[string]any{}}, nil); code != http.StatusBadRequest {
		t.Errorf("nameless spawn: status %d", code)
	}

	ta.store.Wait()
	ta.rt.Step(50 * time.Millisecond)

	var e entityJSON
	path := "/api/entities/" + jsonInt(spawned.ID)
	if code := ta.do("GET", path, nil, &e); code != http.StatusOK {
		t.Fatalf("get: status %d", code)
	}
	if e.Name != "guard" || e.Consumer != "ready" || e.Components["hp"] != float64(10) {
		t.Errorf("entity = %+v", e)
	}
	if pos, ok := e.Components["pos"].(map[string]any); !ok || pos["z"] != float64(3) {
		t.Errorf("pos = %v", e.Components["pos"])
	}

	var list struct {
		Count int `json:"count"`
	}
	ta.do("GET", "/api/entities?component=hp", nil, &list)
	if list.Count != 1 {
		t.Errorf("entities with hp = %d", list.Count)
	}

	if code := ta.do("DELETE", "/api/entities/0", nil, nil); code != http.StatusForbidden {
		t.Errorf("root despawn: status %d", code)
	}
	if code := ta.do("DELETE", path, nil, nil); code != http.StatusOK {
		t.Errorf("despawn: status %d", code)
	}
	if code := ta.do("DELETE", path, nil, nil); code != http.StatusNotFound {
		t.Errorf("second despawn: status %d", code)
	}
	if code := ta.do("GET", "/api/entities/abc", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", code)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestSendToGroup(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	ta.do("POST", "/api/entities", map[string]any{"name": "guard", "scripts": []string{"npc.lua"}}, nil)
	ta.store.Wait()
	ta.rt.Step(50 * time.Millisecond)

	if code := ta.do("POST", "/api/send", map[string]any{"to": "group", "group": "nobody.lua", "hook": "on_ping"}, nil); code != http.StatusNotFound {
		t.Errorf("unknown group: status %d", code)
	}
	if code := ta.do("POST", "/api/send", map[string]any{"to": "sideways", "hook": "on_ping"}, nil); code != http.StatusBadRequest {
		t.Errorf("bad recipient: status %d", code)
	}

	var sent struct {
		Status string `json:"status"`
	}
	code := ta.do("POST", "/api/send", map[string]any{"to": "group", "group": "npc.lua", "hook": "on_ping", "args": []any{5}}, &sent)
	if code != http.StatusOK || sent.Status != "queued" {
		t.Fatalf("send: status %d body %+v", code, sent)
	}
	ta.rt.Step(50 * time.Millisecond)

	var reg struct {
		Value any `json:"value"`
	}
	if code := ta.do("GET", "/api/registry/pinged", nil, &reg); code != http.StatusOK || reg.Value != float64(5) {
		t.Errorf("pinged: status %d value %v", code, reg.Value)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	ta := newTestAdmin(t)
	ta.login(defaultAdminPass)

	var put struct {
		Replaced bool `json:"replaced"`
		Old      any  `json:"old"`
	}
	ta.do("PUT", "/api/registry/weather", map[string]any{"value": "rain"}, &put)
	if put.Replaced {
		t.Error("first put reported a replace")
	}
	ta.do("PUT", "/api/registry/weather", map[string]any{"value": "sun"}, &put)
	if !put.Replaced || put.Old != "rain" {
		t.Errorf("second put = %+v", put)
	}

	var list struct {
		Values map[string]any `json:"values"`
	}
	ta.do("GET", "/api/registry", nil, &list)
	if list.Values["weather"] != "sun" {
		t.Errorf("registry = %v", list.Values)
	}

	if code := ta.do("DELETE", "/api/registry/weather", nil, nil); code != http.StatusOK {
		t.Errorf("delete: status %d", code)
	}
	if code := ta.do("GET", "/api/registry/weather", nil, nil); code != http.StatusNotFound {
		t.Errorf("get after delete: status %d", code)
	}
	if code := ta.do("DELETE", "/api/registry/weather", nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete: status %d", code)
	}
}
