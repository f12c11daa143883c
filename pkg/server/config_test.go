package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystal-mush/luahost/pkg/vars"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.TickInterval(); got != time.Second/60 {
		t.Errorf("TickInterval = %v", got)
	}
	rc := cfg.Runtime(nil)
	if rc.FixedStep != 50*time.Millisecond || rc.SQL != nil {
		t.Errorf("Runtime() = %+v", rc)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "luahost.yaml")
	os.WriteFile(path, []byte(`
script_root: mods
level_scripts: [level.lua, weather.lua]
tick_rate: 30
fixed_timestep_ms: 20
max_compiles_per_tick: 4
script_timeout_ms: 250
bolt_path: /var/lib/luahost.bolt
sql_enabled: true
web_enabled: false
web_cors_origins: ["https://example.org"]
`), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScriptRoot != filepath.Join(dir, "mods") {
		t.Errorf("script_root = %q, want resolved against config dir", cfg.ScriptRoot)
	}
	if cfg.BoltPath != "/var/lib/luahost.bolt" {
		t.Errorf("absolute bolt_path rewritten: %q", cfg.BoltPath)
	}
	if cfg.SQLDatabase != filepath.Join(dir, "data/mods.db") {
		t.Errorf("default sql_database = %q", cfg.SQLDatabase)
	}
	if len(cfg.LevelScripts) != 2 || cfg.TickRate != 30 || cfg.WebEnabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SQLQueryLimit != 100 {
		t.Errorf("unset key lost its default: sql_query_limit = %d", cfg.SQLQueryLimit)
	}
	rc := cfg.Runtime(nil)
	if rc.FixedStep != 20*time.Millisecond || rc.MaxCompilesPerTick != 4 || rc.ScriptTimeout != 250*time.Millisecond {
		t.Errorf("Runtime() = %+v", rc)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"tick rate", "tick_rate: 0", "tick_rate"},
		{"fixed step", "fixed_timestep_ms: -5", "fixed_timestep_ms"},
		{"web port", "web_port: 70000", "web_port"},
		{"sql path", "sql_enabled: true\nsql_database: \"\"", "sql_database"},
		{"bad yaml", "tick_rate: [", "parsing YAML"},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "c.yaml")
		os.WriteFile(path, []byte(tt.yaml), 0644)
		_, err := LoadConfig(path)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.yaml")
	os.WriteFile(path, []byte(`
entities:
  - name: guard
    scripts: [npc/guard.lua]
    components:
      hp: 10
      pos: {x: 1, y: 2.5, z: 0}
      tags: [npc, armed]
      stats: {x: 1, y: 2}
  - name: lamp
`), 0644)

	s, err := LoadSeed(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Entities) != 2 || s.Entities[0].Scripts[0] != "npc/guard.lua" {
		t.Fatalf("seed = %+v", s)
	}
	comps, err := s.Entities[0].ComponentValues()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]vars.Value{
		"hp":    vars.Number(10),
		"pos":   vars.Vec3{X: 1, Y: 2.5},
		"tags":  vars.List{vars.String("npc"), vars.String("armed")},
		"stats": vars.Map{"x": vars.Number(1), "y": vars.Number(2)},
	}
	for k, w := range want {
		if !vars.Equal(comps[k], w) {
			t.Errorf("%s = %v, want %v", k, comps[k], w)
		}
	}

	os.WriteFile(path, []byte("entities:\n  - scripts: [a.lua]\n"), 0644)
	if _, err := LoadSeed(path); err == nil {
		t.Error("nameless entity accepted")
	}
}
