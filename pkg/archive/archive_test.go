package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// fixture lays out a fake host data directory and returns archive params.
func fixture(t *testing.T) (Params, string) {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "world.bolt"), "bolt-bytes")
	writeFile(t, filepath.Join(src, "mods.db"), "sql-bytes")
	writeFile(t, filepath.Join(src, "scripts", "level.lua"), "function on_init() end")
	writeFile(t, filepath.Join(src, "scripts", "npc", "guard.lua"), "--!shared\n")
	writeFile(t, filepath.Join(src, "luahost.yaml"), "tick_rate: 60\n")
	writeFile(t, filepath.Join(src, "world.yaml"), "entities: []\n")

	checkpointed := false
	p := Params{
		BoltSnapshot: func(dst string) error {
			return copyFile(filepath.Join(src, "world.bolt"), dst)
		},
		SQLPath:       filepath.Join(src, "mods.db"),
		SQLCheckpoint: func() error { checkpointed = true; return nil },
		ScriptRoot:    filepath.Join(src, "scripts"),
		ConfPath:      filepath.Join(src, "luahost.yaml"),
		SeedPath:      filepath.Join(src, "world.yaml"),
		Dir:           filepath.Join(src, "backups"),
		Server:        "luahost test",
		Entities:      3,
		RegistryKeys:  2,
	}
	t.Cleanup(func() {
		if !checkpointed {
			t.Error("sql checkpoint not called")
		}
	})
	return p, src
}

func TestCreateAndRestore(t *testing.T) {
	p, _ := fixture(t)
	path, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Entities != 3 || m.RegistryKeys != 2 || m.Server != "luahost test" {
		t.Errorf("manifest = %+v", m)
	}
	wantTypes := map[string]string{
		"data/world.bolt":       "bolt",
		"data/mods.sqldb":       "sql",
		"scripts/level.lua":     "script",
		"scripts/npc/guard.lua": "script",
		"conf/luahost.yaml":     "conf",
		"conf/world.yaml":       "seed",
	}
	for name, typ := range wantTypes {
		if m.Files[name].Type != typ {
			t.Errorf("%s type = %q, want %q", name, m.Files[name].Type, typ)
		}
	}

	dst := t.TempDir()
	res, err := Restore(RestoreParams{
		ArchivePath: path,
		BoltDest:    filepath.Join(dst, "data", "world.bolt"),
		SQLDest:     filepath.Join(dst, "data", "mods.db"),
		ScriptDest:  filepath.Join(dst, "scripts"),
		ConfDest:    filepath.Join(dst, "luahost.yaml"),
		SeedDest:    filepath.Join(dst, "world.yaml"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRestored != 6 || len(res.Warnings) != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := readFile(t, filepath.Join(dst, "scripts", "npc", "guard.lua")); got != "--!shared\n" {
		t.Errorf("guard.lua = %q", got)
	}
	if got := readFile(t, filepath.Join(dst, "data", "world.bolt")); got != "bolt-bytes" {
		t.Errorf("bolt = %q", got)
	}
}

func TestRestoreKeepsDifferingConfig(t *testing.T) {
	p, _ := fixture(t)
	path, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	conf := filepath.Join(dst, "luahost.yaml")
	writeFile(t, conf, "tick_rate: 30\n")

	res, err := Restore(RestoreParams{ArchivePath: path, ConfDest: conf})
	if err != nil {
		t.Fatal(err)
	}
	if readFile(t, conf) != "tick_rate: 30\n" || len(res.Warnings) != 1 {
		t.Errorf("local config replaced without Overwrite: %+v", res)
	}

	if _, err := Restore(RestoreParams{ArchivePath: path, ConfDest: conf, Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	if readFile(t, conf) != "tick_rate: 60\n" {
		t.Error("Overwrite did not replace config")
	}
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tar.gz")
	writeFile(t, path, "not gzip")
	if _, err := Restore(RestoreParams{ArchivePath: path}); err == nil {
		t.Error("corrupt archive accepted")
	}
}

func TestListAndPrune(t *testing.T) {
	p, _ := fixture(t)
	p.BoltSnapshot = nil
	p.SQLPath = ""
	p.ScriptRoot = ""
	// SQLCheckpoint only runs with an SQL path; call it once for the cleanup check.
	p.SQLCheckpoint()

	var made []string
	for i := 0; i < 4; i++ {
		p.Entities = i
		path, err := Create(p)
		if err != nil {
			t.Fatal(err)
		}
		made = append(made, path)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := List(p.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 || list[0].Entities != 3 || list[3].Entities != 0 {
		t.Fatalf("list = %+v", list)
	}

	n, err := Prune(p.Dir, 2)
	if err != nil || n != 2 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	list, _ = List(p.Dir)
	if len(list) != 2 || !strings.HasSuffix(made[3], list[0].Filename) {
		t.Errorf("after prune: %+v", list)
	}

	if n, _ := Prune(p.Dir, 0); n != 0 {
		t.Error("keep 0 pruned archives")
	}
	if list, err := List(filepath.Join(p.Dir, "missing")); err != nil || len(list) != 0 {
		t.Errorf("missing dir: %v, %v", list, err)
	}
}
