package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/crystal-mush/luahost/pkg/boltstore"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/server"
	"github.com/crystal-mush/luahost/pkg/world"
)

func main() {
	seedPath := flag.String("world", "", "Path to YAML world seed")
	boltPath := flag.String("bolt", "", "Path to bbolt database to inspect or import into")
	doImport := flag.Bool("import", false, "Write the seed into the bolt database, replacing its world")
	scriptRoot := flag.String("scripts", "", "Script root; check that every referenced script exists")
	showEntity := flag.Int64("entity", -1, "Show details for one entity by id")
	showComps := flag.Bool("components", false, "Show component usage statistics")
	showRegistry := flag.Bool("registry", false, "List registry values stored in bolt")
	flag.Parse()

	if *seedPath == "" && *boltPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: worldloader -world <seed.yaml> [-scripts <dir>] [-bolt <file> -import]")
		fmt.Fprintln(os.Stderr, "       worldloader -bolt <file> [options]")
		fmt.Fprintln(os.Stderr, "  -entity <id>   Show entity details")
		fmt.Fprintln(os.Stderr, "  -components    Show component usage stats")
		fmt.Fprintln(os.Stderr, "  -registry      List stored registry values")
		os.Exit(1)
	}
	if *doImport && (*seedPath == "" || *boltPath == "") {
		fmt.Fprintln(os.Stderr, "ERROR: -import needs both -world and -bolt")
		os.Exit(1)
	}

	var ents []*world.Entity
	var store *boltstore.Store
	start := time.Now()

	if *boltPath != "" {
		var err error
		store, err = boltstore.Open(*boltPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	if *seedPath != "" {
		fmt.Printf("Loading seed: %s\n", *seedPath)
		w, err := loadSeed(*seedPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		ents = w.Snapshot()
		if *doImport {
			if err := store.SaveWorld(ents); err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Imported %d entities into %s\n", len(ents), *boltPath)
		}
	} else {
		fmt.Printf("Loading bolt: %s\n", *boltPath)
		var err error
		ents, err = store.LoadWorld()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("Loaded in %v\n\n", time.Since(start))

	// Always print summary
	printSummary(ents, store)

	missing := false
	if *scriptRoot != "" {
		fmt.Println()
		missing = !checkScripts(ents, *scriptRoot)
	}

	if *showEntity >= 0 {
		fmt.Println()
		printEntity(ents, world.EntityID(*showEntity))
	}

	if *showComps {
		fmt.Println()
		printComponentStats(ents)
	}

	if *showRegistry {
		fmt.Println()
		printRegistry(store)
	}

	if missing {
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
}

// loadSeed spawns a seed's entities into a fresh world.
func loadSeed(path string) (*world.World, error) {
	s, err := server.LoadSeed(path)
	if err != nil {
		return nil, err
	}
	w := world.New()
	for _, se := range s.Entities {
		comps, err := se.ComponentValues()
		if err != nil {
			return nil, err
		}
		w.WithWrite(func(tx *world.Txn) {
			tx.Spawn(se.Name, comps, se.Scripts)
		})
	}
	return w, nil
}

func printSummary(ents []*world.Entity, store *boltstore.Store) {
	fmt.Println("=== WORLD SUMMARY ===")
	if store != nil {
		if meta, err := store.Meta(); err == nil && !meta.SavedAt.IsZero() {
			fmt.Printf("Format:         %d\n", meta.Format)
			fmt.Printf("Saved:          %s (%s)\n", meta.SavedAt.Format("2006-01-02 15:04"), humanize.Time(meta.SavedAt))
			fmt.Printf("Registry keys:  %d\n", meta.Values)
		}
		if fi, err := os.Stat(store.Path()); err == nil {
			fmt.Printf("File size:      %s\n", humanize.Bytes(uint64(fi.Size())))
		}
	}
	fmt.Printf("Entities:       %d\n", len(ents))

	scripted := 0
	comps := 0
	paths := make(map[string]bool)
	for _, e := range ents {
		comps += len(e.Components)
		if len(e.Scripts) > 0 {
			scripted++
		}
		for _, p := range e.Scripts {
			paths[p] = true
		}
	}
	fmt.Printf("With scripts:   %d\n", scripted)
	fmt.Printf("Script paths:   %d distinct\n", len(paths))
	fmt.Printf("\nTotal components across all entities: %d\n", comps)
}

// checkScripts reports each referenced script's instancing kind, or that
// it is missing. It returns false when any script is missing.
func checkScripts(ents []*world.Entity, root string) bool {
	fmt.Println("=== SCRIPTS ===")
	users := make(map[string]int)
	for _, e := range ents {
		for _, p := range e.Scripts {
			users[p]++
		}
	}
	paths := make([]string, 0, len(users))
	for p := range users {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ok := true
	fmt.Printf("%-40s %-13s %s\n", "Path", "Kind", "Entities")
	fmt.Println(strings.Repeat("-", 65))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
		kind := "MISSING"
		if err == nil {
			kind = scriptsrc.Parse(p, data).Kind.String()
		} else {
			ok = false
		}
		fmt.Printf("%-40s %-13s %d\n", truncate(p, 40), kind, users[p])
	}
	return ok
}

func printEntity(ents []*world.Entity, id world.EntityID) {
	var e *world.Entity
	for _, x := range ents {
		if x.ID == id {
			e = x
			break
		}
	}
	if e == nil {
		fmt.Printf("Entity #%d not found\n", id)
		return
	}
	fmt.Printf("=== ENTITY #%d ===\n", e.ID)
	fmt.Printf("Name:     %s\n", e.Name)
	if !e.Spawned.IsZero() {
		fmt.Printf("Spawned:  %s\n", e.Spawned.Format("2006-01-02 15:04:05"))
		fmt.Printf("Modified: %s\n", e.LastMod.Format("2006-01-02 15:04:05"))
	}
	if len(e.Scripts) > 0 {
		fmt.Printf("Scripts:  %s\n", strings.Join(e.Scripts, ", "))
	}
	fmt.Printf("\nComponents (%d):\n", len(e.Components))
	for _, name := range e.ComponentNames() {
		fmt.Printf("  %-20s %s\n", name, e.Components[name])
	}
}

func printComponentStats(ents []*world.Entity) {
	fmt.Println("=== COMPONENT USAGE ===")
	counts := make(map[string]int)
	for _, e := range ents {
		for name := range e.Components {
			counts[name]++
		}
	}
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	fmt.Printf("%-25s %s\n", "Component", "Entities")
	fmt.Println(strings.Repeat("-", 40))
	for _, n := range names {
		fmt.Printf("%-25s %d\n", truncate(n, 25), counts[n])
	}
}

func printRegistry(store *boltstore.Store) {
	fmt.Println("=== REGISTRY ===")
	if store == nil {
		fmt.Println("(no bolt database)")
		return
	}
	vals, err := store.LoadRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	names := make([]string, 0, len(vals))
	for n := range vals {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("  %-25s %s\n", truncate(n, 25), truncate(vals[n].String(), 50))
	}
	fmt.Printf("\nTotal values: %d\n", len(vals))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
