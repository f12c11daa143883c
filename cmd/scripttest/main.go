package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/interp"
	"github.com/crystal-mush/luahost/pkg/scripting"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// printer writes every bus event to stdout.
type printer struct{}

func (printer) Receive(ev events.Event) {
	switch {
	case ev.Text != "":
		fmt.Printf("  [%s #%d] %s\n", ev.Type, ev.Consumer, ev.Text)
	case ev.Hook != "":
		fmt.Printf("  [%s #%d] %s %s\n", ev.Type, ev.Consumer, ev.Path, ev.Hook)
	default:
		fmt.Printf("  [%s #%d] %s\n", ev.Type, ev.Consumer, ev.Path)
	}
}

func (printer) Closed() bool { return false }

func main() {
	root := flag.String("scripts", ".", "Script root directory")
	run := flag.String("run", "", "Comma-separated scripts to request for the root entity")
	ticks := flag.Int("ticks", 10, "Dispatch passes to run with -run")
	step := flag.Duration("step", 50*time.Millisecond, "Frame delta per pass")
	fixed := flag.Duration("fixed", 50*time.Millisecond, "on_update period")
	quiet := flag.Bool("q", false, "Do not print runtime events")
	expr := flag.String("e", "", "Expression to evaluate (non-interactive mode)")
	batch := flag.String("batch", "", "File with expressions to evaluate (one per line)")
	flag.Parse()

	if *run != "" {
		os.Exit(runScripts(*root, strings.Split(*run, ","), *ticks, *step, *fixed, *quiet))
	}

	in := interp.New(0, "", interp.Options{})
	defer in.Close()

	if *expr != "" {
		// Single expression mode
		fmt.Println(eval(in, *expr))
		return
	}

	if *batch != "" {
		f, err := os.Open(*batch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening batch file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		failed := 0
		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			// Format: expression | expected_result (optional)
			parts := strings.SplitN(line, " | ", 2)
			result := eval(in, parts[0])
			if len(parts) == 2 {
				status := "PASS"
				if result != parts[1] {
					status = "FAIL"
					failed++
				}
				fmt.Printf("[%s] Line %d: %s\n", status, lineNum, parts[0])
				if status == "FAIL" {
					fmt.Printf("  Expected: %s\n", parts[1])
					fmt.Printf("  Got:      %s\n", result)
				}
			} else {
				fmt.Printf("Line %d: %s => %s\n", lineNum, parts[0], result)
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	// Interactive REPL mode
	fmt.Println("luahost sandbox")
	fmt.Println("Type Lua expressions or statements. Ctrl+C to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("lua> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		fmt.Println(eval(in, line))
	}
}

// eval runs line as an expression, falling back to a statement when it
// does not parse as one. Globals persist between calls.
func eval(in *interp.Instance, line string) string {
	err := in.Exec(scriptsrc.Parse("", []byte("__result = ("+line+")")))
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorSyntax {
		err = in.Exec(scriptsrc.Parse("", []byte("__result = nil\n"+line)))
	}
	if err != nil {
		return "ERROR: " + err.Error()
	}
	v, err := in.Global("__result")
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return format(v)
}

// format prints strings bare and everything else in value notation.
func format(v vars.Value) string {
	v = vars.OrNil(v)
	if s, ok := v.(vars.String); ok {
		return string(s)
	}
	return v.String()
}

// runScripts boots a one-entity world with paths as its level scripts and
// runs it for n passes. It returns the process exit code.
func runScripts(root string, paths []string, n int, dt, fixed time.Duration, quiet bool) int {
	bus := events.NewBus()
	if !quiet {
		bus.SubscribeGlobal(printer{})
	}
	w := world.New()
	store := assets.NewStore(os.DirFS(root), 0, bus)
	rt := scripting.New(w, store, bus, scripting.Config{FixedStep: fixed})
	defer rt.Close()

	if err := rt.RequestScripts(world.Root, paths); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	store.Wait()

	start := time.Now()
	for i := 0; i < n; i++ {
		rt.Step(dt)
	}
	elapsed := time.Since(start)

	st := rt.Stats()
	fmt.Println()
	fmt.Printf("Passes:          %d (%v wall, %v simulated)\n", st.Ticks, elapsed.Round(time.Microsecond), st.Elapsed)
	fmt.Printf("Consumers:       %d ready, %d requesting\n", st.Ready, st.Requesting)
	fmt.Printf("Instances:       %d unique, %d shared, %d failed\n", st.Instances.Unique, st.Instances.Shared, st.Instances.Failed)
	fmt.Printf("Hooks fired:     %d (%d errors)\n", st.HooksFired, st.HookErrors)
	fmt.Printf("Load errors:     %d\n", st.LoadErrors)
	fmt.Printf("Messages sent:   %d\n", st.MessagesSent)
	fmt.Printf("Registry keys:   %d\n", st.RegistryKeys)
	for _, name := range rt.Registry().Names() {
		v, _ := rt.Registry().Get(name)
		fmt.Printf("  %s = %s\n", name, format(v))
	}
	if st.HookErrors > 0 || st.LoadErrors > 0 || st.Requesting > 0 {
		return 1
	}
	return 0
}
