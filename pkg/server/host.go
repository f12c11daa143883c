package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/crystal-mush/luahost/pkg/assets"
	"github.com/crystal-mush/luahost/pkg/boltstore"
	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scripting"
	"github.com/crystal-mush/luahost/pkg/sqldb"
	"github.com/crystal-mush/luahost/pkg/world"
)

// Host owns one running simulation: the world, the asset store, the
// scripting runtime and everything that persists or observes them.
type Host struct {
	Config  *Config
	World   *world.World
	Assets  *assets.Store
	Bus     *events.Bus
	Runtime *scripting.Runtime
	Metrics *Metrics

	store *boltstore.Store
	sql   *sqldb.Store
	web   *WebServer

	saveMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	started   time.Time
}

// NewHost opens the configured stores and builds the runtime. It does not
// request any scripts; call Boot for that.
func NewHost(cfg *Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ScriptRoot); err != nil {
		return nil, fmt.Errorf("script root: %w", err)
	}

	h := &Host{
		Config:  cfg,
		World:   world.New(),
		Bus:     events.NewBus(),
		started: time.Now(),
	}
	h.Assets = assets.NewStore(os.DirFS(cfg.ScriptRoot), cfg.LoadWorkers, h.Bus)

	if cfg.BoltPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0755); err != nil {
			return nil, fmt.Errorf("bolt dir: %w", err)
		}
		st, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		h.store = st
	}

	var backend scripting.SQLBackend
	if cfg.SQLEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLDatabase), 0755); err != nil {
			h.Close()
			return nil, fmt.Errorf("sql dir: %w", err)
		}
		db, err := sqldb.Open(cfg.SQLDatabase, cfg.SQLQueryLimit, time.Duration(cfg.SQLTimeout)*time.Second)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.sql = db
		backend = db
		log.Printf("SQL: scripts may use %s", cfg.SQLDatabase)
	}

	h.Runtime = scripting.New(h.World, h.Assets, h.Bus, cfg.Runtime(backend))
	h.Metrics = NewMetrics(h)
	return h, nil
}

// Boot fills the world and requests every entity's scripts. Saved state
// wins over the seed file; the root entity always gets the level scripts.
func (h *Host) Boot() error {
	restored, err := h.restore()
	if err != nil {
		return err
	}
	if !restored && h.Config.WorldFile != "" {
		if err := h.seed(h.Config.WorldFile); err != nil {
			return err
		}
	}

	var requests []*world.Entity
	h.World.WithRead(func(v *world.View) {
		for _, id := range v.Query() {
			if e, ok := v.Entity(id); ok && id != world.Root && len(e.Scripts) > 0 {
				requests = append(requests, e)
			}
		}
	})
	if len(h.Config.LevelScripts) > 0 {
		if err := h.Runtime.RequestScripts(world.Root, h.Config.LevelScripts); err != nil {
			return fmt.Errorf("level scripts: %w", err)
		}
	}
	for _, e := range requests {
		if err := h.Runtime.RequestScripts(e.ID, e.Scripts); err != nil {
			return fmt.Errorf("entity #%d scripts: %w", e.ID, err)
		}
	}
	log.Printf("WORLD: %d entities, %d with scripts, %d level scripts",
		h.World.Len(), len(requests), len(h.Config.LevelScripts))
	return nil
}

func (h *Host) restore() (bool, error) {
	if h.store == nil || !h.store.HasData() {
		return false, nil
	}
	ents, err := h.store.LoadWorld()
	if err != nil {
		return false, err
	}
	vals, err := h.store.LoadRegistry()
	if err != nil {
		return false, err
	}
	h.World.Restore(ents)
	h.Runtime.Registry().Restore(vals)
	meta, _ := h.store.Meta()
	log.Printf("WORLD: restored %d entities and %d registry values from %s (saved %s)",
		len(ents), len(vals), h.store.Path(), humanize.Time(meta.SavedAt))
	return true, nil
}

func (h *Host) seed(path string) error {
	s, err := LoadSeed(path)
	if err != nil {
		return err
	}
	for _, se := range s.Entities {
		comps, err := se.ComponentValues()
		if err != nil {
			return err
		}
		h.World.WithWrite(func(tx *world.Txn) {
			tx.Spawn(se.Name, comps, se.Scripts)
		})
	}
	log.Printf("WORLD: seeded %d entities from %s", len(s.Entities), path)
	return nil
}

// Save writes the world and registry to bolt. It is a no-op without a
// configured bolt path.
func (h *Host) Save() error {
	if h.store == nil {
		return nil
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	return h.store.Save(h.World.Snapshot(), h.Runtime.Registry().Snapshot())
}

// Run ticks the runtime until ctx is cancelled, then saves.
func (h *Host) Run(ctx context.Context) error {
	if h.Config.WatchScripts {
		if err := h.Assets.Watch(ctx, h.Config.ScriptRoot); err != nil {
			log.Printf("ASSET: %v", err)
		}
	}
	if h.Config.WebEnabled {
		h.web = NewWebServer(h)
		go func() {
			if err := h.web.Start(); err != nil {
				log.Printf("web: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(h.Config.TickInterval())
	defer ticker.Stop()
	heartbeat := time.NewTicker(60 * time.Second)
	defer heartbeat.Stop()

	var autosave <-chan time.Time
	if every := h.Config.AutosaveEvery(); every > 0 && h.store != nil {
		t := time.NewTicker(every)
		defer t.Stop()
		autosave = t.C
	}
	var autoArchive <-chan time.Time
	if every := h.Config.ArchiveEvery(); every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		autoArchive = t.C
		log.Printf("Auto-archive enabled: every %d minutes, retain %d, dir %s",
			h.Config.ArchiveInterval, h.Config.ArchiveRetain, h.Config.ArchiveDir)
	}

	log.Printf("Host running: %d ticks/s, fixed step %dms", h.Config.TickRate, h.Config.FixedTimestepMS)
	for {
		select {
		case <-ctx.Done():
			h.stopWeb()
			if err := h.Save(); err != nil {
				return fmt.Errorf("final save: %w", err)
			}
			return nil
		case <-ticker.C:
			h.tick()
		case <-heartbeat.C:
			h.logHeartbeat()
		case <-autosave:
			log.Printf("Auto-saving world...")
			if err := h.Save(); err != nil {
				log.Printf("ERROR: Auto-save failed: %v", err)
			}
		case <-autoArchive:
			log.Printf("Auto-archive starting...")
			if _, err := h.Archive(); err != nil {
				log.Printf("ERROR: Auto-archive failed: %v", err)
			}
		}
	}
}

// tick runs one dispatch pass. A panic that escapes the runtime is logged
// and the loop continues with the next tick.
func (h *Host) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in tick: %v\n%s", r, debug.Stack())
		}
	}()
	start := time.Now()
	h.Runtime.Tick()
	h.Metrics.ObserveTick(time.Since(start))
}

func (h *Host) logHeartbeat() {
	st := h.Runtime.Stats()
	as := h.Assets.Stats()
	log.Printf("Heartbeat: %d consumers (%d requesting), %d instances, queue %d, %s hooks, %d errors, %s scripts loaded, last tick %v",
		st.Consumers, st.Requesting, st.Instances.Total, st.QueueDepth,
		humanize.Comma(int64(st.HooksFired)), st.HookErrors, humanize.Bytes(as.Bytes), st.LastTick)
}

func (h *Host) stopWeb() {
	if h.web == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.web.Stop(ctx); err != nil {
		log.Printf("web: shutdown: %v", err)
	}
}

// Uptime reports how long the host has existed.
func (h *Host) Uptime() time.Duration {
	return time.Since(h.started)
}

// Close releases the interpreters and stores. Call after Run returns;
// later calls return the first result.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		if h.Runtime != nil {
			h.Runtime.Close()
		}
		if h.sql != nil {
			h.closeErr = h.sql.Close()
		}
		if h.store != nil {
			if err := h.store.Close(); err != nil && h.closeErr == nil {
				h.closeErr = err
			}
		}
	})
	return h.closeErr
}
