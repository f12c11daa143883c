package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/crystal-mush/luahost/pkg/archive"
	"github.com/crystal-mush/luahost/pkg/boltstore"
	"github.com/crystal-mush/luahost/pkg/server"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("LUAHOST_CONF", ""), "Path to host config file (env: LUAHOST_CONF)")
	scriptRoot := flag.String("scripts", envDefault("LUAHOST_SCRIPTS", ""), "Script root directory, overrides config (env: LUAHOST_SCRIPTS)")
	worldFile := flag.String("world", envDefault("LUAHOST_WORLD", ""), "YAML world seed, overrides config (env: LUAHOST_WORLD)")
	boltPath := flag.String("bolt", envDefault("LUAHOST_BOLT", ""), "Path to bbolt persistent database (env: LUAHOST_BOLT)")
	sqlDBPath := flag.String("sqldb", envDefault("LUAHOST_SQLDB", ""), "Path to SQLite3 database file, enables the sql table (env: LUAHOST_SQLDB)")
	port := flag.Int("port", 0, "Web port, overrides config (env: LUAHOST_PORT)")
	fresh := flag.Bool("fresh", os.Getenv("LUAHOST_FRESH") == "true", "Delete bolt DB on startup and boot from the seed (env: LUAHOST_FRESH)")
	backup := flag.String("backup", "", "Copy the bolt database to this path and exit")
	restore := flag.String("restore", "", "Restore an archive over the configured paths before starting")
	overwrite := flag.Bool("overwrite", false, "With -restore, also replace config and seed files that differ")
	flag.Parse()

	log.Printf("Welcome to %s", server.VersionString())

	// Handle LUAHOST_PORT env if -port flag not set
	if *port == 0 {
		if envPort := os.Getenv("LUAHOST_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*port = p
			}
		}
	}

	// Load config if specified, otherwise use defaults
	var cfg *server.Config
	if *confFile != "" {
		var err error
		cfg, err = server.LoadConfig(*confFile)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Printf("Loaded config from %s", *confFile)
	} else {
		cfg = server.DefaultConfig()
	}

	// Command-line flags override config file values
	if *scriptRoot != "" {
		cfg.ScriptRoot = *scriptRoot
	}
	if *worldFile != "" {
		cfg.WorldFile = *worldFile
	}
	if *boltPath != "" {
		cfg.BoltPath = *boltPath
	}
	if *sqlDBPath != "" {
		cfg.SQLDatabase = *sqlDBPath
		cfg.SQLEnabled = true
	}
	if *port != 0 {
		cfg.WebPort = *port
	}

	// Env overrides for bool toggles
	if v := os.Getenv("LUAHOST_WEB"); v != "" {
		cfg.WebEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LUAHOST_WATCH"); v != "" {
		cfg.WatchScripts = strings.EqualFold(v, "true")
	}

	if *backup != "" {
		if err := backupBolt(cfg.BoltPath, *backup); err != nil {
			log.Fatalf("Backup failed: %v", err)
		}
		log.Printf("Backed up %s to %s", cfg.BoltPath, *backup)
		return
	}

	if *restore != "" {
		res, err := archive.Restore(archive.RestoreParams{
			ArchivePath: *restore,
			BoltDest:    cfg.BoltPath,
			SQLDest:     cfg.SQLDatabase,
			ScriptDest:  cfg.ScriptRoot,
			ConfDest:    *confFile,
			SeedDest:    cfg.WorldFile,
			Overwrite:   *overwrite,
		})
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		for _, w := range res.Warnings {
			log.Printf("WARNING: %s", w)
		}
		log.Printf("Restored %d files from %s (saved %s by %s)", res.FilesRestored, *restore, res.Manifest.Timestamp, res.Manifest.Server)
		if *fresh {
			log.Printf("Ignoring -fresh after -restore")
			*fresh = false
		}
	}

	if *fresh && cfg.BoltPath != "" {
		if err := os.Remove(cfg.BoltPath); err != nil && !os.IsNotExist(err) {
			log.Fatalf("Error removing bolt database for fresh start: %v", err)
		}
		log.Printf("Fresh mode: removed %s", cfg.BoltPath)
	}

	host, err := server.NewHost(cfg)
	if err != nil {
		log.Fatalf("Error starting host: %v", err)
	}
	defer host.Close()

	if err := host.Boot(); err != nil {
		log.Fatalf("Error booting world: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebEnabled {
		log.Printf("Starting %s with web on port %d...", server.VersionString(), cfg.WebPort)
	} else {
		log.Printf("Starting %s...", server.VersionString())
	}
	if err := host.Run(ctx); err != nil {
		log.Printf("Host error: %v", err)
		host.Close()
		os.Exit(1)
	}
	log.Printf("Shutdown complete")
}

// backupBolt copies a consistent snapshot of the bolt database.
func backupBolt(src, dst string) error {
	if src == "" {
		return fmt.Errorf("no bolt path configured")
	}
	store, err := boltstore.Open(src)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Backup(dst)
}
