package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/luahost/pkg/scripting"
)

// Config holds host configuration. Loaded from YAML; command-line flags
// override individual fields.
type Config struct {
	// --- Scripts ---
	ScriptRoot         string   `yaml:"script_root"`           // Directory scripts are loaded from
	LevelScripts       []string `yaml:"level_scripts"`         // Scripts requested for the root entity
	WorldFile          string   `yaml:"world_file"`            // YAML world seed, used when bolt is empty
	LoadWorkers        int      `yaml:"load_workers"`          // Concurrent asset reads (0 = NumCPU)
	WatchScripts       bool     `yaml:"watch_scripts"`         // Log script changes on disk
	MaxCompilesPerTick int      `yaml:"max_compiles_per_tick"` // 0 = unlimited
	ScriptTimeoutMS    int      `yaml:"script_timeout_ms"`     // Per-hook limit, 0 = none

	// --- Timing ---
	TickRate        int `yaml:"tick_rate"`         // Dispatch passes per second
	FixedTimestepMS int `yaml:"fixed_timestep_ms"` // on_update period

	// --- Persistence ---
	BoltPath         string `yaml:"bolt_path"`         // Empty disables persistence
	AutosaveInterval int    `yaml:"autosave_interval"` // Minutes, 0 = only on shutdown

	// --- Archives ---
	ArchiveDir      string `yaml:"archive_dir"`      // Where snapshot archives are written
	ArchiveInterval int    `yaml:"archive_interval"` // Minutes, 0 = manual only
	ArchiveRetain   int    `yaml:"archive_retain"`   // Keep newest N, 0 = keep all

	// --- SQL ---
	SQLEnabled    bool   `yaml:"sql_enabled"`     // Expose the sql table to scripts
	SQLDatabase   string `yaml:"sql_database"`    // Path to SQLite3 file
	SQLQueryLimit int    `yaml:"sql_query_limit"` // Max rows returned (default 100)
	SQLTimeout    int    `yaml:"sql_timeout"`     // Query timeout in seconds (default 5)

	// --- Web ---
	WebEnabled     bool     `yaml:"web_enabled"`
	WebHost        string   `yaml:"web_host"`         // Bind address (empty = all interfaces)
	WebPort        int      `yaml:"web_port"`         // HTTP port (default 8080)
	WebRateLimit   int      `yaml:"web_rate_limit"`   // Requests per minute per IP (default 120)
	WebCORSOrigins []string `yaml:"web_cors_origins"` // Allowed CORS origins

	// --- Admin API (served under /admin when web is enabled) ---
	AdminEnabled bool   `yaml:"admin_enabled"`
	JWTSecret    string `yaml:"jwt_secret"` // Empty = random per process
	JWTExpiry    int    `yaml:"jwt_expiry"` // Token lifetime in seconds (default 86400)

	// ConfPath is the file this config was loaded from, empty for defaults.
	ConfPath string `yaml:"-"`
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		ScriptRoot:       "scripts",
		LevelScripts:     []string{"level.lua"},
		BoltPath:         "data/luahost.bolt",
		TickRate:         60,
		FixedTimestepMS:  50,
		WatchScripts:     true,
		AutosaveInterval: 10,
		ArchiveDir:       "data/archives",
		ArchiveRetain:    10,
		SQLDatabase:      "data/mods.db",
		SQLQueryLimit:    100,
		SQLTimeout:       5,
		WebEnabled:       true,
		WebPort:          8080,
		WebRateLimit:     120,
		JWTExpiry:        86400,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. Relative
// paths in the file are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	cfg.ConfPath = path

	baseDir := filepath.Dir(path)
	for _, p := range []*string{&cfg.ScriptRoot, &cfg.WorldFile, &cfg.BoltPath, &cfg.SQLDatabase, &cfg.ArchiveDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML on top of DefaultConfig without validating or
// resolving paths.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the host cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ScriptRoot == "":
		return fmt.Errorf("script_root is required")
	case c.TickRate <= 0:
		return fmt.Errorf("tick_rate must be positive, got %d", c.TickRate)
	case c.FixedTimestepMS <= 0:
		return fmt.Errorf("fixed_timestep_ms must be positive, got %d", c.FixedTimestepMS)
	case c.MaxCompilesPerTick < 0:
		return fmt.Errorf("max_compiles_per_tick must not be negative")
	case c.SQLEnabled && c.SQLDatabase == "":
		return fmt.Errorf("sql_enabled requires sql_database")
	case c.WebEnabled && (c.WebPort <= 0 || c.WebPort > 65535):
		return fmt.Errorf("web_port out of range: %d", c.WebPort)
	case c.ArchiveInterval < 0 || c.ArchiveRetain < 0:
		return fmt.Errorf("archive_interval and archive_retain must not be negative")
	case c.ArchiveInterval > 0 && c.ArchiveDir == "":
		return fmt.Errorf("archive_interval requires archive_dir")
	}
	return nil
}

// TickInterval is the wall time between dispatch passes.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// AutosaveEvery returns the autosave period, 0 when disabled.
func (c *Config) AutosaveEvery() time.Duration {
	return time.Duration(c.AutosaveInterval) * time.Minute
}

// ArchiveEvery returns the auto-archive period, 0 when disabled.
func (c *Config) ArchiveEvery() time.Duration {
	return time.Duration(c.ArchiveInterval) * time.Minute
}

// DataDir is where host-private files such as the admin password hash live.
func (c *Config) DataDir() string {
	if c.BoltPath != "" {
		return filepath.Dir(c.BoltPath)
	}
	return "data"
}

// Runtime builds the scripting runtime settings. sql may be nil.
func (c *Config) Runtime(sql scripting.SQLBackend) scripting.Config {
	return scripting.Config{
		FixedStep:          time.Duration(c.FixedTimestepMS) * time.Millisecond,
		MaxCompilesPerTick: c.MaxCompilesPerTick,
		ScriptTimeout:      time.Duration(c.ScriptTimeoutMS) * time.Millisecond,
		SQL:                sql,
	}
}
