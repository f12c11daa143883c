package server

import (
	"fmt"
	"log"

	"github.com/crystal-mush/luahost/pkg/archive"
)

// Archive writes a snapshot of the bolt world, the SQL database, the
// script tree and the config files, then prunes old archives. The world is
// saved first so the snapshot is current.
func (h *Host) Archive() (string, error) {
	if err := h.Save(); err != nil {
		return "", fmt.Errorf("save before archive: %w", err)
	}

	p := archive.Params{
		ScriptRoot:   h.Config.ScriptRoot,
		ConfPath:     h.Config.ConfPath,
		SeedPath:     h.Config.WorldFile,
		Dir:          h.Config.ArchiveDir,
		Server:       VersionString(),
		Entities:     h.World.Len(),
		RegistryKeys: h.Runtime.Registry().Len(),
	}
	if h.store != nil {
		p.BoltSnapshot = h.store.Backup
	}
	if h.sql != nil {
		p.SQLPath = h.sql.Path()
		p.SQLCheckpoint = h.sql.Checkpoint
	}

	path, err := archive.Create(p)
	if err != nil {
		return "", err
	}
	log.Printf("Archive complete: %s", path)

	if _, err := archive.Prune(h.Config.ArchiveDir, h.Config.ArchiveRetain); err != nil {
		log.Printf("WARNING: prune archives: %v", err)
	}
	return path, nil
}

// Archives lists the archive directory, newest first.
func (h *Host) Archives() ([]archive.Info, error) {
	return archive.List(h.Config.ArchiveDir)
}

// ConfPath is the config file the host was started from.
func (h *Host) ConfPath() string {
	return h.Config.ConfPath
}

// ValidateConfig checks YAML config bytes the way LoadConfig would.
func (h *Host) ValidateConfig(data []byte) error {
	cfg, err := ParseConfig(data)
	if err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return cfg.Validate()
}
