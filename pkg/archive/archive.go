// Package archive writes and restores .tar.gz snapshots of a host's data:
// the bolt world, the mod SQL database, the script tree and the config.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Archive entry names.
const (
	boltName     = "data/world.bolt"
	sqlName      = "data/mods.sqldb"
	scriptPrefix = "scripts"
	confPrefix   = "conf"
	manifestName = "manifest.json"
)

// Manifest describes the contents of an archive.
type Manifest struct {
	Version      int                  `json:"version"`
	Server       string               `json:"server"`
	Timestamp    string               `json:"timestamp"`
	Entities     int                  `json:"entities"`
	RegistryKeys int                  `json:"registry_keys"`
	Files        map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "sql", "script", "conf", "seed"
}

// Params holds all inputs needed to create an archive.
type Params struct {
	BoltSnapshot  func(destPath string) error // Writes a consistent bolt copy (nil = skip)
	SQLPath       string                      // Path to SQLite database (empty = skip)
	SQLCheckpoint func() error                // Checkpoint WAL before copy (nil = skip)
	ScriptRoot    string                      // Script tree (empty = skip)
	ConfPath      string                      // Host config file (empty = skip)
	SeedPath      string                      // World seed file (empty = skip)
	Dir           string                      // Output directory for the archive
	Server        string                      // Server name and version for manifest
	Entities      int                         // Entity count for manifest
	RegistryKeys  int                         // Registry size for manifest
}

// Create writes a .tar.gz archive into p.Dir and returns its path.
func Create(p Params) (string, error) {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}

	now := time.Now()
	archivePath := filepath.Join(p.Dir, fmt.Sprintf("archive-%s.tar.gz", now.Format("20060102-150405.000")))

	// Create temp dir for staging
	tmpDir, err := os.MkdirTemp("", "luahost-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	manifest := Manifest{
		Version:      1,
		Server:       p.Server,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Entities:     p.Entities,
		RegistryKeys: p.RegistryKeys,
		Files:        make(map[string]FileEntry),
	}

	var boltStaged string
	if p.BoltSnapshot != nil {
		boltStaged = filepath.Join(tmpDir, "world.bolt")
		if err := p.BoltSnapshot(boltStaged); err != nil {
			return "", fmt.Errorf("archive: bolt snapshot: %w", err)
		}
	}

	var sqlStaged string
	if p.SQLPath != "" {
		if p.SQLCheckpoint != nil {
			if err := p.SQLCheckpoint(); err != nil {
				return "", fmt.Errorf("archive: sql checkpoint: %w", err)
			}
		}
		sqlStaged = filepath.Join(tmpDir, "mods.sqldb")
		if err := copyFile(p.SQLPath, sqlStaged); err != nil {
			return "", fmt.Errorf("archive: copy sql: %w", err)
		}
	}

	outFile, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", archivePath, err)
	}
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	werr := func() error {
		if boltStaged != "" {
			if err := addFile(tw, manifest.Files, boltStaged, boltName, "bolt"); err != nil {
				return err
			}
		}
		if sqlStaged != "" {
			if err := addFile(tw, manifest.Files, sqlStaged, sqlName, "sql"); err != nil {
				return err
			}
		}
		if p.ScriptRoot != "" {
			if info, err := os.Stat(p.ScriptRoot); err == nil && info.IsDir() {
				if err := addDir(tw, manifest.Files, p.ScriptRoot, scriptPrefix, "script"); err != nil {
					return err
				}
			}
		}
		for _, c := range []struct{ path, typ string }{{p.ConfPath, "conf"}, {p.SeedPath, "seed"}} {
			if c.path == "" {
				continue
			}
			if _, err := os.Stat(c.path); err != nil {
				continue
			}
			if err := addFile(tw, manifest.Files, c.path, confPrefix+"/"+filepath.Base(c.path), c.typ); err != nil {
				return err
			}
		}

		// Manifest goes last
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("archive: marshal manifest: %w", err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    manifestName,
			Size:    int64(len(data)),
			Mode:    0644,
			ModTime: now,
		}); err != nil {
			return fmt.Errorf("archive: write manifest header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("archive: write manifest: %w", err)
		}
		if err := tw.Close(); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		return outFile.Close()
	}()
	if werr != nil {
		outFile.Close()
		os.Remove(archivePath)
		return "", werr
	}
	return archivePath, nil
}

// addFile adds one file under archName, recording its SHA-256 in files.
func addFile(tw *tar.Writer, files map[string]FileEntry, srcPath, archName, typ string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}

	// Use forward slashes in tar paths
	archName = strings.ReplaceAll(archName, "\\", "/")

	if err := tw.WriteHeader(&tar.Header{
		Name:    archName,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return fmt.Errorf("archive: header %s: %w", archName, err)
	}

	h := sha256.New()
	written, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", archName, err)
	}
	files[archName] = FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: written, Type: typ}
	return nil
}

// addDir recursively adds every regular file under srcDir.
func addDir(tw *tar.Writer, files map[string]FileEntry, srcDir, archPrefix, typ string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		return addFile(tw, files, path, archPrefix+"/"+filepath.ToSlash(rel), typ)
	})
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
