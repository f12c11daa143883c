package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RestoreParams holds all inputs needed to restore an archive. Empty
// destinations are skipped.
type RestoreParams struct {
	ArchivePath string
	BoltDest    string // bolt database path
	SQLDest     string // SQLite database path
	ScriptDest  string // script root directory
	ConfDest    string // host config path
	SeedDest    string // world seed path
	Overwrite   bool   // replace config and seed files that differ
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	Manifest      *Manifest
	FilesRestored int
	Warnings      []string
}

// Restore extracts an archive, verifies every checksum in its manifest,
// and only then copies files to their destinations.
func Restore(p RestoreParams) (*RestoreResult, error) {
	tmpDir, err := os.MkdirTemp("", "luahost-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extract(p.ArchivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", manifestName)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}

	for archName, entry := range manifest.Files {
		ok, err := validateChecksum(filepath.Join(tmpDir, filepath.FromSlash(archName)), entry.SHA256)
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", archName, err)
		}
		if !ok {
			return nil, fmt.Errorf("restore: checksum mismatch for %s, archive may be corrupt", archName)
		}
	}

	result := &RestoreResult{Manifest: &manifest}

	for _, db := range []struct{ name, dest string }{{boltName, p.BoltDest}, {sqlName, p.SQLDest}} {
		src := filepath.Join(tmpDir, filepath.FromSlash(db.name))
		if _, err := os.Stat(src); err != nil || db.dest == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(db.dest), 0755); err != nil {
			return nil, fmt.Errorf("restore: create dir for %s: %w", db.name, err)
		}
		if err := copyFile(src, db.dest); err != nil {
			return nil, fmt.Errorf("restore: copy %s: %w", db.name, err)
		}
		result.FilesRestored++
	}

	scriptSrc := filepath.Join(tmpDir, scriptPrefix)
	if info, err := os.Stat(scriptSrc); err == nil && info.IsDir() && p.ScriptDest != "" {
		n, err := copyDir(scriptSrc, p.ScriptDest)
		if err != nil {
			return nil, fmt.Errorf("restore: copy scripts: %w", err)
		}
		result.FilesRestored += n
	}

	// Config and seed: keep a differing local file unless Overwrite is set.
	for _, entry := range sortedEntries(manifest.Files, "conf", "seed") {
		dest := p.ConfDest
		if manifest.Files[entry].Type == "seed" {
			dest = p.SeedDest
		}
		if dest == "" {
			continue
		}
		src := filepath.Join(tmpDir, filepath.FromSlash(entry))
		same, exists := sameContent(src, dest)
		switch {
		case same:
			continue
		case exists && !p.Overwrite:
			result.Warnings = append(result.Warnings, fmt.Sprintf("kept current %s (differs from archive)", dest))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("restore: create dir for %s: %w", dest, err)
		}
		if err := copyFile(src, dest); err != nil {
			return nil, fmt.Errorf("restore: copy %s: %w", entry, err)
		}
		result.FilesRestored++
	}
	return result, nil
}

func sortedEntries(files map[string]FileEntry, types ...string) []string {
	var out []string
	for name, e := range files {
		for _, t := range types {
			if e.Type == t {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// sameContent reports whether dst exists and matches src byte for byte.
func sameContent(src, dst string) (same, exists bool) {
	d, err := os.ReadFile(dst)
	if err != nil {
		return false, false
	}
	s, err := os.ReadFile(src)
	if err != nil {
		return false, true
	}
	return bytes.Equal(s, d), true
}

// extract unpacks a .tar.gz into destDir.
func extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		// Reject entries that would land outside destDir
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateChecksum checks a file's SHA-256 against the expected hex string.
func validateChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}

// copyDir recursively copies all files from src to dst and returns the
// number copied.
func copyDir(src, dst string) (int, error) {
	count := 0
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		if err := copyFile(path, destPath); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}
