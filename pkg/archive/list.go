package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Info holds metadata about an existing archive file.
type Info struct {
	Path         string `json:"path"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	Timestamp    string `json:"timestamp"` // From manifest, or file mod time
	Entities     int    `json:"entities"`
	RegistryKeys int    `json:"registry_keys"`
}

// List scans dir for .tar.gz files, newest first. A missing directory
// yields an empty list.
func List(dir string) ([]Info, error) {
	pattern := filepath.Join(dir, "*.tar.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", pattern, err)
	}

	var out []Info
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		ai := Info{
			Path:      path,
			Filename:  filepath.Base(path),
			Size:      fi.Size(),
			Timestamp: fi.ModTime().UTC().Format(time.RFC3339Nano),
		}
		if m, err := ReadManifest(path); err == nil {
			ai.Timestamp = m.Timestamp
			ai.Entities = m.Entities
			ai.RegistryKeys = m.RegistryKeys
		}
		out = append(out, ai)
	}

	// RFC3339 sorts lexically; filenames break ties.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Filename > out[j].Filename
	})
	return out, nil
}

// Prune deletes all but the newest keep archives in dir and returns how
// many it removed. keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	archives, err := List(dir)
	if err != nil {
		return 0, err
	}
	if len(archives) <= keep {
		return 0, nil
	}
	removed := 0
	for _, ai := range archives[keep:] {
		if err := os.Remove(ai.Path); err != nil {
			log.Printf("WARNING: prune archive %s: %v", ai.Filename, err)
			continue
		}
		log.Printf("Pruned old archive: %s", ai.Filename)
		removed++
	}
	return removed, nil
}

// ReadManifest extracts manifest.json from an archive.
func ReadManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == manifestName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%s not found in archive", manifestName)
}
