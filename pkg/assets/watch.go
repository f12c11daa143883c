package assets

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/crystal-mush/luahost/pkg/events"
	"github.com/crystal-mush/luahost/pkg/scriptsrc"
	"github.com/crystal-mush/luahost/pkg/world"
)

// Watch reports script files under dir that change on disk. dir should be
// the root of the store's fs.FS. Changes are only announced (log line plus
// an EvAssetChanged event carrying the path relative to dir, with "in_use"
// set when the store has already loaded it); running instances keep the
// source they compiled. The watcher stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("assets: start watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("assets: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !strings.EqualFold(filepath.Ext(event.Name), scriptsrc.Ext) {
					continue
				}
				rel, err := filepath.Rel(dir, event.Name)
				if err != nil {
					rel = event.Name
				}
				rel = CleanPath(filepath.ToSlash(rel))
				_, inUse := s.Lookup(rel)
				if inUse {
					log.Printf("ASSET: script changed on disk: %s (restart to reload)", rel)
				} else {
					log.Printf("ASSET: script changed on disk: %s (not loaded yet)", rel)
				}
				s.bus.Emit(events.Event{
					Type:     events.EvAssetChanged,
					Consumer: world.Nothing,
					Path:     rel,
					Data:     map[string]any{"in_use": inUse},
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("ASSET: watcher error: %v", err)
			}
		}
	}()

	log.Printf("ASSET: watching %s for script changes", dir)
	return nil
}
