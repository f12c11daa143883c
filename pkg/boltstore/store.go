// Package boltstore persists world entities and registry values to a
// bbolt file.
package boltstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/luahost/pkg/vars"
	"github.com/crystal-mush/luahost/pkg/world"
)

// batchSize bounds how many entities are written per transaction.
const batchSize = 1000

// Store wraps a bbolt database.
type Store struct {
	bolt *bbolt.DB
}

// Meta describes the last saved snapshot.
type Meta struct {
	Format   int
	SavedAt  time.Time
	Entities int
	Values   int
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketEntities, bucketRegistry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	s := &Store{bolt: db}
	if m, err := s.Meta(); err == nil && m.Format > formatVersion {
		db.Close()
		return nil, fmt.Errorf("boltstore: %s has format %d, newer than %d", path, m.Format, formatVersion)
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// SaveWorld replaces the stored entities with ents. Entities are written in
// batches; the bucket is reset in the first transaction.
func (s *Store) SaveWorld(ents []*world.Entity) error {
	encoded := make([][]byte, len(ents))
	for i, e := range ents {
		data, err := encodeEntity(e)
		if err != nil {
			return fmt.Errorf("boltstore: encode entity #%d: %w", e.ID, err)
		}
		encoded[i] = data
	}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntities); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketEntities)
		return err
	})
	if err != nil {
		return fmt.Errorf("boltstore: reset entities: %w", err)
	}

	for start := 0; start < len(ents); start += batchSize {
		end := min(start+batchSize, len(ents))
		err := s.bolt.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketEntities)
			for i := start; i < end; i++ {
				if err := b.Put(idToKey(ents[i].ID), encoded[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("boltstore: write entities: %w", err)
		}
	}
	return s.putMeta(keyEntities, len(ents))
}

// PutEntity persists a single entity (write-through).
func (s *Store) PutEntity(e *world.Entity) error {
	data, err := encodeEntity(e)
	if err != nil {
		return fmt.Errorf("boltstore: encode entity #%d: %w", e.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).Put(idToKey(e.ID), data)
	})
}

// DeleteEntity removes an entity.
func (s *Store) DeleteEntity(id world.EntityID) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).Delete(idToKey(id))
	})
}

// LoadWorld reads every stored entity in ascending id order.
func (s *Store) LoadWorld() ([]*world.Entity, error) {
	var ents []*world.Entity
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			e, err := decodeEntity(v)
			if err != nil {
				return fmt.Errorf("decode entity #%d: %w", keyToID(k), err)
			}
			ents = append(ents, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load entities: %w", err)
	}
	return ents, nil
}

// SaveRegistry replaces the stored registry values. Values that cannot be
// persisted are skipped with a log line; the rest are still written.
func (s *Store) SaveRegistry(vals map[string]vars.Value) error {
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Strings(names)

	written := 0
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRegistry); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketRegistry)
		if err != nil {
			return err
		}
		for _, name := range names {
			data, err := encodeValue(vals[name])
			if err != nil {
				log.Printf("boltstore: skipping registry %q: %v", name, err)
				continue
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltstore: save registry: %w", err)
	}
	return s.putMeta(keyValues, written)
}

// LoadRegistry reads every stored registry value.
func (s *Store) LoadRegistry() (map[string]vars.Value, error) {
	out := make(map[string]vars.Value)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistry).ForEach(func(k, v []byte) error {
			val, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("decode registry %q: %w", string(k), err)
			}
			out[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load registry: %w", err)
	}
	return out, nil
}

// Save writes a full snapshot of the world entities and registry values.
func (s *Store) Save(ents []*world.Entity, reg map[string]vars.Value) error {
	start := time.Now()
	if err := s.SaveWorld(ents); err != nil {
		return err
	}
	if err := s.SaveRegistry(reg); err != nil {
		return err
	}
	log.Printf("boltstore: saved %d entities, %d registry values in %v", len(ents), len(reg), time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Store) putMeta(key []byte, n int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyFormat, intToKey(formatVersion)); err != nil {
			return err
		}
		if err := b.Put(keySavedAt, intToKey(int(time.Now().Unix()))); err != nil {
			return err
		}
		return b.Put(key, intToKey(n))
	})
}

// Meta reads the snapshot metadata.
func (s *Store) Meta() (Meta, error) {
	var m Meta
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyFormat); v != nil {
			m.Format = keyToInt(v)
		}
		if v := b.Get(keySavedAt); v != nil {
			m.SavedAt = time.Unix(int64(keyToInt(v)), 0)
		}
		if v := b.Get(keyEntities); v != nil {
			m.Entities = keyToInt(v)
		}
		if v := b.Get(keyValues); v != nil {
			m.Values = keyToInt(v)
		}
		return nil
	})
	return m, err
}

// HasData returns true if the bbolt database contains any entities.
func (s *Store) HasData() bool {
	hasData := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEntities).Stats().KeyN > 0 {
			hasData = true
		}
		return nil
	})
	return hasData
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}
