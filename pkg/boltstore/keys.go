package boltstore

import (
	"encoding/binary"

	"github.com/crystal-mush/luahost/pkg/world"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta     = []byte("meta")
	bucketEntities = []byte("entities")
	bucketRegistry = []byte("registry")
)

// Meta key constants.
var (
	keyFormat   = []byte("format")
	keySavedAt  = []byte("savedat")
	keyEntities = []byte("entities")
	keyValues   = []byte("values")
)

// formatVersion is bumped whenever the record layout changes incompatibly.
const formatVersion = 1

// idToKey converts an EntityID to an 8-byte big-endian key.
// We offset by a large constant so negative ids (Nothing=-1) sort correctly.
func idToKey(id world.EntityID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(id)+1<<32))
	return buf
}

// keyToID converts an 8-byte big-endian key back to an EntityID.
func keyToID(b []byte) world.EntityID {
	v := binary.BigEndian.Uint64(b)
	return world.EntityID(int64(v) - 1<<32)
}

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int {
	return int(binary.BigEndian.Uint64(b))
}
