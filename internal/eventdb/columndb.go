// Package eventdb implements the event store and write pipeline: typed
// columns keyed by an 8-byte big-endian event_idx, a single event_id →
// event_idx column, and the room_events/room_state/event_bad secondary
// indexes. The underlying storage engine sits behind the narrow ColumnDB
// interface.
package eventdb

import "encoding/binary"

// Column names. One column per event field plus the secondary indexes.
const (
	ColEventIDIndex = "event_id_idx" // event_id -> event_idx
	ColRoomID       = "room_id"
	ColSender       = "sender"
	ColOrigin       = "origin"
	ColType         = "type"
	ColStateKey     = "state_key"
	ColOriginTS     = "origin_server_ts"
	ColDepth        = "depth"
	ColContent      = "content"
	ColHashes       = "hashes"
	ColSignatures   = "signatures"
	ColAuthEvents   = "auth_events"
	ColPrevEvents   = "prev_events"
	ColPrevState    = "prev_state"
	ColRedacts      = "redacts"
	ColUnsigned     = "unsigned"
	ColEventBad     = "event_bad"   // event_id -> offending event_idx
	ColRoomEvents   = "room_events" // (room_id, depth_be, event_idx) -> ""
	ColRoomState    = "room_state"  // (room_id, state_root_hash) -> event_idx
	ColStateNode    = "state_node"  // node hash -> canonical JSON bytes
)

// EventIdx is an opaque, monotonically assigned event sequence number.
type EventIdx uint64

// EncodeIdx renders idx as an 8-byte big-endian key component.
func EncodeIdx(idx EventIdx) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(idx))
	return b
}

// DecodeIdx parses an 8-byte big-endian event_idx.
func DecodeIdx(b []byte) EventIdx {
	return EventIdx(binary.BigEndian.Uint64(b))
}

// RoomEventsKey builds the (room_id, depth_be, event_idx) key used by the
// room_events index; iterating this column backwards from its maximum key
// yields the room's head and descending history order.
func RoomEventsKey(roomID string, depth int64, idx EventIdx) []byte {
	b := make([]byte, 0, len(roomID)+1+8+8)
	b = append(b, roomID...)
	b = append(b, 0)
	depthBE := make([]byte, 8)
	binary.BigEndian.PutUint64(depthBE, uint64(depth))
	b = append(b, depthBE...)
	b = append(b, EncodeIdx(idx)...)
	return b
}

// RoomStateKey builds the (room_id, state_root_hash) key used by the
// room_state index.
func RoomStateKey(roomID, stateRootHash string) []byte {
	b := make([]byte, 0, len(roomID)+1+len(stateRootHash))
	b = append(b, roomID...)
	b = append(b, 0)
	b = append(b, stateRootHash...)
	return b
}

// RoomPrefix returns the key prefix bounding every entry for roomID in an
// index keyed (room_id, ...).
func RoomPrefix(roomID string) []byte {
	b := make([]byte, 0, len(roomID)+1)
	b = append(b, roomID...)
	b = append(b, 0)
	return b
}

// Entry is one key/value pair returned while iterating a column.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks entries within a column in key order.
type Iterator interface {
	Next() bool
	Entry() Entry
	Close() error
}

// Batch accumulates writes (and deletes, used for purge) for one
// transaction, applied atomically on Commit.
type Batch interface {
	Put(column string, key, value []byte)
	Delete(column string, key []byte)
	Commit() error
}

// ColumnDB is the narrow storage interface the event store and state tree
// are built against; it is the boundary a real LSM engine sits behind.
type ColumnDB interface {
	Get(column string, key []byte) ([]byte, bool, error)
	Iterate(column string, prefix []byte) (Iterator, error)
	NewBatch() Batch
}
