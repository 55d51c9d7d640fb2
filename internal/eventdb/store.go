package eventdb

import (
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/statetree"
)

// Store is the event store built on top of a ColumnDB: event
// serialization/reconstruction, the room_events/room_state/event_bad
// secondary indexes, and state-tree integration for state events.
type Store struct {
	db      ColumnDB
	nextIdx atomic.Uint64
}

// Open wraps db, recovering the next event_idx to hand out by scanning the
// event_id_idx column's highest assigned value. Callers that need exact
// recovery semantics across restarts should persist and pass the last idx
// explicitly; for the in-memory reference store a fresh counter is correct.
func Open(db ColumnDB) *Store {
	s := &Store{db: db}
	if it, err := db.Iterate(ColEventIDIndex, nil); err == nil {
		for it.Next() {
			if v := it.Entry().Value; len(v) == 8 && uint64(DecodeIdx(v)) > s.nextIdx.Load() {
				s.nextIdx.Store(uint64(DecodeIdx(v)))
			}
		}
		it.Close()
	}
	return s
}

// DB returns the underlying ColumnDB, for callers (the state tree reader,
// the federation server's state/state_ids handlers) that need direct
// column access beyond what Store's higher-level methods expose.
func (s *Store) DB() ColumnDB { return s.db }

// WriteOpts controls how Write stages an event.
type WriteOpts struct {
	// StateRoot is the state tree root in effect before this write (empty
	// for a room's first event). Ignored if the event has no state_key.
	StateRoot string
}

// stateStore adapts a ColumnDB's state_node column to statetree.Store and
// statetree.Batch.
type stateStore struct {
	db    ColumnDB
	batch Batch
}

func (s *stateStore) Get(id string) ([]byte, bool, error) {
	return s.db.Get(ColStateNode, []byte(id))
}

func (s *stateStore) Put(id string, raw []byte) {
	s.batch.Put(ColStateNode, []byte(id), raw)
}

// Write stages an event into a new batch: allocation of a fresh event_idx,
// per-column writes, the room_events ordered index entry, and (if the event
// carries a state_key) the new state tree root via internal/statetree.
// Commit is left to the caller so the VM can fold additional writes (e.g.
// event_bad markers) into the same atomic batch.
func (s *Store) Write(e *event.Event, opts WriteOpts) (idx EventIdx, newStateRoot string, batch Batch, err error) {
	idx = EventIdx(s.nextIdx.Add(1))
	b := s.db.NewBatch()

	idxKey := EncodeIdx(idx)
	b.Put(ColEventIDIndex, []byte(e.EventID), idxKey)
	b.Put(ColRoomID, idxKey, []byte(e.RoomID))
	b.Put(ColSender, idxKey, []byte(e.Sender))
	b.Put(ColOrigin, idxKey, []byte(e.Origin))
	b.Put(ColType, idxKey, []byte(e.Type))
	if e.StateKey != nil {
		b.Put(ColStateKey, idxKey, []byte(*e.StateKey))
	}
	putJSON(b, ColOriginTS, idxKey, e.OriginServerTS)
	putJSON(b, ColDepth, idxKey, e.Depth)
	putJSON(b, ColContent, idxKey, e.Content)
	putJSON(b, ColHashes, idxKey, e.Hashes)
	putJSON(b, ColSignatures, idxKey, e.Signatures)
	putJSON(b, ColAuthEvents, idxKey, e.AuthEvents)
	putJSON(b, ColPrevEvents, idxKey, e.PrevEvents)
	putJSON(b, ColPrevState, idxKey, e.PrevState)
	if e.Redacts != "" {
		b.Put(ColRedacts, idxKey, []byte(e.Redacts))
	}
	if e.Unsigned != nil {
		putJSON(b, ColUnsigned, idxKey, e.Unsigned)
	}

	b.Put(ColRoomEvents, RoomEventsKey(e.RoomID, e.Depth, idx), []byte{})

	if e.StateKey != nil {
		ss := &stateStore{db: s.db, batch: b}
		root, err := statetree.Insert(ss, ss, opts.StateRoot, statetree.Key{Type: e.Type, StateKey: *e.StateKey}, e.EventID)
		if err != nil {
			return 0, "", nil, errors.Wrap(err, "eventdb: state tree insert")
		}
		newStateRoot = root
		b.Put(ColRoomState, RoomStateKey(e.RoomID, newStateRoot), idxKey)
	}

	return idx, newStateRoot, b, nil
}

// MarkBad records eventID as known-bad, pointing at the event_idx that
// produced the failure, staged into batch (the VM folds this into the same
// commit as any partial write it needs to keep for diagnostics).
func (s *Store) MarkBad(batch Batch, eventID string, idx EventIdx) {
	batch.Put(ColEventBad, []byte(eventID), EncodeIdx(idx))
}

// MarkBadNow allocates a fresh event_idx for the failed evaluation and
// commits the event_bad marker in its own batch, for callers (the VM's
// VERIFY phase) with no other writes to fold it into.
func (s *Store) MarkBadNow(eventID string) error {
	idx := EventIdx(s.nextIdx.Add(1))
	b := s.db.NewBatch()
	s.MarkBad(b, eventID, idx)
	return b.Commit()
}

// IsBad reports whether eventID has been marked known-bad.
func (s *Store) IsBad(eventID string) (bool, error) {
	_, ok, err := s.db.Get(ColEventBad, []byte(eventID))
	return ok, err
}

// Query reads a single column's raw value for one event, for callers that
// need one field without the full reconstruction Fetch performs.
func (s *Store) Query(idx EventIdx, column string) ([]byte, bool, error) {
	return s.db.Get(column, EncodeIdx(idx))
}

// RoomStateRoots iterates the state roots a room has passed through, in
// root-hash order, with the event_idx whose commit produced each.
func (s *Store) RoomStateRoots(roomID string, f func(root string, idx EventIdx) bool) error {
	it, err := s.db.Iterate(ColRoomState, RoomPrefix(roomID))
	if err != nil {
		return err
	}
	defer it.Close()
	prefix := len(RoomPrefix(roomID))
	for it.Next() {
		entry := it.Entry()
		root := string(entry.Key[prefix:])
		if !f(root, DecodeIdx(entry.Value)) {
			return nil
		}
	}
	return nil
}

// IdxForEventID resolves an event_id to its event_idx.
func (s *Store) IdxForEventID(eventID string) (EventIdx, bool, error) {
	v, ok, err := s.db.Get(ColEventIDIndex, []byte(eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	return DecodeIdx(v), true, nil
}

// Fetch reconstructs the full event at idx.
func (s *Store) Fetch(idx EventIdx) (*event.Event, error) {
	idxKey := EncodeIdx(idx)
	e := &event.Event{}

	if v, ok, err := s.db.Get(ColRoomID, idxKey); err != nil {
		return nil, err
	} else if ok {
		e.RoomID = string(v)
	}
	if v, ok, _ := s.db.Get(ColSender, idxKey); ok {
		e.Sender = string(v)
	}
	if v, ok, _ := s.db.Get(ColOrigin, idxKey); ok {
		e.Origin = string(v)
	}
	if v, ok, _ := s.db.Get(ColType, idxKey); ok {
		e.Type = string(v)
	}
	if v, ok, _ := s.db.Get(ColStateKey, idxKey); ok {
		sk := string(v)
		e.StateKey = &sk
	}
	getJSON(s.db, ColOriginTS, idxKey, &e.OriginServerTS)
	getJSON(s.db, ColDepth, idxKey, &e.Depth)
	getJSON(s.db, ColContent, idxKey, &e.Content)
	getJSON(s.db, ColHashes, idxKey, &e.Hashes)
	getJSON(s.db, ColSignatures, idxKey, &e.Signatures)
	getJSON(s.db, ColAuthEvents, idxKey, &e.AuthEvents)
	getJSON(s.db, ColPrevEvents, idxKey, &e.PrevEvents)
	getJSON(s.db, ColPrevState, idxKey, &e.PrevState)
	if v, ok, _ := s.db.Get(ColRedacts, idxKey); ok {
		e.Redacts = string(v)
	}
	var unsigned event.Unsigned
	if getJSON(s.db, ColUnsigned, idxKey, &unsigned) {
		e.Unsigned = &unsigned
	}

	if eid, ok, err := s.reverseIdx(idxKey); err == nil && ok {
		e.EventID = eid
	}

	return e, nil
}

// reverseIdx recovers an event_id given its 8-byte idx key by scanning the
// event_id_idx column. The in-memory reference store has no inverse index;
// production deployments should add one. This is adequate for the bounded
// room sizes the test suite and reference deployment exercise.
func (s *Store) reverseIdx(idxKey []byte) (string, bool, error) {
	it, err := s.db.Iterate(ColEventIDIndex, nil)
	if err != nil {
		return "", false, err
	}
	defer it.Close()
	for it.Next() {
		entry := it.Entry()
		if string(entry.Value) == string(idxKey) {
			return string(entry.Key), true, nil
		}
	}
	return "", false, nil
}

// FetchByEventID resolves and reconstructs an event by its event_id.
func (s *Store) FetchByEventID(eventID string) (*event.Event, error) {
	idx, ok, err := s.IdxForEventID(eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("eventdb: unknown event_id %s", eventID)
	}
	e, err := s.Fetch(idx)
	if err != nil {
		return nil, err
	}
	e.EventID = eventID
	return e, nil
}

// Head returns the (event_idx, depth) of the room's current head: the
// largest key in room_events for the room.
func (s *Store) Head(roomID string) (idx EventIdx, depth int64, ok bool, err error) {
	it, err := s.db.Iterate(ColRoomEvents, RoomPrefix(roomID))
	if err != nil {
		return 0, 0, false, err
	}
	defer it.Close()

	var last []byte
	for it.Next() {
		last = it.Entry().Key
	}
	if last == nil {
		return 0, 0, false, nil
	}
	depthOff := len(last) - 16
	depth = int64(beUint64(last[depthOff : depthOff+8]))
	idx = DecodeIdx(last[depthOff+8:])
	return idx, depth, true, nil
}

// RoomEvents iterates a room's events in descending (depth, event_idx)
// order, newest first.
func (s *Store) RoomEvents(roomID string, f func(idx EventIdx, depth int64) bool) error {
	it, err := s.db.Iterate(ColRoomEvents, RoomPrefix(roomID))
	if err != nil {
		return err
	}
	defer it.Close()

	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Entry().Key)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		depthOff := len(k) - 16
		depth := int64(beUint64(k[depthOff : depthOff+8]))
		idx := DecodeIdx(k[depthOff+8:])
		if !f(idx, depth) {
			return nil
		}
	}
	return nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putJSON(b Batch, column string, key []byte, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.Put(column, key, raw)
}

func getJSON(db ColumnDB, column string, key []byte, out any) bool {
	raw, ok, err := db.Get(column, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
