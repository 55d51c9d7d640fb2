package vm

import (
	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/statetree"
)

// stateTreeStore adapts an eventdb.ColumnDB's state_node column to
// statetree.Store for read-only lookups (no batch needed).
type stateTreeStore struct {
	db eventdb.ColumnDB
}

func (s *stateTreeStore) Get(id string) ([]byte, bool, error) {
	return s.db.Get(eventdb.ColStateNode, []byte(id))
}

// DefaultRoomView implements RoomView directly on top of an eventdb.Store
// and its underlying ColumnDB, tracking each room's current state root
// in-memory (the store's room_state index records every root a room has
// passed through, keyed by hash, but the "current" pointer is process-local
// bookkeeping the VM's WRITE phase keeps up to date).
type DefaultRoomView struct {
	store *eventdb.Store
	db    eventdb.ColumnDB

	roots   map[string]string
	origins map[string]map[string]bool
}

// NewDefaultRoomView creates a RoomView backed by store/db.
func NewDefaultRoomView(store *eventdb.Store, db eventdb.ColumnDB) *DefaultRoomView {
	return &DefaultRoomView{
		store:   store,
		db:      db,
		roots:   make(map[string]string),
		origins: make(map[string]map[string]bool),
	}
}

func (v *DefaultRoomView) Head(roomID string) (eventdb.EventIdx, int64, bool, error) {
	return v.store.Head(roomID)
}

func (v *DefaultRoomView) HeadEventID(roomID string) (string, bool, error) {
	idx, _, ok, err := v.store.Head(roomID)
	if err != nil || !ok {
		return "", ok, err
	}
	e, err := v.store.Fetch(idx)
	if err != nil {
		return "", false, err
	}
	return e.EventID, e.EventID != "", nil
}

func (v *DefaultRoomView) StateRoot(roomID string) (string, bool, error) {
	root, ok := v.roots[roomID]
	return root, ok, nil
}

// SetStateRoot records the current state root for roomID, called by the VM
// (or its caller) after a successful WRITE phase commits a new root.
func (v *DefaultRoomView) SetStateRoot(roomID, root string) {
	v.roots[roomID] = root
}

func (v *DefaultRoomView) StateGet(root string, eventType, stateKey string) (string, bool, error) {
	if root == "" {
		return "", false, nil
	}
	ss := &stateTreeStore{db: v.db}
	return statetree.Get(ss, root, statetree.Key{Type: eventType, StateKey: stateKey})
}

// Members iterates the room's m.room.member state entries in state-key
// order, optionally narrowed to one membership value ("" for all), the
// room::members iterator of the event DB's read surface.
func (v *DefaultRoomView) Members(roomID, membership string, f func(userID, eventID string) bool) error {
	root, ok := v.roots[roomID]
	if !ok || root == "" {
		return nil
	}
	ss := &stateTreeStore{db: v.db}
	memberType := "m.room.member"
	return statetree.ForEach(ss, root, &memberType, func(k statetree.Key, eventID string) bool {
		if membership != "" {
			idx, found, err := v.store.IdxForEventID(eventID)
			if err != nil || !found {
				return true
			}
			ev, err := v.store.Fetch(idx)
			if err != nil {
				return true
			}
			if m, _ := ev.Content["membership"].(string); m != membership {
				return true
			}
		}
		return f(k.StateKey, eventID)
	})
}

// Origins returns every server participating in the room: the hosts of its
// joined members, unioned with any origins recorded explicitly (e.g. from
// inbound federation transactions before their members' state resolved).
func (v *DefaultRoomView) Origins(roomID string) ([]string, error) {
	set := make(map[string]bool, len(v.origins[roomID]))
	for o := range v.origins[roomID] {
		set[o] = true
	}
	err := v.Members(roomID, "join", func(userID, _ string) bool {
		if host := event.Host(userID); host != "" {
			set[host] = true
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	return out, nil
}

// AddOrigin records a server as participating in roomID, used by FANOUT to
// know who to send newly written events to.
func (v *DefaultRoomView) AddOrigin(roomID, origin string) {
	set, ok := v.origins[roomID]
	if !ok {
		set = make(map[string]bool)
		v.origins[roomID] = set
	}
	set[origin] = true
}
