// Package statetree implements the persistent authenticated state B-tree:
// an immutable, content-addressed tree mapping (type, state_key) to
// event_id. Nodes are canonical-JSON objects hashed with SHA-256; the hash
// is the node's id, so two rooms that pass through identical states share
// node storage automatically. Node serialization and hashing go through
// internal/canonicaljson and internal/sigs.
package statetree

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/canonicaljson"
	"github.com/construct-io/constructd/internal/sigs"
)

func unmarshalWire(raw []byte, w *wireNode) error {
	return json.Unmarshal(raw, w)
}

// Tree shape constants.
const (
	NodeMaxKey = 16
	NodeMaxVal = 16
	NodeMaxDeg = 17
	MaxHeight  = 32
)

// Key is a (type, state_key) pair. Comparison is lexicographic string
// compare of Type then StateKey, with the zero-value (absent StateKey)
// ordering before any non-empty one, so all entries of one type form a
// contiguous range.
type Key struct {
	Type     string
	StateKey string
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	return k.StateKey < other.StateKey
}

// Equal reports key equality.
func (k Key) Equal(other Key) bool {
	return k.Type == other.Type && k.StateKey == other.StateKey
}

// node is the in-memory decoded form of a tree node. Keys/Vals/Children are
// kept parallel: len(Children) is either 0 (leaf) or len(Keys)+1 (internal).
type node struct {
	Keys     []Key
	Vals     []string // event_id per key
	Children []string // child node hash per gap, internal nodes only
	Count    []int64  // subtree leaf count per child, internal nodes only, parallel to Children
}

func (n *node) isLeaf() bool { return len(n.Children) == 0 }

// wireNode is the canonical-JSON projection of node that gets hashed: a
// single object with members key, val, child, count.
type wireNode struct {
	Key   []any `json:"key"`
	Val   []any `json:"val"`
	Child []any `json:"child"`
	Count []any `json:"count"`
}

func (n *node) toWire() wireNode {
	w := wireNode{}
	for _, k := range n.Keys {
		w.Key = append(w.Key, []any{k.Type, k.StateKey})
	}
	for _, v := range n.Vals {
		w.Val = append(w.Val, v)
	}
	for _, c := range n.Children {
		w.Child = append(w.Child, c)
	}
	for _, c := range n.Count {
		w.Count = append(w.Count, c)
	}
	return w
}

func fromWire(w wireNode) (*node, error) {
	n := &node{}
	for _, k := range w.Key {
		pair, ok := k.([]any)
		if !ok || len(pair) != 2 {
			return nil, errors.New("statetree: malformed key entry")
		}
		t, _ := pair[0].(string)
		sk, _ := pair[1].(string)
		n.Keys = append(n.Keys, Key{Type: t, StateKey: sk})
	}
	for _, v := range w.Val {
		s, _ := v.(string)
		n.Vals = append(n.Vals, s)
	}
	for _, c := range w.Child {
		s, _ := c.(string)
		n.Children = append(n.Children, s)
	}
	for _, c := range w.Count {
		switch v := c.(type) {
		case float64:
			n.Count = append(n.Count, int64(v))
		case int64:
			n.Count = append(n.Count, v)
		}
	}
	return n, nil
}

// hashNode canonicalizes and hashes a node, returning its content id (the
// base64-unpadded SHA-256 of the canonical JSON, the state_node column's key
// format) and the serialized bytes to add to the write batch.
func hashNode(n *node) (id string, raw []byte, err error) {
	raw, err = canonicaljson.Marshal(n.toWire())
	if err != nil {
		return "", nil, errors.Wrap(err, "statetree: canonicalize node")
	}
	digest := sigs.SHA256(raw)
	return sigs.B64Unpadded(digest[:]), raw, nil
}

// Store is the narrow read/write interface the tree needs from the owning
// event DB: Get retrieves a previously-hashed node's bytes; a Batch records
// new node writes, applied atomically by the committing write pipeline
// alongside the rest of the event's columns.
type Store interface {
	Get(id string) ([]byte, bool, error)
}

// Batch accumulates node writes for one tree mutation. The caller commits it
// together with the rest of the transaction's writes.
type Batch interface {
	Put(id string, raw []byte)
}

// overlay layers one mutation's not-yet-committed node writes over the base
// store, so the insert/remove walks can re-read nodes they just wrote while
// the owning transaction is still open.
type overlay struct {
	base    Store
	batch   Batch
	written map[string][]byte
}

func newOverlay(base Store, batch Batch) *overlay {
	return &overlay{base: base, batch: batch, written: make(map[string][]byte)}
}

func (o *overlay) Get(id string) ([]byte, bool, error) {
	if raw, ok := o.written[id]; ok {
		return raw, true, nil
	}
	return o.base.Get(id)
}

func (o *overlay) Put(id string, raw []byte) {
	o.written[id] = raw
	o.batch.Put(id, raw)
}

func loadNode(store Store, id string) (*node, error) {
	if id == "" {
		return &node{}, nil
	}
	raw, ok, err := store.Get(id)
	if err != nil {
		return nil, errors.Wrapf(err, "statetree: load node %s", id)
	}
	if !ok {
		return nil, errors.Errorf("statetree: node %s not found", id)
	}
	var w wireNode
	if err := unmarshalWire(raw, &w); err != nil {
		return nil, errors.Wrapf(err, "statetree: decode node %s", id)
	}
	return fromWire(w)
}

// count returns the number of entries reachable from the node identified by
// id (0 for the empty root). An internal node's own keys are entries too:
// subtree size is sum(child counts) + keys.
func count(store Store, id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	n, err := loadNode(store, id)
	if err != nil {
		return 0, err
	}
	if n.isLeaf() {
		return int64(len(n.Keys)), nil
	}
	total := int64(len(n.Keys))
	for _, c := range n.Count {
		total += c
	}
	return total, nil
}

// Count returns the number of (type, state_key) entries reachable from
// root, optionally narrowed to a single type.
func Count(store Store, root string, typeFilter *string) (int64, error) {
	if typeFilter == nil {
		return count(store, root)
	}
	var total int64
	err := ForEach(store, root, typeFilter, func(Key, string) bool {
		total++
		return true
	})
	return total, err
}

// Get looks up the event_id for key under root, returning ok=false on miss.
func Get(store Store, root string, key Key) (eventID string, ok bool, err error) {
	id := root
	for {
		n, err := loadNode(store, id)
		if err != nil {
			return "", false, err
		}
		if len(n.Keys) == 0 {
			return "", false, nil
		}
		idx := sort.Search(len(n.Keys), func(i int) bool { return !n.Keys[i].Less(key) })
		if idx < len(n.Keys) && n.Keys[idx].Equal(key) {
			return n.Vals[idx], true, nil
		}
		if n.isLeaf() {
			return "", false, nil
		}
		id = n.Children[idx]
	}
}

// ForEach calls f for every (key, event_id) reachable from root in key
// order, optionally narrowed to a single type, stopping early if f returns
// false.
func ForEach(store Store, root string, typeFilter *string, f func(Key, string) bool) error {
	stopped := false
	return dfsNode(store, root, func(k Key, v string) (bool, error) {
		if stopped {
			return false, nil
		}
		if typeFilter != nil && k.Type != *typeFilter {
			if k.Type > *typeFilter {
				stopped = true
				return false, nil
			}
			return true, nil
		}
		stopped = !f(k, v)
		return !stopped, nil
	})
}

// DFS walks every (key, event_id) reachable from root whose key has the
// given prefix type (or every entry if prefix is nil), calling f in key
// order.
func DFS(store Store, root string, prefix *string, f func(Key, string) bool) error {
	return ForEach(store, root, prefix, f)
}

func dfsNode(store Store, id string, f func(Key, string) (bool, error)) error {
	n, err := loadNode(store, id)
	if err != nil {
		return err
	}
	if len(n.Keys) == 0 {
		return nil
	}
	for i, k := range n.Keys {
		if !n.isLeaf() {
			if err := dfsNode(store, n.Children[i], f); err != nil {
				return err
			}
		}
		cont, err := f(k, n.Vals[i])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if !n.isLeaf() {
		if err := dfsNode(store, n.Children[len(n.Keys)], f); err != nil {
			return err
		}
	}
	return nil
}
