package statetree

import (
	"sort"

	"github.com/pkg/errors"
)

// Insert sets key → eventID in the tree rooted at oldRoot, staging any newly
// created node bytes into batch, and returns the new root id. The walk runs
// from the root to the first key ≥ K; an equal-key hit overwrites;
// otherwise it descends, splicing into a leaf with room or splitting a full
// one and pushing the median up.
func Insert(store Store, batch Batch, oldRoot string, key Key, eventID string) (newRoot string, err error) {
	ov := newOverlay(store, batch)
	result, err := insertRec(ov, ov, oldRoot, key, eventID)
	if err != nil {
		return "", err
	}
	if result.promoted == nil {
		return result.id, nil
	}
	// Root split: synthesize a new root with one key and two children.
	root := &node{
		Keys:     []Key{result.promoted.key},
		Vals:     []string{result.promoted.val},
		Children: []string{result.id, result.promoted.right},
		Count:    []int64{result.leftCount, result.promoted.rightCount},
	}
	return writeNode(ov, root)
}

type promotion struct {
	key        Key
	val        string
	right      string
	rightCount int64
}

type insertResult struct {
	id        string
	leftCount int64
	promoted  *promotion
}

func insertRec(store Store, batch Batch, id string, key Key, val string) (insertResult, error) {
	n, err := loadNode(store, id)
	if err != nil {
		return insertResult{}, err
	}

	idx := sort.Search(len(n.Keys), func(i int) bool { return !n.Keys[i].Less(key) })

	if idx < len(n.Keys) && n.Keys[idx].Equal(key) {
		n.Vals[idx] = val
		newID, err := writeNode(batch, n)
		if err != nil {
			return insertResult{}, err
		}
		return insertResult{id: newID, leftCount: leafCount(n)}, nil
	}

	if n.isLeaf() {
		n.Keys = insertKeyAt(n.Keys, idx, key)
		n.Vals = insertValAt(n.Vals, idx, val)
		return splitIfNeeded(batch, n)
	}

	child, err := insertRec(store, batch, n.Children[idx], key, val)
	if err != nil {
		return insertResult{}, err
	}
	n.Children[idx] = child.id
	n.Count[idx] = child.leftCount

	if child.promoted != nil {
		p := child.promoted
		n.Keys = insertKeyAt(n.Keys, idx, p.key)
		n.Vals = insertValAt(n.Vals, idx, p.val)
		n.Children = insertChildAt(n.Children, idx+1, p.right)
		n.Count = insertCountAt(n.Count, idx+1, p.rightCount)
	}

	return splitIfNeeded(batch, n)
}

func splitIfNeeded(batch Batch, n *node) (insertResult, error) {
	if len(n.Keys) <= NodeMaxKey {
		id, err := writeNode(batch, n)
		if err != nil {
			return insertResult{}, err
		}
		return insertResult{id: id, leftCount: subtreeCount(n)}, nil
	}

	mid := len(n.Keys) / 2
	left := &node{Keys: append([]Key(nil), n.Keys[:mid]...), Vals: append([]string(nil), n.Vals[:mid]...)}
	right := &node{Keys: append([]Key(nil), n.Keys[mid+1:]...), Vals: append([]string(nil), n.Vals[mid+1:]...)}
	if !n.isLeaf() {
		left.Children = append([]string(nil), n.Children[:mid+1]...)
		left.Count = append([]int64(nil), n.Count[:mid+1]...)
		right.Children = append([]string(nil), n.Children[mid+1:]...)
		right.Count = append([]int64(nil), n.Count[mid+1:]...)
	}

	leftID, err := writeNode(batch, left)
	if err != nil {
		return insertResult{}, err
	}
	rightID, err := writeNode(batch, right)
	if err != nil {
		return insertResult{}, err
	}

	return insertResult{
		id:        leftID,
		leftCount: subtreeCount(left),
		promoted: &promotion{
			key:        n.Keys[mid],
			val:        n.Vals[mid],
			right:      rightID,
			rightCount: subtreeCount(right),
		},
	}, nil
}

func subtreeCount(n *node) int64 {
	if n.isLeaf() {
		return leafCount(n)
	}
	total := int64(len(n.Keys))
	for _, c := range n.Count {
		total += c
	}
	return total
}

func leafCount(n *node) int64 { return int64(len(n.Keys)) }

func writeNode(batch Batch, n *node) (string, error) {
	id, raw, err := hashNode(n)
	if err != nil {
		return "", errors.Wrap(err, "statetree: write node")
	}
	batch.Put(id, raw)
	return id, nil
}

func insertKeyAt(s []Key, i int, v Key) []Key {
	s = append(s, Key{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertValAt(s []string, i int, v string) []string {
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertChildAt(s []string, i int, v string) []string {
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertCountAt(s []int64, i int, v int64) []int64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
