package statetree

import (
	"sort"

	"github.com/pkg/errors"
)

// minKeys is the underflow threshold: on removal, a node with fewer than
// minKeys remaining triggers rebalancing (rotate-then-merge).
const minKeys = NodeMaxKey / 2

// Remove deletes key from the tree rooted at oldRoot, staging any newly
// created node bytes into batch, and returns the new root id. Rebalancing on
// underflow follows the rotate-then-merge policy: borrow the nearest
// sibling's edge key/val through the parent if the sibling has more than
// minKeys entries, otherwise merge with that sibling (possibly shrinking the
// tree's height by one at the root).
func Remove(store Store, batch Batch, oldRoot string, key Key) (newRoot string, err error) {
	if oldRoot == "" {
		return "", errors.New("statetree: remove from empty tree")
	}
	ov := newOverlay(store, batch)
	newID, err := removeRec(ov, ov, oldRoot, key)
	if err != nil {
		return "", err
	}
	// If the root collapsed to an internal node with zero keys, its single
	// remaining child becomes the new root (height decreases by one).
	n, err := loadNode(ov, newID)
	if err != nil {
		return "", err
	}
	if !n.isLeaf() && len(n.Keys) == 0 {
		return n.Children[0], nil
	}
	// Removing the last entry leaves the canonical empty root: "".
	if n.isLeaf() && len(n.Keys) == 0 {
		return "", nil
	}
	return newID, nil
}

func removeRec(store Store, batch Batch, id string, key Key) (string, error) {
	n, err := loadNode(store, id)
	if err != nil {
		return "", err
	}

	idx := sort.Search(len(n.Keys), func(i int) bool { return !n.Keys[i].Less(key) })
	found := idx < len(n.Keys) && n.Keys[idx].Equal(key)

	if n.isLeaf() {
		if !found {
			return "", errors.Errorf("statetree: key not found")
		}
		n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
		n.Vals = append(n.Vals[:idx], n.Vals[idx+1:]...)
		return writeNode(batch, n)
	}

	if found {
		// Replace with the in-order predecessor (max of left subtree), then
		// recursively delete that predecessor from the left subtree.
		predKey, predVal, err := maxEntry(store, n.Children[idx])
		if err != nil {
			return "", err
		}
		n.Keys[idx] = predKey
		n.Vals[idx] = predVal
		newChild, err := removeRec(store, batch, n.Children[idx], predKey)
		if err != nil {
			return "", err
		}
		n.Children[idx] = newChild
		n.Count[idx], err = count(store, newChild)
		if err != nil {
			return "", err
		}
		return rebalanceAt(store, batch, n, idx)
	}

	newChild, err := removeRec(store, batch, n.Children[idx], key)
	if err != nil {
		return "", err
	}
	n.Children[idx] = newChild
	cnt, err := count(store, newChild)
	if err != nil {
		return "", err
	}
	n.Count[idx] = cnt
	return rebalanceAt(store, batch, n, idx)
}

// maxEntry returns the largest (key, val) reachable from the subtree rooted
// at id.
func maxEntry(store Store, id string) (Key, string, error) {
	n, err := loadNode(store, id)
	if err != nil {
		return Key{}, "", err
	}
	if n.isLeaf() {
		last := len(n.Keys) - 1
		return n.Keys[last], n.Vals[last], nil
	}
	return maxEntry(store, n.Children[len(n.Children)-1])
}

// rebalanceAt checks whether the child at childIdx underflowed and, if so,
// borrows from or merges with a sibling before n itself is written out.
func rebalanceAt(store Store, batch Batch, n *node, childIdx int) (string, error) {
	child, err := loadNode(store, n.Children[childIdx])
	if err != nil {
		return "", err
	}
	if len(child.Keys) >= minKeys {
		return writeNode(batch, n)
	}

	// Prefer borrowing from the right sibling, then the left.
	if childIdx+1 < len(n.Children) {
		right, err := loadNode(store, n.Children[childIdx+1])
		if err != nil {
			return "", err
		}
		if len(right.Keys) > minKeys {
			borrowFromRight(n, childIdx, child, right)
			leftID, err := writeNode(batch, child)
			if err != nil {
				return "", err
			}
			rightID, err := writeNode(batch, right)
			if err != nil {
				return "", err
			}
			n.Children[childIdx] = leftID
			n.Children[childIdx+1] = rightID
			n.Count[childIdx] = subtreeCount(child)
			n.Count[childIdx+1] = subtreeCount(right)
			return writeNode(batch, n)
		}
	}
	if childIdx > 0 {
		left, err := loadNode(store, n.Children[childIdx-1])
		if err != nil {
			return "", err
		}
		if len(left.Keys) > minKeys {
			borrowFromLeft(n, childIdx-1, left, child)
			leftID, err := writeNode(batch, left)
			if err != nil {
				return "", err
			}
			rightID, err := writeNode(batch, child)
			if err != nil {
				return "", err
			}
			n.Children[childIdx-1] = leftID
			n.Children[childIdx] = rightID
			n.Count[childIdx-1] = subtreeCount(left)
			n.Count[childIdx] = subtreeCount(child)
			return writeNode(batch, n)
		}
	}

	// No sibling can lend a key: merge with one of them.
	if childIdx+1 < len(n.Children) {
		right, err := loadNode(store, n.Children[childIdx+1])
		if err != nil {
			return "", err
		}
		merged := mergeNodes(child, n.Keys[childIdx], n.Vals[childIdx], right)
		mergedID, err := writeNode(batch, merged)
		if err != nil {
			return "", err
		}
		n.Keys = append(n.Keys[:childIdx], n.Keys[childIdx+1:]...)
		n.Vals = append(n.Vals[:childIdx], n.Vals[childIdx+1:]...)
		n.Children = append(append(append([]string{}, n.Children[:childIdx]...), mergedID), n.Children[childIdx+2:]...)
		n.Count = append(append(append([]int64{}, n.Count[:childIdx]...), subtreeCount(merged)), n.Count[childIdx+2:]...)
		return writeNode(batch, n)
	}

	left, err := loadNode(store, n.Children[childIdx-1])
	if err != nil {
		return "", err
	}
	merged := mergeNodes(left, n.Keys[childIdx-1], n.Vals[childIdx-1], child)
	mergedID, err := writeNode(batch, merged)
	if err != nil {
		return "", err
	}
	n.Keys = append(n.Keys[:childIdx-1], n.Keys[childIdx:]...)
	n.Vals = append(n.Vals[:childIdx-1], n.Vals[childIdx:]...)
	n.Children = append(append(append([]string{}, n.Children[:childIdx-1]...), mergedID), n.Children[childIdx+1:]...)
	n.Count = append(append(append([]int64{}, n.Count[:childIdx-1]...), subtreeCount(merged)), n.Count[childIdx+1:]...)
	return writeNode(batch, n)
}

func borrowFromRight(parent *node, childIdx int, left, right *node) {
	left.Keys = append(left.Keys, parent.Keys[childIdx])
	left.Vals = append(left.Vals, parent.Vals[childIdx])
	if !left.isLeaf() {
		left.Children = append(left.Children, right.Children[0])
		left.Count = append(left.Count, right.Count[0])
		right.Children = right.Children[1:]
		right.Count = right.Count[1:]
	}
	parent.Keys[childIdx] = right.Keys[0]
	parent.Vals[childIdx] = right.Vals[0]
	right.Keys = right.Keys[1:]
	right.Vals = right.Vals[1:]
}

func borrowFromLeft(parent *node, leftIdx int, left, right *node) {
	lastKey := left.Keys[len(left.Keys)-1]
	lastVal := left.Vals[len(left.Vals)-1]
	left.Keys = left.Keys[:len(left.Keys)-1]
	left.Vals = left.Vals[:len(left.Vals)-1]

	right.Keys = insertKeyAt(right.Keys, 0, parent.Keys[leftIdx])
	right.Vals = insertValAt(right.Vals, 0, parent.Vals[leftIdx])
	if !right.isLeaf() {
		lastChild := left.Children[len(left.Children)-1]
		lastCount := left.Count[len(left.Count)-1]
		left.Children = left.Children[:len(left.Children)-1]
		left.Count = left.Count[:len(left.Count)-1]
		right.Children = insertChildAt(right.Children, 0, lastChild)
		right.Count = insertCountAt(right.Count, 0, lastCount)
	}

	parent.Keys[leftIdx] = lastKey
	parent.Vals[leftIdx] = lastVal
}

func mergeNodes(left *node, midKey Key, midVal string, right *node) *node {
	merged := &node{
		Keys: append(append(append([]Key{}, left.Keys...), midKey), right.Keys...),
		Vals: append(append(append([]string{}, left.Vals...), midVal), right.Vals...),
	}
	if !left.isLeaf() {
		merged.Children = append(append([]string{}, left.Children...), right.Children...)
		merged.Count = append(append([]int64{}, left.Count...), right.Count...)
	}
	return merged
}
