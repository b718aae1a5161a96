// Package interval implements an ordered set of disjoint address ranges,
// each carrying an opaque tag. It backs the per-pool object registry, the
// out-of-bounds rewrite records and the dangling-object registry.
//
// The implementation is a self-adjusting (splay) binary search tree keyed
// by range start address. Lookups splay the accessed node toward the root,
// so repeated queries against the same region stay cheap. All operations
// are amortized O(log n).
package interval

// Tree is a splay tree of disjoint [start, start+length) ranges.
// A zero-length range matches only its exact start address.
// The zero value is an empty tree ready for use. Tree is not safe for
// concurrent use; callers hold their own locks.
type Tree struct {
	root *node
	size int
}

type node struct {
	start  uintptr
	length uintptr
	tag    any
	left   *node
	right  *node
}

// end returns one past the last address covered by n.
// Zero-length nodes cover only their start address.
func (n *node) end() uintptr {
	if n.length == 0 {
		return n.start + 1
	}
	return n.start + n.length
}

// Len returns the number of ranges in the tree.
func (t *Tree) Len() int { return t.size }

// Clear removes all ranges.
func (t *Tree) Clear() {
	t.root = nil
	t.size = 0
}

// splay performs a top-down splay for key. After the call the root is the
// node with the greatest start <= key if one exists, otherwise the node
// with the smallest start.
func (t *Tree) splay(key uintptr) {
	if t.root == nil {
		return
	}
	var header node
	l, r := &header, &header
	cur := t.root
	for {
		if key < cur.start {
			if cur.left == nil {
				break
			}
			if key < cur.left.start {
				// Rotate right.
				y := cur.left
				cur.left = y.right
				y.right = cur
				cur = y
				if cur.left == nil {
					break
				}
			}
			// Link right.
			r.left = cur
			r = cur
			cur = cur.left
		} else if key > cur.start {
			if cur.right == nil {
				break
			}
			if key > cur.right.start {
				// Rotate left.
				y := cur.right
				cur.right = y.left
				y.left = cur
				cur = y
				if cur.right == nil {
					break
				}
			}
			// Link left.
			l.right = cur
			l = cur
			cur = cur.right
		} else {
			break
		}
	}
	l.right = cur.left
	r.left = cur.right
	cur.left = header.right
	cur.right = header.left
	t.root = cur

	// A top-down splay for an absent key can leave the successor at the
	// root. Containment checks want the floor node, so rotate the left
	// subtree's maximum up in that case.
	if t.root.start > key && t.root.left != nil {
		t.splayLeftMax()
	}
}

// splayLeftMax rotates the maximum of the left subtree to the root,
// preserving the BST property. Used to finish a floor lookup.
func (t *Tree) splayLeftMax() {
	old := t.root
	sub := &Tree{root: old.left}
	sub.splay(^uintptr(0))
	newRoot := sub.root
	old.left = newRoot.right
	newRoot.right = old
	t.root = newRoot
}

// Insert registers a new range. Ranges are assumed disjoint from all
// existing ones; registering an overlapping range is undefined behavior,
// matching the contract of the instrumented program.
func (t *Tree) Insert(start, length uintptr, tag any) {
	n := &node{start: start, length: length, tag: tag}
	if t.root == nil {
		t.root = n
		t.size++
		return
	}
	t.splay(start)
	if start < t.root.start {
		n.left = t.root.left
		n.right = t.root
		t.root.left = nil
	} else {
		n.right = t.root.right
		n.left = t.root
		t.root.right = nil
	}
	t.root = n
	t.size++
}

// Retrieve returns the unique range containing addr.
func (t *Tree) Retrieve(addr uintptr) (start, length uintptr, tag any, ok bool) {
	if t.root == nil {
		return 0, 0, nil, false
	}
	t.splay(addr)
	n := t.root
	if n.start > addr {
		return 0, 0, nil, false
	}
	if addr >= n.end() {
		return 0, 0, nil, false
	}
	return n.start, n.length, n.tag, true
}

// Delete removes the range that starts exactly at start and returns its
// tag. Ranges merely containing start are not removed.
func (t *Tree) Delete(start uintptr) (tag any, ok bool) {
	if t.root == nil {
		return nil, false
	}
	t.splay(start)
	if t.root.start != start {
		return nil, false
	}
	tag = t.root.tag
	left, right := t.root.left, t.root.right
	if left == nil {
		t.root = right
	} else {
		t.root = left
		t.splay(start) // brings the max of left to the root
		t.root.right = right
	}
	t.size--
	return tag, true
}

// Do calls fn for every range in ascending start order until fn returns
// false. The tree must not be mutated during the walk.
func (t *Tree) Do(fn func(start, length uintptr, tag any) bool) {
	var walk func(*node) bool
	walk = func(n *node) bool {
		if n == nil {
			return true
		}
		if !walk(n.left) {
			return false
		}
		if !fn(n.start, n.length, n.tag) {
			return false
		}
		return walk(n.right)
	}
	walk(t.root)
}
