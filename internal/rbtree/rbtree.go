// Package rbtree implements a red-black tree keyed by a caller-supplied
// comparison function. The comparator is stored in the tree for its whole
// lifetime, so every operation re-verifies it against the function whitelist
// before comparing anything with it.
package rbtree

import (
	"github.com/vk/warden/internal/fnwlist"
)

// CmpFunc orders two keys. It returns a negative value, zero, or a positive
// value, like bytes.Compare. Implementations must be registered under
// fnwlist.TreeCmp before the registry is sealed.
type CmpFunc func(a, b any) int

// Tree is a red-black tree. Not safe for concurrent use; owners serialize
// access the same way they serialize the data the tree indexes.
type Tree struct {
	root  *node
	count int
	cmp   CmpFunc
}

type node struct {
	parent, left, right *node
	red                 bool
	key                 any
	val                 any
}

// New creates an empty tree ordered by cmp.
func New(cmp CmpFunc) *Tree {
	return &Tree{cmp: cmp}
}

// Len returns the number of entries.
func (t *Tree) Len() int { return t.count }

// Insert adds key with val. It returns false if an equal key already exists,
// leaving the existing entry in place.
func (t *Tree) Insert(key, val any) bool {
	fnwlist.Check(fnwlist.TreeCmp, t.cmp)
	var parent *node
	cur := t.root
	for cur != nil {
		parent = cur
		c := t.cmp(key, cur.key)
		switch {
		case c < 0:
			cur = cur.left
		case c > 0:
			cur = cur.right
		default:
			return false
		}
	}
	n := &node{parent: parent, red: true, key: key, val: val}
	if parent == nil {
		t.root = n
	} else if t.cmp(key, parent.key) < 0 {
		parent.left = n
	} else {
		parent.right = n
	}
	t.count++
	t.fixInsert(n)
	return true
}

// Search returns the value stored under key.
func (t *Tree) Search(key any) (any, bool) {
	fnwlist.Check(fnwlist.TreeCmp, t.cmp)
	n := t.find(key)
	if n == nil {
		return nil, false
	}
	return n.val, true
}

// Delete removes key and returns the value it held.
func (t *Tree) Delete(key any) (any, bool) {
	fnwlist.Check(fnwlist.TreeCmp, t.cmp)
	n := t.find(key)
	if n == nil {
		return nil, false
	}
	val := n.val
	t.remove(n)
	t.count--
	return val, true
}

// Ascend visits entries in key order until visit returns false.
func (t *Tree) Ascend(visit func(key, val any) bool) {
	ascend(t.root, visit)
}

func ascend(n *node, visit func(key, val any) bool) bool {
	if n == nil {
		return true
	}
	if !ascend(n.left, visit) {
		return false
	}
	if !visit(n.key, n.val) {
		return false
	}
	return ascend(n.right, visit)
}

func (t *Tree) find(key any) *node {
	cur := t.root
	for cur != nil {
		c := t.cmp(key, cur.key)
		switch {
		case c < 0:
			cur = cur.left
		case c > 0:
			cur = cur.right
		default:
			return cur
		}
	}
	return nil
}

func isRed(n *node) bool { return n != nil && n.red }

func (t *Tree) rotateLeft(n *node) {
	r := n.right
	n.right = r.left
	if r.left != nil {
		r.left.parent = n
	}
	r.parent = n.parent
	switch {
	case n.parent == nil:
		t.root = r
	case n == n.parent.left:
		n.parent.left = r
	default:
		n.parent.right = r
	}
	r.left = n
	n.parent = r
}

func (t *Tree) rotateRight(n *node) {
	l := n.left
	n.left = l.right
	if l.right != nil {
		l.right.parent = n
	}
	l.parent = n.parent
	switch {
	case n.parent == nil:
		t.root = l
	case n == n.parent.right:
		n.parent.right = l
	default:
		n.parent.left = l
	}
	l.right = n
	n.parent = l
}

func (t *Tree) fixInsert(n *node) {
	for isRed(n.parent) {
		parent := n.parent
		grand := parent.parent
		if parent == grand.left {
			if uncle := grand.right; isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				n = grand
				continue
			}
			if n == parent.right {
				n = parent
				t.rotateLeft(n)
				parent = n.parent
				grand = parent.parent
			}
			parent.red = false
			grand.red = true
			t.rotateRight(grand)
		} else {
			if uncle := grand.left; isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				n = grand
				continue
			}
			if n == parent.left {
				n = parent
				t.rotateRight(n)
				parent = n.parent
				grand = parent.parent
			}
			parent.red = false
			grand.red = true
			t.rotateLeft(grand)
		}
	}
	t.root.red = false
}

// remove unlinks n. If n has two children its successor's payload is moved
// into n first, so the node actually unlinked has at most one child.
func (t *Tree) remove(n *node) {
	if n.left != nil && n.right != nil {
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.key, n.val = succ.key, succ.val
		n = succ
	}
	child := n.left
	if child == nil {
		child = n.right
	}
	parent := n.parent
	if child != nil {
		child.parent = parent
	}
	switch {
	case parent == nil:
		t.root = child
	case n == parent.left:
		parent.left = child
	default:
		parent.right = child
	}
	if !n.red {
		t.fixDelete(child, parent)
	}
}

func (t *Tree) fixDelete(n *node, parent *node) {
	for n != t.root && !isRed(n) {
		if parent == nil {
			break
		}
		if n == parent.left {
			sib := parent.right
			if isRed(sib) {
				sib.red = false
				parent.red = true
				t.rotateLeft(parent)
				sib = parent.right
			}
			if !isRed(sib.left) && !isRed(sib.right) {
				sib.red = true
				n = parent
				parent = n.parent
				continue
			}
			if !isRed(sib.right) {
				sib.left.red = false
				sib.red = true
				t.rotateRight(sib)
				sib = parent.right
			}
			sib.red = parent.red
			parent.red = false
			sib.right.red = false
			t.rotateLeft(parent)
			n = t.root
			break
		}
		sib := parent.left
		if isRed(sib) {
			sib.red = false
			parent.red = true
			t.rotateRight(parent)
			sib = parent.left
		}
		if !isRed(sib.left) && !isRed(sib.right) {
			sib.red = true
			n = parent
			parent = n.parent
			continue
		}
		if !isRed(sib.left) {
			sib.right.red = false
			sib.red = true
			t.rotateLeft(sib)
			sib = parent.left
		}
		sib.red = parent.red
		parent.red = false
		sib.left.red = false
		t.rotateRight(parent)
		n = t.root
		break
	}
	if n != nil {
		n.red = false
	}
}
