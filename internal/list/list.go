// Package list implements intrusive doubly-linked lists.
//
// A Node is embedded in the object that participates in the list and
// carries a typed back-pointer to its owner, so iteration never
// allocates and an object's list membership is bounded by the number of
// embedded nodes it carries.
package list

// Node is one link of an intrusive list. The zero value is not usable;
// call Init first.
type Node[T any] struct {
	next, prev *Node[T]
	owner      *T
}

// Init prepares a node embedded in owner. A freshly initialised node is
// self-linked, which doubles as the "not in any list" state.
func (n *Node[T]) Init(owner *T) {
	n.owner = owner
	n.next = n
	n.prev = n
}

// InList reports whether the node is currently linked into a list.
func (n *Node[T]) InList() bool {
	return n.next != nil && n.next != n
}

// Owner returns the object this node is embedded in.
func (n *Node[T]) Owner() *T {
	return n.owner
}

// Head is the anchor of an intrusive list.
type Head[T any] struct {
	root Node[T]
	len  int
}

// Init prepares an empty list.
func (h *Head[T]) Init() {
	h.root.next = &h.root
	h.root.prev = &h.root
	h.len = 0
}

func (h *Head[T]) lazyInit() {
	if h.root.next == nil {
		h.Init()
	}
}

// Empty reports whether the list holds no nodes.
func (h *Head[T]) Empty() bool {
	h.lazyInit()
	return h.root.next == &h.root
}

// Len returns the number of linked nodes.
func (h *Head[T]) Len() int {
	return h.len
}

func (h *Head[T]) insert(n, at *Node[T]) {
	n.prev = at
	n.next = at.next
	at.next.prev = n
	at.next = n
	h.len++
}

// PushFront links n at the head of the list.
func (h *Head[T]) PushFront(n *Node[T]) {
	h.lazyInit()
	h.insert(n, &h.root)
}

// PushBack links n at the tail of the list.
func (h *Head[T]) PushBack(n *Node[T]) {
	h.lazyInit()
	h.insert(n, h.root.prev)
}

// Remove unlinks n and resets it to the self-linked state.
func (h *Head[T]) Remove(n *Node[T]) {
	if !n.InList() {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = n
	n.prev = n
	h.len--
}

// Front returns the first owner in the list, or nil when empty.
func (h *Head[T]) Front() *T {
	if h.Empty() {
		return nil
	}
	return h.root.next.owner
}

// TakeFirst unlinks and returns the first owner, or nil when empty.
func (h *Head[T]) TakeFirst() *T {
	if h.Empty() {
		return nil
	}
	n := h.root.next
	h.Remove(n)
	return n.owner
}

// ForEach visits every owner in order. The visitor may remove the
// current node; returning false stops the walk.
func (h *Head[T]) ForEach(fn func(*T) bool) {
	h.lazyInit()
	for n := h.root.next; n != &h.root; {
		next := n.next
		if !fn(n.owner) {
			return
		}
		n = next
	}
}

// MakeLast rotates the list so n becomes the final node while keeping
// the relative order of every other node. The scheduler uses this to
// resume its round-robin scan just past the task it picked.
func (h *Head[T]) MakeLast(n *Node[T]) {
	if !n.InList() || h.root.prev == n {
		return
	}
	for h.root.prev != n {
		first := h.root.next
		h.Remove(first)
		h.insert(first, h.root.prev)
	}
}
