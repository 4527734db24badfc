// Package fifo implements a generic singly-linked FIFO queue, used
// throughout marlinfeed to hold pending G-code sources, HTTP-injected
// commands, and dirscan candidates. It is a direct generic-Go translation
// of the original implementation's FIFO<T> template.
package fifo

type node[T any] struct {
	val  T
	next *node[T]
}

// FIFO is a singly-linked queue of T. The zero value is an empty, usable
// FIFO.
type FIFO[T any] struct {
	count       int
	entry, exit *node[T]
}

// New returns a new, empty FIFO.
func New[T any]() *FIFO[T] { return &FIFO[T]{} }

// Empty reports whether the FIFO holds no elements.
func (f *FIFO[T]) Empty() bool { return f.exit == nil }

// Len returns the number of elements currently stored.
func (f *FIFO[T]) Len() int { return f.count }

// Put appends val to the back of the queue.
func (f *FIFO[T]) Put(val T) {
	n := &node[T]{val: val}
	if f.entry == nil {
		f.entry = n
		f.exit = n
		f.count++
		return
	}
	f.entry.next = n
	f.entry = n
	f.count++
}

// Get removes and returns the oldest element. ok is false if the queue was
// empty, in which case the returned value is the zero value of T.
func (f *FIFO[T]) Get() (val T, ok bool) {
	if f.exit == nil {
		return val, false
	}
	n := f.exit
	f.exit = n.next
	if f.exit == nil {
		f.entry = nil
	}
	f.count--
	return n.val, true
}

// Peek returns the oldest element without removing it. ok is false if the
// queue is empty.
func (f *FIFO[T]) Peek() (val T, ok bool) {
	if f.exit == nil {
		return val, false
	}
	return f.exit.val, true
}

// Visit calls fn on every element from oldest to newest, stopping early if
// fn returns false.
func (f *FIFO[T]) Visit(fn func(T) bool) {
	for n := f.exit; n != nil; n = n.next {
		if !fn(n.val) {
			return
		}
	}
}

// Filter calls keep on every element from oldest to newest and removes
// those for which it returns false.
func (f *FIFO[T]) Filter(keep func(T) bool) {
	var kept []*node[T]
	for n := f.exit; n != nil; n = n.next {
		if keep(n.val) {
			kept = append(kept, n)
		} else {
			f.count--
		}
	}
	f.exit = nil
	f.entry = nil
	for _, n := range kept {
		n.next = nil
		if f.entry == nil {
			f.entry = n
			f.exit = n
		} else {
			f.entry.next = n
			f.entry = n
		}
	}
}
