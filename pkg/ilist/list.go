// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
//
// Kernel objects that wait in queues (session requests, requesting threads)
// carry their own links, so queueing never allocates.
package ilist

// Element is the interface that objects must implement if they want to be
// added to and/or removed from List objects. T is normally a pointer type
// whose pointee embeds Entry[T].
type Element[T any] interface {
	comparable
	Next() T
	Prev() T
	SetNext(T)
	SetPrev(T)
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List[T Element[T]] struct {
	head T
	tail T
	len  int
}

// Reset resets list l to the empty state.
func (l *List[T]) Reset() {
	var zero T
	l.head = zero
	l.tail = zero
	l.len = 0
}

// Empty returns true iff the list is empty.
func (l *List[T]) Empty() bool {
	var zero T
	return l.head == zero
}

// Front returns the first element of list l or the zero T.
func (l *List[T]) Front() T {
	return l.head
}

// Back returns the last element of list l or the zero T.
func (l *List[T]) Back() T {
	return l.tail
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int {
	return l.len
}

// PushFront inserts the element e at the front of list l.
func (l *List[T]) PushFront(e T) {
	var zero T
	e.SetNext(l.head)
	e.SetPrev(zero)
	if l.head != zero {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
	l.len++
}

// PushBack inserts the element e at the back of list l.
func (l *List[T]) PushBack(e T) {
	var zero T
	e.SetNext(zero)
	e.SetPrev(l.tail)
	if l.tail != zero {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
}

// PopFront removes and returns the first element, or the zero T if the list
// is empty.
func (l *List[T]) PopFront() T {
	e := l.head
	var zero T
	if e != zero {
		l.Remove(e)
	}
	return e
}

// Remove removes e from l.
//
// Preconditions: e is in l.
func (l *List[T]) Remove(e T) {
	var zero T
	prev := e.Prev()
	next := e.Next()

	if prev != zero {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != zero {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(zero)
	e.SetPrev(zero)
	l.len--
}

// Entry is a default implementation of the links of an Element. Users can
// add anonymous fields of this type to their structs to make them
// automatically implement the methods needed by List.
type Entry[T any] struct {
	next T
	prev T
}

// Next returns the entry that follows e in the list.
func (e *Entry[T]) Next() T {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry[T]) Prev() T {
	return e.prev
}

// SetNext assigns 'elem' as the entry that follows e in the list.
func (e *Entry[T]) SetNext(elem T) {
	e.next = elem
}

// SetPrev assigns 'elem' as the entry that precedes e in the list.
func (e *Entry[T]) SetPrev(elem T) {
	e.prev = elem
}
