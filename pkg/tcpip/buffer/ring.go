// Copyright 2024 The Pollnet Authors.
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

// Package buffer provides the fixed-capacity byte queues backing socket
// transmit and receive paths, and the prependable frame construction helper.
//
// All storage is caller-supplied: the package never allocates on the data
// path. Zero-copy access is exposed through borrowed views into the backing
// storage; a view is valid until the next mutating call on the same buffer.
package buffer

import "fmt"

// Ring is a fixed-capacity byte FIFO with wrap-around read and write
// cursors over caller-supplied storage.
//
// Enqueue and Dequeue move as many bytes as fit and report the count; they
// never block and never allocate. The view-based calls (EnqueueViews/Commit,
// DequeueViews/Consume) move data without copying through the Ring itself.
type Ring struct {
	storage []byte

	// read is the index of the first readable byte.
	read int

	// length is the number of readable bytes. Tracking length rather than a
	// write index distinguishes a full ring from an empty one.
	length int
}

// NewRing creates a Ring over the given storage. The Ring owns the storage
// until it is released with Storage(); the caller must not touch it in
// between.
func NewRing(storage []byte) *Ring {
	return &Ring{storage: storage}
}

// Capacity returns the total number of bytes the ring can hold.
func (r *Ring) Capacity() int {
	return len(r.storage)
}

// Len returns the number of readable bytes.
func (r *Ring) Len() int {
	return r.length
}

// Available returns the number of writable bytes.
func (r *Ring) Available() int {
	return len(r.storage) - r.length
}

// Empty returns whether the ring holds no readable bytes.
func (r *Ring) Empty() bool {
	return r.length == 0
}

// Full returns whether the ring has no room left.
func (r *Ring) Full() bool {
	return r.length == len(r.storage)
}

// Reset discards all readable bytes.
func (r *Ring) Reset() {
	r.read = 0
	r.length = 0
}

// Storage releases and returns the backing storage. The ring must not be
// used afterwards.
func (r *Ring) Storage() []byte {
	s := r.storage
	r.storage = nil
	r.read = 0
	r.length = 0
	return s
}

// Enqueue copies as much of b as fits into the ring and returns the number
// of bytes moved, which may be less than len(b) or zero.
func (r *Ring) Enqueue(b []byte) int {
	first, second := r.EnqueueViews()
	n := copy(first, b)
	n += copy(second, b[n:])
	r.Commit(n)
	return n
}

// Dequeue copies up to len(b) readable bytes out of the ring and returns the
// number of bytes moved.
func (r *Ring) Dequeue(b []byte) int {
	first, second := r.DequeueViews()
	n := copy(b, first)
	n += copy(b[n:], second)
	r.Consume(n)
	return n
}

// EnqueueViews returns the writable space of the ring as up to two borrowed
// views. The second view is non-empty only when the free space wraps around
// the end of the storage. Bytes written into the views become readable after
// Commit.
func (r *Ring) EnqueueViews() (first, second []byte) {
	writeIdx := r.read + r.length
	if writeIdx >= len(r.storage) {
		// Free space is one contiguous run in the middle.
		writeIdx -= len(r.storage)
		return r.storage[writeIdx:r.read], nil
	}
	return r.storage[writeIdx:], r.storage[:r.read]
}

// Commit marks n bytes written into the views returned by EnqueueViews as
// readable. Committing more than Available is a caller bug.
func (r *Ring) Commit(n int) {
	if n < 0 || n > r.Available() {
		panic(fmt.Sprintf("commit of %d bytes with %d available", n, r.Available()))
	}
	r.length += n
}

// DequeueViews returns the readable content of the ring as up to two
// borrowed views. The second view is non-empty only when the content wraps
// around the end of the storage. Bytes are removed with Consume.
func (r *Ring) DequeueViews() (first, second []byte) {
	end := r.read + r.length
	if end > len(r.storage) {
		return r.storage[r.read:], r.storage[:end-len(r.storage)]
	}
	return r.storage[r.read:end], nil
}

// Consume removes n readable bytes from the front of the ring. Consuming
// more than Len is a caller bug.
func (r *Ring) Consume(n int) {
	if n < 0 || n > r.length {
		panic(fmt.Sprintf("consume of %d bytes with %d readable", n, r.length))
	}
	r.read += n
	if r.read >= len(r.storage) {
		r.read -= len(r.storage)
	}
	r.length -= n
}
