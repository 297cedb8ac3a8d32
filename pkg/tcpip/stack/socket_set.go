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

package stack

import (
	"fmt"

	"pollnet.dev/pollnet/pkg/tcpip"
)

// SocketHandle identifies one socket in a SocketSet. Handles are
// generation-tagged: a slot reused after close yields a handle that compares
// unequal to the stale one, and using a stale handle panics.
type SocketHandle struct {
	index int
	gen   uint32
}

// String implements fmt.Stringer.
func (h SocketHandle) String() string {
	return fmt.Sprintf("socket(%d.%d)", h.index, h.gen)
}

type socketSlot struct {
	sock Socket
	gen  uint32
	live bool
}

// SocketSet is a bounded collection of sockets with stable handles. Handles
// are the only way to reach a socket, so access is single-owner by
// construction: Get borrows exactly one socket at a time.
type SocketSet struct {
	slots []socketSlot
	used  int
}

// NewSocketSet creates a set with room for capacity sockets.
func NewSocketSet(capacity int) *SocketSet {
	return &SocketSet{slots: make([]socketSlot, capacity)}
}

// Len returns the number of live sockets.
func (s *SocketSet) Len() int {
	return s.used
}

// Capacity returns the fixed number of slots.
func (s *SocketSet) Capacity() int {
	return len(s.slots)
}

// Add inserts sock into a free slot and returns its handle. Fails with
// ErrCapacityExceeded when every slot is in use.
func (s *SocketSet) Add(sock Socket) (SocketHandle, *tcpip.Error) {
	for i := range s.slots {
		if s.slots[i].live {
			continue
		}
		s.slots[i].sock = sock
		s.slots[i].live = true
		s.used++
		return SocketHandle{index: i, gen: s.slots[i].gen}, nil
	}
	return SocketHandle{}, tcpip.ErrCapacityExceeded
}

// Get returns the socket behind h. Panics if h is stale or was never
// issued.
func (s *SocketSet) Get(h SocketHandle) Socket {
	return s.checkedSlot(h).sock
}

// Remove releases h's slot and returns the socket that occupied it, so the
// caller can reclaim its buffers. The slot is immediately reusable by a
// later Add, under a new generation. Panics if h is stale.
func (s *SocketSet) Remove(h SocketHandle) Socket {
	slot := s.checkedSlot(h)
	sock := slot.sock
	slot.sock = nil
	slot.live = false
	slot.gen++
	s.used--
	return sock
}

func (s *SocketSet) checkedSlot(h SocketHandle) *socketSlot {
	if h.index < 0 || h.index >= len(s.slots) {
		panic(fmt.Sprintf("%s is not a handle of this socket set", h))
	}
	slot := &s.slots[h.index]
	if !slot.live || slot.gen != h.gen {
		panic(fmt.Sprintf("%s used after close", h))
	}
	return slot
}

// ForEach calls fn for every live socket in slot order.
func (s *SocketSet) ForEach(fn func(h SocketHandle, sock Socket)) {
	for i := range s.slots {
		if s.slots[i].live {
			fn(SocketHandle{index: i, gen: s.slots[i].gen}, s.slots[i].sock)
		}
	}
}
