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

// Package fragmentation implements IP datagram reassembly under bounded
// memory.
//
// The pool holds a fixed number of in-progress reassembly contexts.
// Fragment state is explicitly the first resource reclaimed under memory
// pressure: when a new datagram needs a slot and the pool is full, the
// oldest incomplete context is evicted, and a periodic Tick sweep drops
// contexts that outlived the reassembly timeout.
package fragmentation

import (
	"time"

	"pollnet.dev/pollnet/pkg/tcpip"
)

const (
	// DefaultCapacity is the default number of simultaneous in-progress
	// reassembly contexts.
	DefaultCapacity = 16

	// DefaultReassembleTimeout is the default amount of time a context is
	// kept before it is dropped, per RFC 791 section 3.2 (15 seconds is the
	// customary lower bound).
	DefaultReassembleTimeout = 30 * time.Second

	// DefaultMaxDatagramSize is the default bound on a reassembled
	// datagram.
	DefaultMaxDatagramSize = 65535
)

// FragmentID is the identification of a fragmented datagram: every fragment
// of one datagram shares this key.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source tcpip.Address

	// Destination is the destination address of the fragment.
	Destination tcpip.Address

	// Protocol is the protocol (IPv4) or next-header (IPv6) field of the
	// fragmented datagram.
	Protocol tcpip.TransportProtocolNumber

	// ID is the identification field of the fragment header.
	ID uint32
}

// Options configures a Fragmentation pool. Zero fields take defaults.
type Options struct {
	// Capacity is the maximum number of simultaneous reassembly contexts.
	Capacity int

	// Timeout is how long a context may stay incomplete before Tick drops
	// it.
	Timeout time.Duration

	// MaxDatagramSize bounds the size of any reassembled datagram.
	MaxDatagramSize int
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultReassembleTimeout
	}
	if o.MaxDatagramSize <= 0 {
		o.MaxDatagramSize = DefaultMaxDatagramSize
	}
}

// Fragmentation is a bounded pool of datagram reassembly contexts.
type Fragmentation struct {
	opts Options

	reassemblers map[FragmentID]*reassembler

	// order holds the contexts from oldest to newest creation, driving both
	// timeout sweeps and capacity eviction.
	order []*reassembler
}

// NewFragmentation creates a new Fragmentation pool.
func NewFragmentation(opts Options) *Fragmentation {
	opts.setDefaults()
	return &Fragmentation{
		opts:         opts,
		reassemblers: make(map[FragmentID]*reassembler),
	}
}

// Count returns the number of in-progress reassembly contexts.
func (f *Fragmentation) Count() int {
	return len(f.reassemblers)
}

// Process processes an incoming fragment carrying bytes [first, last] of the
// datagram identified by id, and returns done = true along with the
// reassembled datagram once all fragments have been received.
//
// The returned datagram is only valid until the next Process call for the
// same id. Errors drop the offending context: ErrFragmentConflict when the
// fragment overlaps previously received data, ErrReassemblyOverflow when the
// datagram would exceed the configured maximum size.
func (f *Fragmentation) Process(id FragmentID, first, last uint16, more bool, data []byte, now tcpip.MonotonicTime) (bool, []byte, *tcpip.Error) {
	if first > last || int(last-first)+1 != len(data) {
		return false, nil, tcpip.ErrFragmentConflict
	}

	r, ok := f.reassemblers[id]
	if !ok {
		if len(f.reassemblers) >= f.opts.Capacity {
			// Reclaim the oldest incomplete context to make room.
			f.release(f.order[0])
		}
		r = newReassembler(id, now)
		f.reassemblers[id] = r
		f.order = append(f.order, r)
	}

	done, datagram, err := r.process(first, last, more, data, f.opts.MaxDatagramSize)
	if err != nil {
		f.release(r)
		return false, nil, err
	}
	if done {
		f.release(r)
	}
	return done, datagram, nil
}

// Tick drops every context older than the configured timeout.
func (f *Fragmentation) Tick(now tcpip.MonotonicTime) {
	for len(f.order) > 0 && f.order[0].tooOld(now, f.opts.Timeout) {
		f.release(f.order[0])
	}
}

func (f *Fragmentation) release(r *reassembler) {
	delete(f.reassemblers, r.id)
	for i, o := range f.order {
		if o == r {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}
