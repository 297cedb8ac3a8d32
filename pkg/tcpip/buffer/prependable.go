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

package buffer

// Prependable is a buffer that grows backwards: payload is written at the
// tail once, then successive protocol headers are prepended in front of it.
// This builds an outgoing frame with a single buffer and no copies of the
// payload.
type Prependable struct {
	buf []byte

	// usedIdx is the index where the used part of the buffer begins.
	usedIdx int
}

// NewPrependable wraps the given storage, reserving reserve bytes of
// headroom in front of an empty used region. Payload is added with Append,
// headers with Prepend.
func NewPrependable(storage []byte, reserve int) Prependable {
	return Prependable{buf: storage[:reserve], usedIdx: reserve}
}

// Prepend reserves the requested space in front of the buffer, returning a
// slice that represents the reserved space.
func (p *Prependable) Prepend(size int) []byte {
	if size > p.usedIdx {
		return nil
	}

	p.usedIdx -= size
	return p.buf[p.usedIdx:][:size:size]
}

// Append reserves the requested space after the used region, returning a
// slice that represents the reserved space. Returns nil if the storage
// cannot hold size more bytes.
func (p *Prependable) Append(size int) []byte {
	used := len(p.buf)
	if size > cap(p.buf)-used {
		return nil
	}

	p.buf = p.buf[:used+size]
	return p.buf[used:][:size:size]
}

// View returns a slice of the backing buffer that contains all prepended
// and appended data so far.
func (p *Prependable) View() []byte {
	return p.buf[p.usedIdx:]
}

// UsedLength returns the number of bytes used so far.
func (p *Prependable) UsedLength() int {
	return len(p.buf) - p.usedIdx
}

// AvailableLength returns the number of bytes still available for headers.
func (p *Prependable) AvailableLength() int {
	return p.usedIdx
}
