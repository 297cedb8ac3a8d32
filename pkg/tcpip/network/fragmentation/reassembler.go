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

package fragmentation

import (
	"sort"
	"time"

	"pollnet.dev/pollnet/pkg/tcpip"
)

// span is a received byte range [first, last] of a datagram under
// reassembly.
type span struct {
	first uint16
	last  uint16
}

// reassembler is the in-progress reassembly context for a single datagram.
// Spans must tile [0, totalLen) exactly: a fragment that overlaps a received
// span is a conflict, not something to merge.
type reassembler struct {
	id    FragmentID
	spans []span

	// totalLen is the length of the reassembled datagram. It is -1 until the
	// final fragment (more = false) is seen.
	totalLen int

	// buf is the reassembly buffer. It grows on demand and is bounded by the
	// pool's maximum datagram size.
	buf []byte

	creationTime tcpip.MonotonicTime
}

func newReassembler(id FragmentID, now tcpip.MonotonicTime) *reassembler {
	return &reassembler{
		id:           id,
		totalLen:     -1,
		creationTime: now,
	}
}

// updateSpans records the byte range [first, last] and returns whether the
// range is new. Exact duplicates of an already received span are reported as
// not new and otherwise ignored; any partial overlap is a conflict.
func (r *reassembler) updateSpans(first, last uint16) (fresh bool, err *tcpip.Error) {
	for _, s := range r.spans {
		if first > s.last || last < s.first {
			continue
		}
		if first == s.first && last == s.last {
			// A retransmitted fragment. Nothing new.
			return false, nil
		}
		return false, tcpip.ErrFragmentConflict
	}
	r.spans = append(r.spans, span{first: first, last: last})
	return true, nil
}

// process accepts one fragment carrying bytes [first, last] of the datagram.
// It returns done = true with the reassembled datagram once the received
// spans cover [0, totalLen) with no gaps.
func (r *reassembler) process(first, last uint16, more bool, data []byte, maxSize int) (done bool, datagram []byte, err *tcpip.Error) {
	if int(last)+1 > maxSize {
		return false, nil, tcpip.ErrReassemblyOverflow
	}
	if !more {
		if r.totalLen >= 0 && r.totalLen != int(last)+1 {
			// Two final fragments disagreeing on the datagram length.
			return false, nil, tcpip.ErrFragmentConflict
		}
		r.totalLen = int(last) + 1
	}
	if r.totalLen >= 0 && int(last) >= r.totalLen {
		// Data beyond the end announced by the final fragment.
		return false, nil, tcpip.ErrFragmentConflict
	}

	fresh, err := r.updateSpans(first, last)
	if err != nil {
		return false, nil, err
	}
	if fresh {
		if need := int(last) + 1; need > len(r.buf) {
			grown := make([]byte, need)
			copy(grown, r.buf)
			r.buf = grown
		}
		copy(r.buf[first:], data[:int(last-first)+1])
	}

	if r.totalLen < 0 || !r.covered() {
		return false, nil, nil
	}
	return true, r.buf[:r.totalLen], nil
}

// covered reports whether the received spans tile [0, totalLen) completely.
// Spans never overlap, so sorting and walking adjacency suffices.
func (r *reassembler) covered() bool {
	sort.Slice(r.spans, func(i, j int) bool {
		return r.spans[i].first < r.spans[j].first
	})
	next := 0
	for _, s := range r.spans {
		if int(s.first) != next {
			return false
		}
		next = int(s.last) + 1
	}
	return next == r.totalLen
}

func (r *reassembler) tooOld(now tcpip.MonotonicTime, timeout time.Duration) bool {
	return now.Sub(r.creationTime) > timeout
}
