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
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pollnet.dev/pollnet/pkg/tcpip"
)

func frag(first, last uint16) []byte {
	b := make([]byte, int(last-first)+1)
	for i := range b {
		b[i] = byte(int(first) + i)
	}
	return b
}

type fragInput struct {
	first uint16
	last  uint16
	more  bool
}

func TestReassemblyOrderIndependent(t *testing.T) {
	inputs := []fragInput{
		{0, 499, true},
		{500, 999, true},
		{1000, 1199, false},
	}

	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 2, 0},
	}

	id := FragmentID{Source: "\x0a\x00\x00\x01", Destination: "\x0a\x00\x00\x02", Protocol: 17, ID: 42}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := NewFragmentation(Options{})
			var got []byte
			for i, idx := range order {
				in := inputs[idx]
				done, datagram, err := f.Process(id, in.first, in.last, in.more, frag(in.first, in.last), 0)
				if err != nil {
					t.Fatalf("Process(%v) = %s", in, err)
				}
				if last := i == len(order)-1; done != last {
					t.Fatalf("Process(%v) done = %t, want %t", in, done, last)
				}
				if done {
					got = datagram
				}
			}
			if diff := cmp.Diff(frag(0, 1199), got); diff != "" {
				t.Errorf("reassembled datagram mismatch (-want +got):\n%s", diff)
			}
			if f.Count() != 0 {
				t.Errorf("got Count() = %d after completion, want 0", f.Count())
			}
		})
	}
}

func TestReassemblyConflict(t *testing.T) {
	id := FragmentID{ID: 1}
	f := NewFragmentation(Options{})

	for _, in := range []fragInput{{0, 499, true}, {500, 999, true}, {1000, 1199, false}} {
		// Consume only the first two; feeding all three would complete.
		if in.first >= 1000 {
			break
		}
		if _, _, err := f.Process(id, in.first, in.last, in.more, frag(in.first, in.last), 0); err != nil {
			t.Fatalf("Process(%v) = %s", in, err)
		}
	}

	if _, _, err := f.Process(id, 400, 599, true, frag(400, 599), 0); err != tcpip.ErrFragmentConflict {
		t.Fatalf("got overlapping Process = %s, want %s", err, tcpip.ErrFragmentConflict)
	}

	// The conflict dropped the context entirely.
	if f.Count() != 0 {
		t.Errorf("got Count() = %d after conflict, want 0", f.Count())
	}
}

func TestReassemblyDuplicateFragmentIgnored(t *testing.T) {
	id := FragmentID{ID: 7}
	f := NewFragmentation(Options{})

	if _, _, err := f.Process(id, 0, 499, true, frag(0, 499), 0); err != nil {
		t.Fatalf("Process = %s", err)
	}
	// Exact retransmit of the same span.
	if _, _, err := f.Process(id, 0, 499, true, frag(0, 499), 0); err != nil {
		t.Fatalf("duplicate Process = %s, want nil", err)
	}

	done, datagram, err := f.Process(id, 500, 599, false, frag(500, 599), 0)
	if err != nil || !done {
		t.Fatalf("final Process = (%t, %s), want (true, nil)", done, err)
	}
	if len(datagram) != 600 {
		t.Errorf("got %d byte datagram, want 600", len(datagram))
	}
}

func TestReassemblyOverflow(t *testing.T) {
	f := NewFragmentation(Options{MaxDatagramSize: 1000})

	if _, _, err := f.Process(FragmentID{ID: 3}, 1000, 1499, true, frag(1000, 1499), 0); err != tcpip.ErrReassemblyOverflow {
		t.Fatalf("got Process = %s, want %s", err, tcpip.ErrReassemblyOverflow)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	f := NewFragmentation(Options{Capacity: 2})

	for i := 0; i < 3; i++ {
		id := FragmentID{ID: uint32(i)}
		if _, _, err := f.Process(id, 0, 9, true, frag(0, 9), tcpip.MonotonicTime(i)); err != nil {
			t.Fatalf("Process(#%d) = %s", i, err)
		}
	}
	if f.Count() != 2 {
		t.Fatalf("got Count() = %d, want 2", f.Count())
	}

	// Context 0 was the oldest and must be gone: completing it now only
	// yields the tail fragment's span, so it stays incomplete.
	done, _, err := f.Process(FragmentID{ID: 0}, 10, 19, false, frag(10, 19), 3)
	if err != nil || done {
		t.Errorf("got Process = (%t, %s), want (false, nil)", done, err)
	}
}

func TestTickExpiresContexts(t *testing.T) {
	f := NewFragmentation(Options{Timeout: time.Second})

	var start tcpip.MonotonicTime
	if _, _, err := f.Process(FragmentID{ID: 9}, 0, 9, true, frag(0, 9), start); err != nil {
		t.Fatalf("Process = %s", err)
	}

	f.Tick(start.Add(999 * time.Millisecond))
	if f.Count() != 1 {
		t.Fatalf("context expired before the timeout")
	}
	f.Tick(start.Add(1001 * time.Millisecond))
	if f.Count() != 0 {
		t.Fatalf("context not expired after the timeout")
	}
}
