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
	"testing"

	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/header"
)

type testSocket struct {
	ctx        *SocketContext
	proto      tcpip.TransportProtocolNumber
	port       uint16
	delivered  int
	flushed    int
	abortAddr  tcpip.Address
	abortErr   *tcpip.Error
	claim      bool
	lastPacket TransportPacket
}

func (s *testSocket) Attach(ctx *SocketContext) { s.ctx = ctx }

func (s *testSocket) Detach() (rx, tx []byte) {
	s.ctx = nil
	return nil, nil
}

func (s *testSocket) TransportProtocol() tcpip.TransportProtocolNumber {
	if s.proto == 0 {
		return header.UDPProtocolNumber
	}
	return s.proto
}

func (s *testSocket) LocalPort() uint16 { return s.port }

func (s *testSocket) DeliverPacket(pkt *TransportPacket) bool {
	if !s.claim {
		return false
	}
	s.delivered++
	s.lastPacket = *pkt
	return true
}

func (s *testSocket) Flush() { s.flushed++ }

func (s *testSocket) Abort(addr tcpip.Address, err *tcpip.Error) {
	s.abortAddr = addr
	s.abortErr = err
}

func TestSocketSetAddRemove(t *testing.T) {
	set := NewSocketSet(2)
	a := &testSocket{}
	b := &testSocket{}

	ha, err := set.Add(a)
	if err != nil {
		t.Fatalf("Add(a) = %v", err)
	}
	hb, err := set.Add(b)
	if err != nil {
		t.Fatalf("Add(b) = %v", err)
	}
	if got, want := set.Len(), 2; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	if _, err := set.Add(&testSocket{}); err != tcpip.ErrCapacityExceeded {
		t.Errorf("Add on full set = %v, want %v", err, tcpip.ErrCapacityExceeded)
	}
	if got := set.Get(ha); got != a {
		t.Errorf("Get(ha) = %p, want %p", got, a)
	}
	if got := set.Remove(hb); got != b {
		t.Errorf("Remove(hb) = %p, want %p", got, b)
	}
	if got, want := set.Len(), 1; got != want {
		t.Errorf("Len() after remove = %d, want %d", got, want)
	}
}

func TestSocketSetStaleHandlePanics(t *testing.T) {
	set := NewSocketSet(1)
	h, err := set.Add(&testSocket{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	set.Remove(h)

	defer func() {
		if recover() == nil {
			t.Errorf("Get with a stale handle did not panic")
		}
	}()
	set.Get(h)
}

func TestSocketSetSlotReuseChangesGeneration(t *testing.T) {
	set := NewSocketSet(1)
	old, err := set.Add(&testSocket{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	set.Remove(old)

	replacement := &testSocket{}
	fresh, err := set.Add(replacement)
	if err != nil {
		t.Fatalf("Add after remove: %v", err)
	}
	if old == fresh {
		t.Fatalf("reused slot produced an identical handle %v", fresh)
	}
	if got := set.Get(fresh); got != replacement {
		t.Errorf("Get(fresh) = %p, want %p", got, replacement)
	}

	// The stale handle must not reach the replacement socket.
	defer func() {
		if recover() == nil {
			t.Errorf("stale handle reached a reused slot without panicking")
		}
	}()
	set.Get(old)
}

func TestSocketSetForEachOrder(t *testing.T) {
	set := NewSocketSet(4)
	socks := []*testSocket{{}, {}, {}}
	for _, s := range socks {
		if _, err := set.Add(s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	var seen []Socket
	set.ForEach(func(_ SocketHandle, s Socket) {
		seen = append(seen, s)
	})
	if len(seen) != len(socks) {
		t.Fatalf("ForEach visited %d sockets, want %d", len(seen), len(socks))
	}
	for i, s := range socks {
		if seen[i] != s {
			t.Errorf("visit %d = %p, want %p", i, seen[i], s)
		}
	}
}
