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
	"testing"
	"time"

	"pollnet.dev/pollnet/pkg/tcpip"
)

const (
	testReachable = 10 * time.Second
	testStale     = 20 * time.Second
	testProbe     = time.Second
)

func testCacheOptions(capacity int) NeighborCacheOptions {
	return NeighborCacheOptions{
		Capacity:      capacity,
		ReachableTime: testReachable,
		StaleTime:     testStale,
		ProbeInterval: testProbe,
		MaxProbes:     3,
	}
}

func TestNeighborCacheResolveMissStartsResolution(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")

	if _, err := c.Resolve(addr, 0); err != tcpip.ErrWouldBlock {
		t.Fatalf("Resolve miss = %v, want %v", err, tcpip.ErrWouldBlock)
	}
	e, ok := c.Get(addr)
	if !ok || e.State != Incomplete {
		t.Fatalf("entry after miss = %+v (ok=%t), want Incomplete", e, ok)
	}

	probes, failed := c.Tick(0)
	if len(probes) != 1 || probes[0].addr != addr || probes[0].linkAddr != "" {
		t.Errorf("Tick probes = %+v, want one multicast probe for %s", probes, addr)
	}
	if len(failed) != 0 {
		t.Errorf("Tick failed = %v, want none", failed)
	}
}

func TestNeighborCacheFillMakesReachable(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")
	mac := tcpip.LinkAddress("\x02\x03\x04\x05\x06\x07")

	c.Resolve(addr, 0)
	c.Fill(addr, mac, 0)
	got, err := c.Resolve(addr, 0)
	if err != nil {
		t.Fatalf("Resolve after Fill = %v", err)
	}
	if got != mac {
		t.Errorf("Resolve = %s, want %s", got, mac)
	}
}

// TestNeighborCacheLifeCycle walks one entry Reachable -> Stale ->
// Probe -> Delete -> gone, checking that no tick skips a state.
func TestNeighborCacheLifeCycle(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")
	mac := tcpip.LinkAddress("\x02\x03\x04\x05\x06\x07")

	c.Fill(addr, mac, 0)

	now := tcpip.MonotonicTime(0).Add(testReachable)
	c.Tick(now)
	if e, _ := c.Get(addr); e.State != Stale {
		t.Fatalf("state after reachable timeout = %s, want Stale", e.State)
	}

	// Using a stale entry returns the cached address and starts
	// re-verification.
	got, err := c.Resolve(addr, now)
	if err != nil || got != mac {
		t.Fatalf("Resolve in Stale = (%s, %v), want (%s, nil)", got, err, mac)
	}
	if e, _ := c.Get(addr); e.State != Probe {
		t.Fatalf("state after stale use = %s, want Probe", e.State)
	}

	// Three unanswered unicast probes fail the entry.
	var failed []tcpip.Address
	for n := 0; n < 3; n++ {
		now = now.Add(testProbe)
		probes, f := c.Tick(now)
		failed = append(failed, f...)
		for _, p := range probes {
			if p.linkAddr != mac {
				t.Errorf("probe %d not unicast: linkAddr = %q", n, p.linkAddr)
			}
		}
	}
	now = now.Add(testProbe)
	_, f := c.Tick(now)
	failed = append(failed, f...)
	if len(failed) != 1 || failed[0] != addr {
		t.Fatalf("failed = %v, want [%s]", failed, addr)
	}
	if e, _ := c.Get(addr); e.State != Delete {
		t.Fatalf("state after failure = %s, want Delete", e.State)
	}

	// The Delete entry is observable for exactly one tick.
	c.Tick(now.Add(testProbe))
	if _, ok := c.Get(addr); ok {
		t.Fatalf("entry survived the tick after Delete")
	}
}

// TestNeighborCacheStaleEntryExpires checks that an entry nobody
// refreshes still walks Stale -> Probe -> Delete: the cached address
// stays usable while unicast probes try to confirm it.
func TestNeighborCacheStaleEntryExpires(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")
	mac := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	c.Fill(addr, mac, 0)

	now := tcpip.MonotonicTime(0).Add(testReachable)
	c.Tick(now)
	if e, _ := c.Get(addr); e.State != Stale {
		t.Fatalf("state after reachable timeout = %s, want Stale", e.State)
	}
	now = now.Add(testStale)
	c.Tick(now)
	if e, _ := c.Get(addr); e.State != Probe {
		t.Fatalf("state after stale expiry = %s, want Probe", e.State)
	}

	// The entry is not gone: it still resolves while probes run.
	if got, err := c.Resolve(addr, now); err != nil || got != mac {
		t.Fatalf("Resolve in Probe = (%s, %v), want (%s, nil)", got, err, mac)
	}

	// Unanswered unicast probes fail the entry.
	var failed []tcpip.Address
	for n := 0; n < 4; n++ {
		now = now.Add(testProbe)
		probes, f := c.Tick(now)
		failed = append(failed, f...)
		for _, p := range probes {
			if p.linkAddr != mac {
				t.Errorf("probe %d not unicast: linkAddr = %q", n, p.linkAddr)
			}
		}
	}
	if len(failed) != 1 || failed[0] != addr {
		t.Fatalf("failed = %v, want [%s]", failed, addr)
	}
	if e, _ := c.Get(addr); e.State != Delete {
		t.Fatalf("state after exhausted probes = %s, want Delete", e.State)
	}
}

func TestNeighborCacheStaticEntryNeverAges(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")
	mac := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	c.SetStatic(addr, mac, 0)

	now := tcpip.MonotonicTime(0)
	for n := 0; n < 8; n++ {
		now = now.Add(testReachable + testStale)
		probes, failed := c.Tick(now)
		if len(probes) != 0 || len(failed) != 0 {
			t.Fatalf("Tick on a static entry = (%v, %v), want no work", probes, failed)
		}
	}
	e, ok := c.Get(addr)
	if !ok || e.State != Reachable || !e.Static {
		t.Fatalf("static entry = %+v (ok=%t), want Reachable static", e, ok)
	}
	if got, err := c.Resolve(addr, now); err != nil || got != mac {
		t.Errorf("Resolve = (%s, %v), want (%s, nil)", got, err, mac)
	}
}

func TestNeighborCacheStaticEntrySkippedByEviction(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(2))
	static := tcpip.Address("\x0a\x00\x00\x63")
	c.SetStatic(static, tcpip.LinkAddress("\x02\x00\x00\x00\x00\x63"), 0)
	c.Fill(tcpip.Address("\x0a\x00\x00\x01"), tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01"), 1)
	c.Fill(tcpip.Address("\x0a\x00\x00\x02"), tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02"), 2)

	// The dynamic side is full; a new resolution displaces the oldest
	// dynamic entry, never the static one.
	c.Resolve(tcpip.Address("\x0a\x00\x00\x03"), 100)
	if _, ok := c.Get(tcpip.Address("\x0a\x00\x00\x01")); ok {
		t.Errorf("oldest dynamic entry was not evicted")
	}
	if e, ok := c.Get(static); !ok || !e.Static {
		t.Errorf("static entry evicted by a dynamic insert")
	}
}

func TestNeighborCacheCapacityEvictsLeastRecentlyConfirmed(t *testing.T) {
	const capacity = 4
	c := NewNeighborCache(testCacheOptions(capacity))

	for n := 0; n < capacity; n++ {
		addr := tcpip.Address(fmt.Sprintf("\x0a\x00\x00%c", byte(n+1)))
		mac := tcpip.LinkAddress(fmt.Sprintf("\x02\x00\x00\x00\x00%c", byte(n+1)))
		c.Fill(addr, mac, tcpip.MonotonicTime(n))
	}
	if got := c.Len(); got != capacity {
		t.Fatalf("Len() = %d, want %d", got, capacity)
	}

	// One more entry displaces the oldest confirmation, not anyone
	// else.
	newcomer := tcpip.Address("\x0a\x00\x00\x63")
	c.Resolve(newcomer, tcpip.MonotonicTime(100))
	if got := c.Len(); got != capacity {
		t.Fatalf("Len() after eviction = %d, want %d", got, capacity)
	}
	if _, ok := c.Get(tcpip.Address("\x0a\x00\x00\x01")); ok {
		t.Errorf("least recently confirmed entry was not evicted")
	}
	for n := 1; n < capacity; n++ {
		addr := tcpip.Address(fmt.Sprintf("\x0a\x00\x00%c", byte(n+1)))
		if _, ok := c.Get(addr); !ok {
			t.Errorf("entry %s evicted out of order", addr)
		}
	}
	if _, ok := c.Get(newcomer); !ok {
		t.Errorf("newcomer missing after insert")
	}
}

func TestNeighborCacheIncompleteTimesOut(t *testing.T) {
	c := NewNeighborCache(testCacheOptions(4))
	addr := tcpip.Address("\x0a\x00\x00\x01")
	c.Resolve(addr, 0)

	var now tcpip.MonotonicTime
	var failed []tcpip.Address
	for n := 0; n < 4; n++ {
		_, f := c.Tick(now)
		failed = append(failed, f...)
		now = now.Add(testProbe)
	}
	if len(failed) != 1 || failed[0] != addr {
		t.Fatalf("failed = %v, want [%s]", failed, addr)
	}
}
