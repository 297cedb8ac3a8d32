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
	"time"

	"pollnet.dev/pollnet/pkg/tcpip"
)

// NeighborState is the state of a neighbor cache entry.
type NeighborState uint8

const (
	// Incomplete means address resolution is in progress and the link
	// address is not yet known. Packets to the neighbor are held back.
	Incomplete NeighborState = iota

	// Reachable means the link address is known and was confirmed
	// recently. Packets go out without further work.
	Reachable

	// Stale means the link address is known but its confirmation has
	// aged out. The address is still used; the first use, or the end of
	// the stale window, moves the entry to Probe.
	Stale

	// Probe means the cached link address is being re-verified with
	// unicast probes. It is still used for traffic in the meantime.
	Probe

	// Delete means resolution or re-verification failed. The entry is
	// removed on the next tick.
	Delete
)

// String implements fmt.Stringer.
func (s NeighborState) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Reachable:
		return "Reachable"
	case Stale:
		return "Stale"
	case Probe:
		return "Probe"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// NeighborEntry describes one IP-to-link-address binding.
type NeighborEntry struct {
	Addr     tcpip.Address
	LinkAddr tcpip.LinkAddress
	State    NeighborState

	// Static marks an operator-installed binding. It never ages and is
	// passed over when the cache evicts.
	Static bool

	// confirmedAt is when the binding was last confirmed by the
	// neighbor itself. It orders entries for eviction.
	confirmedAt tcpip.MonotonicTime

	// deadline is when the current state expires: the resolution
	// timeout in Incomplete and Probe, the reachability timeout in
	// Reachable, and the garbage-collection time in Stale.
	deadline tcpip.MonotonicTime

	// probesSent counts solicitations issued in Incomplete or Probe.
	probesSent int
}

// probeWanted tells the owning interface what kind of solicitation a tick
// decided to send.
type probeWanted struct {
	addr tcpip.Address

	// linkAddr is the cached link address for unicast probes, or the
	// zero value when the probe must be multicast (Incomplete).
	linkAddr tcpip.LinkAddress
}

// NeighborCacheOptions configures a NeighborCache. Zero values pick
// defaults.
type NeighborCacheOptions struct {
	// Capacity bounds the number of entries. Default 512.
	Capacity int

	// ReachableTime is how long a confirmation keeps an entry
	// Reachable. Default 30s.
	ReachableTime time.Duration

	// StaleTime is how long an unused Stale entry survives before
	// unicast re-verification starts. Default 60s.
	StaleTime time.Duration

	// ProbeInterval is the gap between solicitations while resolving
	// or re-verifying. Default 1s.
	ProbeInterval time.Duration

	// MaxProbes is how many unanswered solicitations fail an entry.
	// Default 3.
	MaxProbes int
}

func (o *NeighborCacheOptions) setDefaults() {
	if o.Capacity == 0 {
		o.Capacity = 512
	}
	if o.ReachableTime == 0 {
		o.ReachableTime = 30 * time.Second
	}
	if o.StaleTime == 0 {
		o.StaleTime = 60 * time.Second
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = time.Second
	}
	if o.MaxProbes == 0 {
		o.MaxProbes = 3
	}
}

// NeighborCache maps on-link IP addresses to link addresses. It is a
// bounded table: when dynamic entries fill it, the one whose binding
// was confirmed least recently makes way for the new one. Static
// entries live outside that bound. It never allocates after
// construction and is not safe for concurrent use.
type NeighborCache struct {
	opts    NeighborCacheOptions
	entries map[tcpip.Address]*NeighborEntry
}

// NewNeighborCache creates a NeighborCache.
func NewNeighborCache(opts NeighborCacheOptions) *NeighborCache {
	opts.setDefaults()
	return &NeighborCache{
		opts:    opts,
		entries: make(map[tcpip.Address]*NeighborEntry, opts.Capacity),
	}
}

// Len returns the number of entries.
func (c *NeighborCache) Len() int {
	return len(c.entries)
}

// Get returns the entry for addr, if any.
func (c *NeighborCache) Get(addr tcpip.Address) (NeighborEntry, bool) {
	e, ok := c.entries[addr]
	if !ok {
		return NeighborEntry{}, false
	}
	return *e, true
}

// Resolve looks up the link address for addr. If the entry is usable
// (Reachable, Stale or Probe) it returns the link address. A Stale hit
// moves the entry to Probe so re-verification starts on the next tick.
// If resolution is still in progress, or a new entry had to be created,
// it returns ErrWouldBlock and the caller should retry after ticks have
// run. A Delete entry also reports ErrWouldBlock; it is removed and
// re-resolved on the next tick.
func (c *NeighborCache) Resolve(addr tcpip.Address, now tcpip.MonotonicTime) (tcpip.LinkAddress, *tcpip.Error) {
	e, ok := c.entries[addr]
	if !ok {
		c.insert(addr, now)
		return "", tcpip.ErrWouldBlock
	}
	switch e.State {
	case Reachable:
		return e.LinkAddr, nil
	case Stale:
		e.State = Probe
		e.probesSent = 0
		e.deadline = now // probe immediately on the next tick
		return e.LinkAddr, nil
	case Probe:
		return e.LinkAddr, nil
	default: // Incomplete, Delete
		return "", tcpip.ErrWouldBlock
	}
}

// Fill records a confirmed binding for addr, creating the entry if
// needed. It is called for ARP replies and neighbor advertisements.
// The entry becomes Reachable and its confirmation time is refreshed,
// which also protects it from eviction.
func (c *NeighborCache) Fill(addr tcpip.Address, linkAddr tcpip.LinkAddress, now tcpip.MonotonicTime) {
	e, ok := c.entries[addr]
	if !ok {
		e = c.insert(addr, now)
	}
	e.LinkAddr = linkAddr
	e.State = Reachable
	e.confirmedAt = now
	e.deadline = now.Add(c.opts.ReachableTime)
	e.probesSent = 0
}

// SetStatic installs an operator-configured binding for addr. The
// entry stays Reachable: ticks do not age it and the eviction scan
// skips it.
func (c *NeighborCache) SetStatic(addr tcpip.Address, linkAddr tcpip.LinkAddress, now tcpip.MonotonicTime) {
	e, ok := c.entries[addr]
	if !ok {
		e = c.insert(addr, now)
	}
	e.LinkAddr = linkAddr
	e.State = Reachable
	e.Static = true
	e.confirmedAt = now
	e.probesSent = 0
}

// insert adds a fresh Incomplete entry for addr. Only dynamic entries
// count toward capacity; when they fill it, the one confirmed least
// recently makes way.
func (c *NeighborCache) insert(addr tcpip.Address, now tcpip.MonotonicTime) *NeighborEntry {
	dynamic := 0
	var victim tcpip.Address
	for a, e := range c.entries {
		if e.Static {
			continue
		}
		if dynamic == 0 || e.confirmedAt.Before(c.entries[victim].confirmedAt) {
			victim = a
		}
		dynamic++
	}
	if dynamic >= c.opts.Capacity {
		delete(c.entries, victim)
	}
	e := &NeighborEntry{
		Addr:     addr,
		State:    Incomplete,
		deadline: now, // probe immediately on the next tick
	}
	c.entries[addr] = e
	return e
}

// Tick advances entry state machines. Each entry moves at most one
// state per tick, so every transition is observable. It returns the
// solicitations the caller should send and the addresses whose
// resolution failed this tick; the caller aborts sockets blocked on
// those addresses.
func (c *NeighborCache) Tick(now tcpip.MonotonicTime) (probes []probeWanted, failed []tcpip.Address) {
	for addr, e := range c.entries {
		if e.Static {
			continue
		}
		switch e.State {
		case Incomplete:
			if now.Before(e.deadline) {
				break
			}
			if e.probesSent >= c.opts.MaxProbes {
				e.State = Delete
				failed = append(failed, addr)
				break
			}
			probes = append(probes, probeWanted{addr: addr})
			e.probesSent++
			e.deadline = now.Add(c.opts.ProbeInterval)

		case Reachable:
			if !now.Before(e.deadline) {
				e.State = Stale
				e.deadline = now.Add(c.opts.StaleTime)
			}

		case Stale:
			if !now.Before(e.deadline) {
				// Still usable for traffic while unicast probes
				// re-verify the binding.
				e.State = Probe
				e.probesSent = 0
				e.deadline = now
			}

		case Probe:
			if now.Before(e.deadline) {
				break
			}
			if e.probesSent >= c.opts.MaxProbes {
				e.State = Delete
				failed = append(failed, addr)
				break
			}
			probes = append(probes, probeWanted{addr: addr, linkAddr: e.LinkAddr})
			e.probesSent++
			e.deadline = now.Add(c.opts.ProbeInterval)

		case Delete:
			delete(c.entries, addr)
		}
	}
	return probes, failed
}
