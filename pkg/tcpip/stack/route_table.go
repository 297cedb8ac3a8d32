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

// Route is one entry in a RouteTable.
type Route struct {
	// Destination is the prefix this route matches.
	Destination tcpip.Subnet

	// Gateway is the next hop. The zero value means the destination is
	// on-link and packets resolve the final address directly.
	Gateway tcpip.Address

	// ExpiresAt removes the route at that time. The zero value means
	// the route never expires.
	ExpiresAt tcpip.MonotonicTime

	// seq orders routes with equal prefix length: higher wins.
	seq uint64
}

// String implements fmt.Stringer.
func (r Route) String() string {
	if r.Gateway == "" {
		return fmt.Sprintf("%s on-link", r.Destination)
	}
	return fmt.Sprintf("%s via %s", r.Destination, r.Gateway)
}

// NextHop returns the address that link-level resolution should target
// for packets to dst: the gateway if the route has one, dst itself
// otherwise.
func (r Route) NextHop(dst tcpip.Address) tcpip.Address {
	if r.Gateway != "" {
		return r.Gateway
	}
	return dst
}

// RouteTable is a bounded longest-prefix-match table. Lookups scan all
// entries; with the small bounds this table is built for, that beats
// maintaining a trie. Not safe for concurrent use.
type RouteTable struct {
	capacity int
	routes   []Route
	nextSeq  uint64
}

// NewRouteTable creates a RouteTable holding at most capacity routes.
// A zero capacity defaults to 32.
func NewRouteTable(capacity int) *RouteTable {
	if capacity == 0 {
		capacity = 32
	}
	return &RouteTable{
		capacity: capacity,
		routes:   make([]Route, 0, capacity),
	}
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	return len(t.routes)
}

// Insert adds a route. A route with the same destination prefix as an
// existing one replaces it. When the table is full, the route closest
// to expiry is evicted to make room; if no route expires, Insert fails
// with ErrCapacityExceeded.
func (t *RouteTable) Insert(r Route) *tcpip.Error {
	r.seq = t.nextSeq
	t.nextSeq++

	for i := range t.routes {
		if t.routes[i].Destination.Equal(r.Destination) {
			t.routes[i] = r
			return nil
		}
	}
	if len(t.routes) >= t.capacity {
		victim := -1
		for i := range t.routes {
			if t.routes[i].ExpiresAt != 0 &&
				(victim < 0 || t.routes[i].ExpiresAt.Before(t.routes[victim].ExpiresAt)) {
				victim = i
			}
		}
		if victim < 0 {
			return tcpip.ErrCapacityExceeded
		}
		t.routes[victim] = r
		return nil
	}
	t.routes = append(t.routes, r)
	return nil
}

// Remove deletes the route with the given destination prefix. It
// reports whether a route was removed.
func (t *RouteTable) Remove(dest tcpip.Subnet) bool {
	for i := range t.routes {
		if t.routes[i].Destination.Equal(dest) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup finds the route for dst by longest prefix match. Among routes
// with equally long prefixes the most recently inserted wins. It
// returns ErrNoRoute when nothing matches.
func (t *RouteTable) Lookup(dst tcpip.Address) (Route, *tcpip.Error) {
	best := -1
	for i := range t.routes {
		r := &t.routes[i]
		if len(r.Destination.ID()) != len(dst) || !r.Destination.Contains(dst) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := &t.routes[best]
		if r.Destination.Prefix() > b.Destination.Prefix() ||
			(r.Destination.Prefix() == b.Destination.Prefix() && r.seq > b.seq) {
			best = i
		}
	}
	if best < 0 {
		return Route{}, tcpip.ErrNoRoute
	}
	return t.routes[best], nil
}

// Tick drops routes whose expiry has passed.
func (t *RouteTable) Tick(now tcpip.MonotonicTime) {
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.ExpiresAt != 0 && !now.Before(r.ExpiresAt) {
			continue
		}
		kept = append(kept, r)
	}
	t.routes = kept
}
