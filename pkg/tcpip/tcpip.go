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

// Package tcpip provides the core types shared by every layer of the stack:
// network and link addresses, subnets, protocol numbers, the error model, and
// monotonic time.
//
// All stack time is monotonic and passed explicitly. The stack never reads a
// wall clock; callers hand a MonotonicTime to Poll, Tick and the resolution
// entry points, which keeps every expiry decision deterministic and testable.
package tcpip

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Address is a byte slice cast as a string that represents the address of a
// network node. The length of the string determines the family: 4 bytes for
// IPv4, 16 bytes for IPv6.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
	case 16:
		// Find the longest subsequence of hexadecimal zeros.
		start, end := -1, -1
		for i := 0; i < len(a); i += 2 {
			j := i
			for j < len(a) && a[j] == 0 && a[j+1] == 0 {
				j += 2
			}
			if j > i+2 && j-i > end-start {
				start, end = i, j
			}
		}

		var b strings.Builder
		for i := 0; i < len(a); i += 2 {
			if i == start {
				b.WriteString("::")
				i = end
				if end >= len(a) {
					break
				}
			} else if i > 0 {
				b.WriteByte(':')
			}
			v := uint16(a[i+0])<<8 | uint16(a[i+1])
			b.WriteString(strconv.FormatUint(uint64(v), 16))
		}
		return b.String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// To4 converts the Address to its 4-byte representation. Returns "" if the
// conversion fails.
func (a Address) To4() Address {
	const (
		ipv4len = 4
		ipv6len = 16
	)
	if len(a) == ipv4len {
		return a
	}
	if len(a) == ipv6len &&
		isZeros(a[0:10]) &&
		a[10] == 0xff &&
		a[11] == 0xff {
		return a[12:16]
	}
	return ""
}

func isZeros(a Address) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// AddressMask is a bitmask for an address.
type AddressMask string

// String implements fmt.Stringer.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range []byte(m) {
		p += bits.LeadingZeros8(^b)
	}
	return p
}

// MaskFromPrefix returns an AddressMask of the given address length (in
// bytes) whose first prefix bits are set.
func MaskFromPrefix(prefix, length int) AddressMask {
	b := make([]byte, length)
	for i := 0; i < length && prefix > 0; i++ {
		if prefix >= 8 {
			b[i] = 0xff
			prefix -= 8
		} else {
			b[i] = ^byte(0xff >> prefix)
			prefix = 0
		}
	}
	return AddressMask(b)
}

// Errors related to Subnet.
var (
	errSubnetLengthMismatch = errors.New("subnet length of address and mask differ")
	errSubnetAddressMasked  = errors.New("subnet address has bits set outside the mask")
)

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are the
// same length and that the address has no bits set outside the mask.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, errSubnetLengthMismatch
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, errSubnetAddressMasked
		}
	}
	return Subnet{a, m}, nil
}

// String implements fmt.Stringer.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.ID(), s.Prefix())
}

// Contains returns true iff the address is of the same length and matches the
// subnet address and mask.
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Prefix returns the number of bits before the first host bit.
func (s *Subnet) Prefix() int {
	return s.mask.Prefix()
}

// Mask returns the subnet mask.
func (s *Subnet) Mask() AddressMask {
	return s.mask
}

// Broadcast returns the subnet's broadcast address.
func (s *Subnet) Broadcast() Address {
	addr := []byte(s.address)
	for i := range addr {
		addr[i] |= ^s.mask[i]
	}
	return Address(addr)
}

// Equal returns true if s equals o.
//
// Needed to use cmp.Equal on Subnet as its fields are unexported.
func (s Subnet) Equal(o Subnet) bool {
	return s == o
}

// AddressWithPrefix is an address with its subnet prefix length.
type AddressWithPrefix struct {
	// Address is a network address.
	Address Address

	// PrefixLen is the subnet prefix length.
	PrefixLen int
}

// String implements fmt.Stringer.
func (a AddressWithPrefix) String() string {
	return fmt.Sprintf("%s/%d", a.Address, a.PrefixLen)
}

// Subnet converts the address and prefix into a Subnet value and returns it.
func (a AddressWithPrefix) Subnet() Subnet {
	m := MaskFromPrefix(a.PrefixLen, len(a.Address))
	addr := []byte(a.Address)
	for i := range addr {
		addr[i] &= m[i]
	}
	s, err := NewSubnet(Address(addr), m)
	if err != nil {
		// MaskFromPrefix and the masking above make this impossible.
		panic(fmt.Sprintf("invalid subnet %s/%d: %s", a.Address, a.PrefixLen, err))
	}
	return s
}

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements fmt.Stringer.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:dd:ee:ff. It returns an error otherwise.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("inconsistent parts: %s", s)
	}
	addr := make([]byte, 0, len(parts))
	for _, part := range parts {
		u, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid hex digits: %s", s)
		}
		addr = append(addr, byte(u))
	}
	return LinkAddress(addr), nil
}

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods.
type FullAddress struct {
	// Addr is the network address.
	Addr Address

	// Port is the transport port.
	Port uint16
}

// NetworkProtocolNumber is the EtherType of a network protocol in an Ethernet
// frame.
type NetworkProtocolNumber uint32

// TransportProtocolNumber is the number of a transport protocol as it appears
// in the IP header protocol/next-header field.
type TransportProtocolNumber uint32

// LinkTopology is the framing discipline of a network interface.
type LinkTopology int

const (
	// EthernetII frames carry Ethernet headers and require neighbor
	// resolution via ARP or NDP.
	EthernetII LinkTopology = iota

	// PointToPoint frames carry bare IP packets; the version nibble of the
	// first byte selects the network protocol and no neighbor resolution
	// takes place.
	PointToPoint
)

// String implements fmt.Stringer.
func (t LinkTopology) String() string {
	switch t {
	case EthernetII:
		return "EthernetII"
	case PointToPoint:
		return "PointToPoint"
	default:
		return fmt.Sprintf("unknown topology (%d)", int(t))
	}
}

// MonotonicTime is a monotonic clock reading, in nanoseconds since an
// arbitrary origin. The zero value is the origin itself, which every
// interface starts from.
type MonotonicTime int64

// Add returns the monotonic time d after t.
func (t MonotonicTime) Add(d time.Duration) MonotonicTime {
	return t + MonotonicTime(d)
}

// Sub returns the duration between t and u.
func (t MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Duration(t - u)
}

// Before reports whether t is before u.
func (t MonotonicTime) Before(u MonotonicTime) bool {
	return t < u
}

// After reports whether t is after u.
func (t MonotonicTime) After(u MonotonicTime) bool {
	return t > u
}
