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

package header

import (
	"encoding/binary"

	"pollnet.dev/pollnet/pkg/tcpip"
)

const (
	// ARPProtocolNumber is the ARP EtherType.
	ARPProtocolNumber tcpip.NetworkProtocolNumber = 0x0806

	// ARPSize is the size of an IPv4-over-Ethernet ARP packet: the
	// fixed fields plus two hardware/protocol address pairs.
	ARPSize = arpSenderHWOffset + 2*(EthernetAddressSize+IPv4AddressSize)
)

// Field offsets within an ARP packet, RFC 826.
const (
	arpHTypeOffset    = 0
	arpPTypeOffset    = 2
	arpHLenOffset     = 4
	arpPLenOffset     = 5
	arpOpOffset       = 6
	arpSenderHWOffset = 8
	arpSenderIPOffset = arpSenderHWOffset + EthernetAddressSize
	arpTargetHWOffset = arpSenderIPOffset + IPv4AddressSize
	arpTargetIPOffset = arpTargetHWOffset + EthernetAddressSize

	// arpHTypeEthernet is the hardware type for Ethernet.
	arpHTypeEthernet = 1
)

// ARPOp is an ARP opcode.
type ARPOp uint16

// ARP opcodes, RFC 826.
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARP is an ARP packet stored in a byte slice. Only the
// IPv4-over-Ethernet variant is understood.
type ARP []byte

// Op is the ARP opcode.
func (a ARP) Op() ARPOp {
	return ARPOp(binary.BigEndian.Uint16(a[arpOpOffset:]))
}

// SetOp sets the ARP opcode.
func (a ARP) SetOp(op ARPOp) {
	binary.BigEndian.PutUint16(a[arpOpOffset:], uint16(op))
}

// SetIPv4OverEthernet fills in the hardware and protocol type fields
// for IPv4 over Ethernet.
func (a ARP) SetIPv4OverEthernet() {
	binary.BigEndian.PutUint16(a[arpHTypeOffset:], arpHTypeEthernet)
	binary.BigEndian.PutUint16(a[arpPTypeOffset:], uint16(IPv4ProtocolNumber))
	a[arpHLenOffset] = EthernetAddressSize
	a[arpPLenOffset] = IPv4AddressSize
}

// HardwareAddressSender returns the sender link address field as a
// mutable view into the packet.
func (a ARP) HardwareAddressSender() []byte {
	return a[arpSenderHWOffset:][:EthernetAddressSize]
}

// ProtocolAddressSender returns the sender IPv4 address field as a
// mutable view into the packet.
func (a ARP) ProtocolAddressSender() []byte {
	return a[arpSenderIPOffset:][:IPv4AddressSize]
}

// HardwareAddressTarget returns the target link address field as a
// mutable view into the packet.
func (a ARP) HardwareAddressTarget() []byte {
	return a[arpTargetHWOffset:][:EthernetAddressSize]
}

// ProtocolAddressTarget returns the target IPv4 address field as a
// mutable view into the packet.
func (a ARP) ProtocolAddressTarget() []byte {
	return a[arpTargetIPOffset:][:IPv4AddressSize]
}

// IsValid reports whether the packet is a well-formed IPv4-over-Ethernet
// ARP packet.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return binary.BigEndian.Uint16(a[arpHTypeOffset:]) == arpHTypeEthernet &&
		binary.BigEndian.Uint16(a[arpPTypeOffset:]) == uint16(IPv4ProtocolNumber) &&
		a[arpHLenOffset] == EthernetAddressSize &&
		a[arpPLenOffset] == IPv4AddressSize
}
