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
	"pollnet.dev/pollnet/pkg/tcpip/checksum"
)

// ICMPv6 represents an ICMPv6 header stored in a byte array.
type ICMPv6 []byte

const (
	// ICMPv6MinimumSize is the minimum size of a valid ICMPv6 packet.
	ICMPv6MinimumSize = 8

	// ICMPv6PayloadOffset is the offset of the payload in an ICMPv6 message.
	ICMPv6PayloadOffset = 8

	// ICMPv6HeaderSize is the size of the ICMPv6 header. That is, the sum of
	// the size of the type, code and checksum fields, plus the first four
	// bytes of the message body, which are reserved or used by the specific
	// message.
	ICMPv6HeaderSize = 4

	// ICMPv6ProtocolNumber is the ICMPv6 transport protocol number.
	ICMPv6ProtocolNumber tcpip.TransportProtocolNumber = 58

	// ICMPv6NeighborSolicitMinimumSize is the minimum size of a valid
	// neighbor solicitation.
	ICMPv6NeighborSolicitMinimumSize = ICMPv6HeaderSize + 4 + IPv6AddressSize

	// ICMPv6NeighborAdvertMinimumSize is the minimum size of a valid
	// neighbor advertisement.
	ICMPv6NeighborAdvertMinimumSize = ICMPv6HeaderSize + 4 + IPv6AddressSize

	// ICMPv6EchoMinimumSize is the minimum size of a valid echo packet.
	ICMPv6EchoMinimumSize = 8

	// icmpv6ChecksumOffset is the offset of the checksum field in an ICMPv6
	// message.
	icmpv6ChecksumOffset = 2

	// icmpv6TypeSpecificOffset is the offset of the four message-specific
	// bytes that follow the checksum, such as the Parameter Problem
	// pointer.
	icmpv6TypeSpecificOffset = 4

	// icmpv6IdentOffset is the offset of the ident field in an ICMPv6 Echo
	// Request/Reply message.
	icmpv6IdentOffset = 4

	// icmpv6SequenceOffset is the offset of the sequence field in an ICMPv6
	// Echo Request/Reply message.
	icmpv6SequenceOffset = 6
)

// ICMPv6Type is the ICMP type field described in RFC 4443 and friends.
type ICMPv6Type byte

// Typical values of ICMPv6Type defined in RFC 4443.
const (
	ICMPv6DstUnreachable ICMPv6Type = 1
	ICMPv6PacketTooBig   ICMPv6Type = 2
	ICMPv6TimeExceeded   ICMPv6Type = 3
	ICMPv6ParamProblem   ICMPv6Type = 4
	ICMPv6EchoRequest    ICMPv6Type = 128
	ICMPv6EchoReply      ICMPv6Type = 129

	// Neighbor Discovery Protocol (NDP) messages, see RFC 4861.
	ICMPv6RouterSolicit   ICMPv6Type = 133
	ICMPv6RouterAdvert    ICMPv6Type = 134
	ICMPv6NeighborSolicit ICMPv6Type = 135
	ICMPv6NeighborAdvert  ICMPv6Type = 136
	ICMPv6RedirectMsg     ICMPv6Type = 137
)

// Values for ICMP destination unreachable code as defined in RFC 4443
// section 3.1.
const (
	ICMPv6NetworkUnreachable = 0
	ICMPv6Prohibited         = 1
	ICMPv6BeyondScope        = 2
	ICMPv6AddressUnreachable = 3
	ICMPv6PortUnreachable    = 4
)

// Values for ICMP parameter problem code as defined in RFC 4443
// section 3.4.
const (
	ICMPv6ErroneousHeader = 0
	ICMPv6UnknownHeader   = 1
	ICMPv6UnknownOption   = 2
)

// NDPHopLimit is the hop limit all NDP messages must carry, per RFC 4861.
// Messages arriving with a smaller hop limit have crossed a router and are
// discarded.
const NDPHopLimit = 255

// Type is the ICMP type field.
func (b ICMPv6) Type() ICMPv6Type { return ICMPv6Type(b[0]) }

// SetType sets the ICMP type field.
func (b ICMPv6) SetType(t ICMPv6Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type.
func (b ICMPv6) Code() byte { return b[1] }

// SetCode sets the ICMP code field.
func (b ICMPv6) SetCode(c byte) { b[1] = c }

// Checksum is the ICMP checksum field.
func (b ICMPv6) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6ChecksumOffset:])
}

// SetChecksum sets the ICMP checksum field.
func (b ICMPv6) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[icmpv6ChecksumOffset:], xsum)
}

// TypeSpecific returns the message-specific field, the Parameter
// Problem pointer among others.
func (b ICMPv6) TypeSpecific() uint32 {
	return binary.BigEndian.Uint32(b[icmpv6TypeSpecificOffset:])
}

// SetTypeSpecific sets the message-specific field.
func (b ICMPv6) SetTypeSpecific(v uint32) {
	binary.BigEndian.PutUint32(b[icmpv6TypeSpecificOffset:], v)
}

// Ident retrieves the Ident field from an ICMPv6 message.
func (b ICMPv6) Ident() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6IdentOffset:])
}

// SetIdent sets the Ident field from an ICMPv6 message.
func (b ICMPv6) SetIdent(ident uint16) {
	binary.BigEndian.PutUint16(b[icmpv6IdentOffset:], ident)
}

// Sequence retrieves the Sequence field from an ICMPv6 message.
func (b ICMPv6) Sequence() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6SequenceOffset:])
}

// SetSequence sets the Sequence field from an ICMPv6 message.
func (b ICMPv6) SetSequence(sequence uint16) {
	binary.BigEndian.PutUint16(b[icmpv6SequenceOffset:], sequence)
}

// TargetAddress returns the target address in an NDP neighbor solicitation
// or advertisement.
func (b ICMPv6) TargetAddress() tcpip.Address {
	const offset = ICMPv6HeaderSize + 4
	return tcpip.Address(b[offset:][:IPv6AddressSize])
}

// SetTargetAddress sets the target address in an NDP neighbor solicitation
// or advertisement.
func (b ICMPv6) SetTargetAddress(addr tcpip.Address) {
	const offset = ICMPv6HeaderSize + 4
	copy(b[offset:][:IPv6AddressSize], addr)
}

// NDP neighbor advertisement flags, RFC 4861 section 4.4.
const (
	ndpNAFlagsOffset = 4
	// NDPNAFlagRouter indicates the sender is a router.
	NDPNAFlagRouter = 1 << 7
	// NDPNAFlagSolicited indicates the advertisement answers a solicitation.
	NDPNAFlagSolicited = 1 << 6
	// NDPNAFlagOverride indicates the advertisement should override a cached
	// link address.
	NDPNAFlagOverride = 1 << 5
)

// Solicited returns the NDP neighbor advertisement "solicited" flag.
func (b ICMPv6) Solicited() bool {
	return b[ndpNAFlagsOffset]&NDPNAFlagSolicited != 0
}

// Override returns the NDP neighbor advertisement "override" flag.
func (b ICMPv6) Override() bool {
	return b[ndpNAFlagsOffset]&NDPNAFlagOverride != 0
}

// SetNeighborAdvertFlags sets the flag byte of an NDP neighbor advertisement.
func (b ICMPv6) SetNeighborAdvertFlags(flags uint8) {
	b[ndpNAFlagsOffset] = flags
}

// NDPOptions returns the trailing options of an NDP neighbor solicitation or
// advertisement.
func (b ICMPv6) NDPOptions() NDPOptions {
	const offset = ICMPv6HeaderSize + 4 + IPv6AddressSize
	if len(b) < offset {
		return nil
	}
	return NDPOptions(b[offset:])
}

// Payload returns the data after the ICMPv6 header.
func (b ICMPv6) Payload() []byte {
	return b[ICMPv6PayloadOffset:]
}

// CalculateChecksum computes the checksum over the whole ICMPv6 message
// including the IPv6 pseudo-header, with the checksum field zeroed.
func (b ICMPv6) CalculateChecksum(src, dst tcpip.Address) uint16 {
	held := b.Checksum()
	b.SetChecksum(0)
	xsum := checksum.PseudoHeaderChecksum(ICMPv6ProtocolNumber, src, dst, uint16(len(b)))
	xsum = ^checksum.Checksum(b, xsum)
	b.SetChecksum(held)
	return xsum
}
