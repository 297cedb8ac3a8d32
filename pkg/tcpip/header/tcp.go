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

const (
	tcpSrcPort   = 0
	tcpDstPort   = 2
	tcpSeqNum    = 4
	tcpAckNum    = 8
	tcpDataOff   = 12
	tcpFlags     = 13
	tcpWinSize   = 14
	tcpChecksum  = 16
	tcpUrgentPtr = 18
)

// Flags that may be set in a TCP segment.
const (
	TCPFlagFin = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCPFields contains the fields of a TCP segment. It is used to describe the
// fields of a segment that needs to be encoded.
type TCPFields struct {
	// SrcPort is the "source port" field of a TCP segment.
	SrcPort uint16

	// DstPort is the "destination port" field of a TCP segment.
	DstPort uint16

	// SeqNum is the "sequence number" field of a TCP segment.
	SeqNum uint32

	// AckNum is the "acknowledgement number" field of a TCP segment.
	AckNum uint32

	// DataOffset is the "data offset" field of a TCP segment. It is the
	// length of the TCP header in bytes.
	DataOffset uint8

	// Flags is the "flags" field of a TCP segment.
	Flags uint8

	// WindowSize is the "window size" field of a TCP segment.
	WindowSize uint16

	// Checksum is the "checksum" field of a TCP segment.
	Checksum uint16

	// UrgentPointer is the "urgent pointer" field of a TCP segment.
	UrgentPointer uint16
}

// TCP represents a TCP header stored in a byte array.
type TCP []byte

const (
	// TCPMinimumSize is the minimum size of a valid TCP packet.
	TCPMinimumSize = 20

	// TCPMaximumSize is the maximum size of a valid TCP packet given that
	// the data offset field holds the header length in 32-bit words with 4
	// bits available.
	TCPMaximumSize = 60

	// TCPProtocolNumber is TCP's transport protocol number.
	TCPProtocolNumber tcpip.TransportProtocolNumber = 6
)

// SourcePort returns the "source port" field of the TCP header.
func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[tcpSrcPort:])
}

// DestinationPort returns the "destination port" field of the TCP header.
func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[tcpDstPort:])
}

// SequenceNumber returns the "sequence number" field of the TCP header.
func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[tcpSeqNum:])
}

// AckNumber returns the "ack number" field of the TCP header.
func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[tcpAckNum:])
}

// DataOffset returns the "data offset" field of the TCP header. The return
// value is the length of the TCP header in bytes.
func (b TCP) DataOffset() uint8 {
	return (b[tcpDataOff] >> 4) * 4
}

// Payload returns the data in the TCP segment.
func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

// Flags returns the flags field of the TCP header.
func (b TCP) Flags() uint8 {
	return b[tcpFlags]
}

// WindowSize returns the "window size" field of the TCP header.
func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[tcpWinSize:])
}

// Checksum returns the "checksum" field of the TCP header.
func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

// SetSourcePort sets the "source port" field of the TCP header.
func (b TCP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the TCP header.
func (b TCP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[tcpDstPort:], port)
}

// SetChecksum sets the checksum field of the TCP header.
func (b TCP) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], xsum)
}

// CalculateChecksum calculates the checksum of the TCP segment, given the
// checksum of the network-layer pseudo-header and the checksum of the
// payload.
func (b TCP) CalculateChecksum(partialChecksum uint16) uint16 {
	// Calculate the rest of the checksum.
	return checksum.Checksum(b[:b.DataOffset()], partialChecksum)
}

// Encode encodes all the fields of the TCP header.
func (b TCP) Encode(t *TCPFields) {
	b.SetSourcePort(t.SrcPort)
	b.SetDestinationPort(t.DstPort)
	binary.BigEndian.PutUint32(b[tcpSeqNum:], t.SeqNum)
	binary.BigEndian.PutUint32(b[tcpAckNum:], t.AckNum)
	b[tcpDataOff] = (t.DataOffset / 4) << 4
	b[tcpFlags] = t.Flags
	binary.BigEndian.PutUint16(b[tcpWinSize:], t.WindowSize)
	b.SetChecksum(t.Checksum)
	binary.BigEndian.PutUint16(b[tcpUrgentPtr:], t.UrgentPointer)
}
