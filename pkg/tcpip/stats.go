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

package tcpip

// A StatCounter keeps track of a statistic. The stack is single-threaded by
// construction, so a plain integer suffices.
type StatCounter struct {
	count uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.count++
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count += v
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count
}

// IPStats collects IP-specific stats.
type IPStats struct {
	// PacketsReceived is the number of IP packets received from the link
	// layer.
	PacketsReceived StatCounter

	// InvalidAddressesReceived is the number of IP packets received with an
	// unknown or invalid destination address.
	InvalidAddressesReceived StatCounter

	// PacketsDelivered is the number of incoming IP packets successfully
	// delivered to a transport socket.
	PacketsDelivered StatCounter

	// PacketsSent is the number of IP packets sent via WritePacket.
	PacketsSent StatCounter

	// MalformedPacketsReceived is the number of IP packets dropped due to
	// parse or checksum failures.
	MalformedPacketsReceived StatCounter

	// MalformedFragmentsReceived is the number of fragments dropped due to
	// reassembly conflicts or overflow.
	MalformedFragmentsReceived StatCounter

	// FragmentsReassembled is the number of datagrams completed by the
	// reassembler.
	FragmentsReassembled StatCounter
}

// TransportStats collects transport demux stats.
type TransportStats struct {
	// PacketsDelivered is the number of transport payloads enqueued into a
	// socket receive buffer.
	PacketsDelivered StatCounter

	// NoSocket is the number of transport payloads that matched no socket.
	NoSocket StatCounter

	// ChecksumErrors is the number of transport payloads dropped due to a bad
	// checksum.
	ChecksumErrors StatCounter
}

// ICMPStats collects ICMP stats.
type ICMPStats struct {
	// EchoRequestsReceived is the number of echo requests addressed to the
	// interface.
	EchoRequestsReceived StatCounter

	// EchoRepliesSent is the number of echo replies emitted.
	EchoRepliesSent StatCounter

	// ParamProblemSent is the number of parameter-problem errors emitted
	// for IPv6 packets carrying an unhandled next header.
	ParamProblemSent StatCounter

	// DestUnreachableSent is the number of destination-unreachable errors
	// emitted.
	DestUnreachableSent StatCounter

	// RateLimited is the number of ICMP errors suppressed by the rate
	// limiter.
	RateLimited StatCounter
}

// Stats holds statistics about the networking stack.
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of frames received with a
	// protocol the interface does not handle.
	UnknownProtocolRcvdPackets StatCounter

	// MalformedRcvdPackets is the number of frames dropped during link-layer
	// parsing.
	MalformedRcvdPackets StatCounter

	// DroppedPackets is the number of inbound packets dropped for any other
	// reason, such as a full receive ring.
	DroppedPackets StatCounter

	// IP holds IP statistics.
	IP IPStats

	// Transport holds transport demux statistics.
	Transport TransportStats

	// ICMP holds ICMP statistics.
	ICMP ICMPStats
}
