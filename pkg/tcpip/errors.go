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

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
//
// All errors are predefined package-level values; comparison is by identity.
type Error struct {
	msg string

	ignoreStats bool
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	return e.msg
}

// IgnoreStats indicates whether this error should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the network stack.
var (
	ErrUnknownProtocol       = &Error{msg: "unknown protocol"}
	ErrUnknownProtocolOption = &Error{msg: "unknown option for protocol"}
	ErrDuplicateAddress      = &Error{msg: "duplicate address"}
	ErrBadLocalAddress       = &Error{msg: "bad local address"}
	ErrNoRoute               = &Error{msg: "no route"}
	ErrAlreadyBound          = &Error{msg: "endpoint already bound"}
	ErrInvalidEndpointState  = &Error{msg: "endpoint is in invalid state"}
	ErrAlreadyConnected      = &Error{msg: "endpoint is already connected"}
	ErrNoPortAvailable       = &Error{msg: "no ports are available"}
	ErrPortInUse             = &Error{msg: "port is in use"}
	ErrWouldBlock            = &Error{msg: "operation would block", ignoreStats: true}
	ErrConnectionRefused     = &Error{msg: "connection was refused"}
	ErrConnectionReset       = &Error{msg: "connection reset by peer"}
	ErrClosedForSend         = &Error{msg: "endpoint is closed for send"}
	ErrClosedForReceive      = &Error{msg: "endpoint is closed for receive"}
	ErrTimeout               = &Error{msg: "operation timed out"}
	ErrNoLinkAddress         = &Error{msg: "no remote link address"}
	ErrBadAddress            = &Error{msg: "bad address"}
	ErrMessageTooLong        = &Error{msg: "message too long"}
	ErrNoBufferSpace         = &Error{msg: "no buffer space available"}
	ErrNotConnected          = &Error{msg: "endpoint not connected"}
	ErrNotPermitted          = &Error{msg: "operation not permitted"}

	// ErrCapacityExceeded is returned when opening a socket against a full
	// socket set, or inserting into a full bounded table whose policy is to
	// fail rather than evict.
	ErrCapacityExceeded = &Error{msg: "capacity exceeded"}

	// ErrFragmentConflict is returned when a fragment overlaps spans already
	// received for the same datagram. Overlap is treated as corruption or an
	// attack, never merged.
	ErrFragmentConflict = &Error{msg: "fragment overlaps previously received data"}

	// ErrReassemblyOverflow is returned when accepting a fragment would grow
	// a datagram beyond the reassembler's configured maximum size.
	ErrReassemblyOverflow = &Error{msg: "reassembled datagram exceeds maximum size"}
)
