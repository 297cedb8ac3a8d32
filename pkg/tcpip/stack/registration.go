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
	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/buffer"
)

// LinkDevice is the frame device an Interface drives. Implementations must
// be strictly non-blocking: both directions move data into and out of
// caller-supplied buffers and report ErrWouldBlock instead of waiting.
type LinkDevice interface {
	// MTU is the maximum transmission unit: the largest network-layer
	// datagram the device can carry in one frame.
	MTU() uint32

	// LinkAddress returns the device's link-layer address, if its topology
	// has one.
	LinkAddress() tcpip.LinkAddress

	// Read fills buf with the next available inbound frame and returns its
	// length. It returns ErrWouldBlock when no frame is ready.
	Read(buf []byte) (int, *tcpip.Error)

	// Write queues one outbound frame. It returns ErrWouldBlock when the
	// device cannot accept a frame right now; the caller retries on a later
	// poll cycle.
	Write(frame []byte) *tcpip.Error
}

// TransportPacket is an inbound transport-layer datagram together with its
// network-layer addressing, handed to sockets for demultiplexing.
type TransportPacket struct {
	// Protocol is the transport protocol number from the network header.
	Protocol tcpip.TransportProtocolNumber

	// SrcAddr and DstAddr are the network-layer addresses of the packet.
	SrcAddr tcpip.Address
	DstAddr tcpip.Address

	// Payload holds the transport header and data.
	Payload []byte
}

// Socket is one entry of a SocketSet. Implementations live in the transport
// packages; the interface is what the poll loop needs to route traffic
// through them.
type Socket interface {
	// Attach binds the socket to an interface. It is called exactly once,
	// by Interface.Open.
	Attach(ctx *SocketContext)

	// Detach unbinds the socket and returns the receive and transmit ring
	// storage to the caller. Called by Interface.Close.
	Detach() (rx, tx []byte)

	// TransportProtocol is the protocol the socket demultiplexes.
	TransportProtocol() tcpip.TransportProtocolNumber

	// LocalPort is the port the socket is bound to, or zero before
	// binding. The interface consults it to keep port allocations
	// collision-free.
	LocalPort() uint16

	// DeliverPacket attempts to consume an inbound datagram. It returns
	// true if the packet matched this socket, whether or not the payload
	// was accepted.
	DeliverPacket(pkt *TransportPacket) bool

	// Flush drains queued outbound data through the interface's egress
	// path. It is called once per poll cycle.
	Flush()

	// Abort terminates pending egress toward addr with the given error,
	// surfacing it on the next socket operation. Used when neighbor
	// resolution for addr fails.
	Abort(addr tcpip.Address, err *tcpip.Error)
}

// PacketBuilder assembles one outbound network datagram: append the payload,
// then prepend the transport header.
type PacketBuilder func(p *buffer.Prependable) *tcpip.Error

// SocketContext is the binding between an attached socket and its
// interface: the socket handle, the wake scheduler, and the egress path.
// It is handed to the socket at open time so socket calls can reach the
// driver without any global state.
type SocketContext struct {
	iface  *Interface
	driver *Driver
	handle SocketHandle
}

// Handle returns the socket's handle in the interface's socket set.
func (c *SocketContext) Handle() SocketHandle {
	return c.handle
}

// MTU returns the link device's maximum transmission unit.
func (c *SocketContext) MTU() uint32 {
	return c.iface.dev.MTU()
}

// RegisterRead arms the read wake slot with w. The slot fires, once, when
// data arrives in the socket's receive path.
func (c *SocketContext) RegisterRead(w *Waker) {
	c.driver.registerRead(c.handle, w)
}

// RegisterWrite arms the write wake slot with w. The slot fires, once, when
// the transmit path has at least minFree bytes of room, so a blocked writer
// is woken only when its original request can make progress.
func (c *SocketContext) RegisterWrite(w *Waker, minFree int) {
	c.driver.registerWrite(c.handle, w, minFree)
}

// DeregisterRead disarms the read wake slot. Idempotent; used on
// cancellation so a later event does not wake a defunct task.
func (c *SocketContext) DeregisterRead() {
	c.driver.deregisterRead(c.handle)
}

// DeregisterWrite disarms the write wake slot. Idempotent.
func (c *SocketContext) DeregisterWrite() {
	c.driver.deregisterWrite(c.handle)
}

// ReadReady records that the socket's receive buffer gained data this
// cycle. The armed read waker, if any, fires when the cycle completes.
func (c *SocketContext) ReadReady() {
	c.driver.readReady(c.handle)
}

// WriteReady records that the socket's transmit buffer drained to free
// bytes of room. The armed write waker fires at end of cycle if its
// threshold is met.
func (c *SocketContext) WriteReady(free int) {
	c.driver.writeReady(c.handle, free)
}

// LocalAddress picks the interface address to use as a source when sending
// to dst: the bound address whose subnet contains dst, or the first bound
// address of the same family.
func (c *SocketContext) LocalAddress(dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	return c.iface.localAddress(dst)
}

// HasAddress reports whether addr is bound on the interface.
func (c *SocketContext) HasAddress(addr tcpip.Address) bool {
	return c.iface.hasAddress(addr)
}

// AllocatePort picks an unused ephemeral local port for the socket's
// transport protocol.
func (c *SocketContext) AllocatePort(testPort func(port uint16) bool) (uint16, *tcpip.Error) {
	return c.iface.allocatePort(testPort)
}

// PortInUse reports whether a live socket of the same transport
// protocol is already bound to port.
func (c *SocketContext) PortInUse(port uint16) bool {
	proto := c.iface.sockets.Get(c.handle).TransportProtocol()
	return c.iface.portInUse(proto, port)
}

// WritePacket sends one network datagram built by build. It performs
// routing and, on Ethernet topologies, neighbor resolution.
//
// ErrWouldBlock means the egress path is suspended on neighbor resolution:
// the socket must keep the datagram queued and stop flushing; the datagram
// will go out on a later cycle, or Abort will be called if resolution fails.
func (c *SocketContext) WritePacket(protocol tcpip.TransportProtocolNumber, src, dst tcpip.Address, build PacketBuilder) *tcpip.Error {
	return c.iface.writePacket(c.handle, protocol, src, dst, build)
}
