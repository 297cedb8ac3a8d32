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

// Package udp implements UDP sockets over a poll-driven interface.
//
// A socket owns no goroutines and never blocks: operations that cannot
// make progress return ErrWouldBlock, and the caller parks itself on a
// waker that fires once the condition holds. Receive and transmit
// buffering lives in caller-supplied storage handed to New and returned
// by the interface when the socket is closed.
package udp

import (
	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/buffer"
	"pollnet.dev/pollnet/pkg/tcpip/checksum"
	"pollnet.dev/pollnet/pkg/tcpip/header"
	"pollnet.dev/pollnet/pkg/tcpip/stack"
)

const defaultQueueLimit = 16

// Options configures a Socket.
type Options struct {
	// QueueLimit bounds the number of datagrams held in each direction,
	// independently of the byte capacity of the rings. Default 16.
	QueueLimit int
}

// datagramInfo is the per-datagram metadata kept alongside the payload
// rings: who it is from or to, and how many payload bytes it spans.
type datagramInfo struct {
	remote tcpip.FullAddress
	local  tcpip.Address
	length int
}

// Socket is a UDP socket. It implements stack.Socket. Not safe for
// concurrent use; all calls must come from the interface's goroutine.
type Socket struct {
	ctx *stack.SocketContext

	rx *buffer.Ring
	tx *buffer.Ring

	rxInfo []datagramInfo
	txInfo []datagramInfo
	limit  int

	localAddr tcpip.Address
	localPort uint16
	bound     bool

	remote    tcpip.FullAddress
	connected bool

	// pendingErr is an asynchronous failure, such as neighbor
	// resolution timing out, delivered by the next operation.
	pendingErr *tcpip.Error

	rxDropped uint64
}

// New creates a Socket. rxStorage and txStorage back the receive and
// transmit payload rings; the socket owns them until Close returns them.
func New(rxStorage, txStorage []byte, opts Options) *Socket {
	if opts.QueueLimit == 0 {
		opts.QueueLimit = defaultQueueLimit
	}
	return &Socket{
		rx:     buffer.NewRing(rxStorage),
		tx:     buffer.NewRing(txStorage),
		rxInfo: make([]datagramInfo, 0, opts.QueueLimit),
		txInfo: make([]datagramInfo, 0, opts.QueueLimit),
		limit:  opts.QueueLimit,
	}
}

// Attach implements stack.Socket.
func (s *Socket) Attach(ctx *stack.SocketContext) {
	s.ctx = ctx
}

// Detach implements stack.Socket.
func (s *Socket) Detach() (rx, tx []byte) {
	s.ctx = nil
	return s.rx.Storage(), s.tx.Storage()
}

// TransportProtocol implements stack.Socket.
func (s *Socket) TransportProtocol() tcpip.TransportProtocolNumber {
	return header.UDPProtocolNumber
}

// LocalPort implements stack.Socket.
func (s *Socket) LocalPort() uint16 {
	return s.localPort
}

// Bind sets the local address and port. A zero port picks an ephemeral
// one; an empty address accepts datagrams for any bound interface
// address.
func (s *Socket) Bind(addr tcpip.FullAddress) *tcpip.Error {
	if s.bound {
		return tcpip.ErrAlreadyBound
	}
	if addr.Addr != "" && !s.ctx.HasAddress(addr.Addr) {
		return tcpip.ErrBadLocalAddress
	}
	port := addr.Port
	if port == 0 {
		var err *tcpip.Error
		if port, err = s.ctx.AllocatePort(func(p uint16) bool { return !s.ctx.PortInUse(p) }); err != nil {
			return err
		}
	} else if s.ctx.PortInUse(port) {
		return tcpip.ErrPortInUse
	}
	s.localAddr = addr.Addr
	s.localPort = port
	s.bound = true
	return nil
}

// Connect fixes the remote peer: Send targets it and inbound datagrams
// from other peers are filtered out. The socket binds itself if needed.
func (s *Socket) Connect(addr tcpip.FullAddress) *tcpip.Error {
	if !s.bound {
		if err := s.Bind(tcpip.FullAddress{}); err != nil {
			return err
		}
	}
	s.remote = addr
	s.connected = true
	return nil
}

// LocalAddress returns the bound local address and port.
func (s *Socket) LocalAddress() tcpip.FullAddress {
	return tcpip.FullAddress{Addr: s.localAddr, Port: s.localPort}
}

// Send queues b toward the connected peer.
func (s *Socket) Send(b []byte) *tcpip.Error {
	if !s.connected {
		return tcpip.ErrNotConnected
	}
	return s.SendTo(b, s.remote)
}

// SendTo queues one datagram of b toward to. It returns ErrWouldBlock
// when the transmit ring or datagram queue is full; retry after a write
// waker registered with MinSendSpace(len(b)) fires.
func (s *Socket) SendTo(b []byte, to tcpip.FullAddress) *tcpip.Error {
	if err := s.takePendingErr(); err != nil {
		return err
	}
	if !s.bound {
		if err := s.Bind(tcpip.FullAddress{}); err != nil {
			return err
		}
	}
	// No egress fragmentation: a datagram must fit one frame.
	ipHdrLen := header.IPv4MinimumSize
	if len(to.Addr) == header.IPv6AddressSize {
		ipHdrLen = header.IPv6MinimumSize
	}
	if len(b)+header.UDPMinimumSize+ipHdrLen > int(s.ctx.MTU()) {
		return tcpip.ErrMessageTooLong
	}
	if len(s.txInfo) >= s.limit || s.tx.Available() < len(b) {
		return tcpip.ErrWouldBlock
	}
	s.tx.Enqueue(b)
	s.txInfo = append(s.txInfo, datagramInfo{remote: to, local: s.localAddr, length: len(b)})
	return nil
}

// Recv receives one datagram into b, returning its length and origin. A
// datagram longer than b is truncated and the excess discarded. Returns
// ErrWouldBlock when nothing is queued.
func (s *Socket) Recv(b []byte) (int, tcpip.FullAddress, *tcpip.Error) {
	if err := s.takePendingErr(); err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	if len(s.rxInfo) == 0 {
		return 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
	}
	info := s.rxInfo[0]
	s.rxInfo = s.rxInfo[1:]
	n := info.length
	if n > len(b) {
		n = len(b)
	}
	first, second := s.rx.DequeueViews()
	c := copy(b[:n], first)
	if c < n {
		copy(b[c:n], second)
	}
	s.rx.Consume(info.length)
	return n, info.remote, nil
}

// MinSendSpace returns the minFree threshold a blocked sender should
// register its write waker with, for a payload of n bytes.
func (s *Socket) MinSendSpace(n int) int {
	return n
}

// RegisterRecvWaker arms w to fire when a datagram arrives.
func (s *Socket) RegisterRecvWaker(w *stack.Waker) {
	s.ctx.RegisterRead(w)
}

// RegisterSendWaker arms w to fire when at least minFree bytes of
// transmit room are available.
func (s *Socket) RegisterSendWaker(w *stack.Waker, minFree int) {
	s.ctx.RegisterWrite(w, minFree)
}

// DeregisterRecvWaker disarms the receive waker.
func (s *Socket) DeregisterRecvWaker() {
	s.ctx.DeregisterRead()
}

// DeregisterSendWaker disarms the send waker.
func (s *Socket) DeregisterSendWaker() {
	s.ctx.DeregisterWrite()
}

// Dropped returns the number of inbound datagrams dropped because the
// receive buffer was full.
func (s *Socket) Dropped() uint64 {
	return s.rxDropped
}

// DeliverPacket implements stack.Socket.
func (s *Socket) DeliverPacket(pkt *stack.TransportPacket) bool {
	if !s.bound || len(pkt.Payload) < header.UDPMinimumSize {
		return false
	}
	hdr := header.UDP(pkt.Payload)
	if hdr.DestinationPort() != s.localPort {
		return false
	}
	if s.localAddr != "" && pkt.DstAddr != s.localAddr {
		return false
	}
	if s.connected &&
		(pkt.SrcAddr != s.remote.Addr || hdr.SourcePort() != s.remote.Port) {
		return false
	}
	if int(hdr.Length()) > len(pkt.Payload) || hdr.Length() < header.UDPMinimumSize {
		return true // claimed, but malformed
	}
	payload := pkt.Payload[header.UDPMinimumSize:hdr.Length()]
	// A zero checksum means the IPv4 sender did not compute one.
	if hdr.Checksum() != 0 || len(pkt.SrcAddr) == header.IPv6AddressSize {
		xsum := checksum.PseudoHeaderChecksum(header.UDPProtocolNumber, pkt.SrcAddr, pkt.DstAddr, hdr.Length())
		xsum = checksum.Checksum(payload, xsum)
		if hdr.CalculateChecksum(xsum) != 0xffff {
			return true
		}
	}
	if len(s.rxInfo) >= s.limit || s.rx.Available() < len(payload) {
		s.rxDropped++
		return true
	}
	s.rx.Enqueue(payload)
	s.rxInfo = append(s.rxInfo, datagramInfo{
		remote: tcpip.FullAddress{Addr: pkt.SrcAddr, Port: hdr.SourcePort()},
		local:  pkt.DstAddr,
		length: len(payload),
	})
	s.ctx.ReadReady()
	return true
}

// Flush implements stack.Socket. It drains queued datagrams through the
// interface until the device or neighbor resolution pushes back.
func (s *Socket) Flush() {
	drained := false
	for len(s.txInfo) > 0 {
		info := s.txInfo[0]
		src := info.local
		if src == "" {
			var err *tcpip.Error
			if src, err = s.ctx.LocalAddress(info.remote.Addr); err != nil {
				// No usable source address; fail the datagram.
				s.dropHead(info)
				s.pendingErr = err
				drained = true
				continue
			}
		}
		err := s.ctx.WritePacket(header.UDPProtocolNumber, src, info.remote.Addr, func(p *buffer.Prependable) *tcpip.Error {
			b := p.Append(info.length)
			first, second := s.tx.DequeueViews()
			c := copy(b, first)
			copy(b[c:], second)
			hdr := header.UDP(p.Prepend(header.UDPMinimumSize))
			length := uint16(header.UDPMinimumSize + info.length)
			hdr.Encode(&header.UDPFields{
				SrcPort: s.localPort,
				DstPort: info.remote.Port,
				Length:  length,
			})
			partial := checksum.PseudoHeaderChecksum(header.UDPProtocolNumber, src, info.remote.Addr, length)
			partial = checksum.Checksum(b, partial)
			xsum := ^hdr.CalculateChecksum(partial)
			if xsum == 0 {
				// An all-zeros checksum field means "not computed";
				// RFC 768 transmits it as its one's-complement twin.
				xsum = 0xffff
			}
			hdr.SetChecksum(xsum)
			return nil
		})
		if err == tcpip.ErrWouldBlock {
			// Neighbor resolution or the device is not ready; keep the
			// datagram queued and retry next cycle.
			break
		}
		s.dropHead(info)
		if err != nil {
			s.pendingErr = err
		}
		drained = true
	}
	if drained {
		s.ctx.WriteReady(s.tx.Available())
	}
}

// Abort implements stack.Socket. Datagrams bound for addr are dropped
// and the failure surfaces on the next send or receive.
func (s *Socket) Abort(addr tcpip.Address, err *tcpip.Error) {
	// The ring is a byte FIFO, so only a contiguous head run can be
	// reclaimed. Later datagrams to addr fail again at flush time.
	for len(s.txInfo) > 0 && s.txInfo[0].remote.Addr == addr {
		s.dropHead(s.txInfo[0])
	}
	s.pendingErr = err
	s.ctx.WriteReady(s.tx.Available())
}

func (s *Socket) dropHead(info datagramInfo) {
	s.tx.Consume(info.length)
	s.txInfo = s.txInfo[1:]
}

func (s *Socket) takePendingErr() *tcpip.Error {
	err := s.pendingErr
	s.pendingErr = nil
	return err
}
