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

// Package tcp implements TCP segment plumbing over a poll-driven
// interface: connection state machine, sequence and acknowledgment
// tracking, and in-order in-window payload acceptance. Retransmission
// and congestion control are out of scope; a lost segment surfaces as a
// stalled connection for the caller to tear down.
package tcp

import (
	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/buffer"
	"pollnet.dev/pollnet/pkg/tcpip/checksum"
	"pollnet.dev/pollnet/pkg/tcpip/header"
	"pollnet.dev/pollnet/pkg/tcpip/stack"
)

// State is the TCP connection state, per RFC 9293 section 3.3.2.
type State int

// States of a Socket.
const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	Closing
	TimeWait
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Listen:
		return "Listen"
	case SynSent:
		return "SynSent"
	case SynReceived:
		return "SynReceived"
	case Established:
		return "Established"
	case FinWait1:
		return "FinWait1"
	case FinWait2:
		return "FinWait2"
	case CloseWait:
		return "CloseWait"
	case LastAck:
		return "LastAck"
	case Closing:
		return "Closing"
	case TimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

// isn is a process-wide initial sequence number source. Good enough for
// a stack whose peers are simulated or trusted links.
var isn uint32 = 0x1000

func nextISN() uint32 {
	isn += 64000
	return isn
}

// Socket is a TCP connection endpoint. One socket is one connection: a
// listening socket accepts the first handshake directed at it and
// becomes that connection, so a server keeps one listening socket per
// expected session. Not safe for concurrent use.
type Socket struct {
	ctx *stack.SocketContext

	rx *buffer.Ring
	tx *buffer.Ring

	state State

	localAddr tcpip.Address
	localPort uint16
	bound     bool

	remote tcpip.FullAddress

	// Send sequence space. sndNxt is the next sequence number to use;
	// sndUna the oldest unacknowledged one. Data is consumed from the
	// tx ring as it is segmented, so sndUna only gates control
	// transitions.
	iss    uint32
	sndNxt uint32
	sndUna uint32
	sndWnd uint16

	// rcvNxt is the next expected inbound sequence number.
	rcvNxt uint32

	// Control-flag obligations carried to the next flush.
	needSyn bool
	needAck bool
	needFin bool
	needRst bool

	// finSent is the sequence number after our FIN, once queued into
	// the send space.
	finSent    bool
	finAcked   bool
	peerClosed bool

	pendingErr *tcpip.Error
}

// New creates a Socket backed by the given receive and transmit ring
// storage.
func New(rxStorage, txStorage []byte) *Socket {
	return &Socket{
		rx: buffer.NewRing(rxStorage),
		tx: buffer.NewRing(txStorage),
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
	return header.TCPProtocolNumber
}

// LocalPort implements stack.Socket.
func (s *Socket) LocalPort() uint16 {
	return s.localPort
}

// State returns the connection state.
func (s *Socket) State() State {
	return s.state
}

// Bind sets the local address and port.
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

// Listen moves a bound socket into the Listen state. The first valid
// SYN turns this socket into the accepted connection.
func (s *Socket) Listen() *tcpip.Error {
	if !s.bound || s.state != Closed {
		return tcpip.ErrInvalidEndpointState
	}
	s.state = Listen
	return nil
}

// Connect starts the active handshake with addr. The connection is
// ready once State reports Established; register a send waker to learn
// when.
func (s *Socket) Connect(addr tcpip.FullAddress) *tcpip.Error {
	if s.state != Closed {
		return tcpip.ErrInvalidEndpointState
	}
	if !s.bound {
		if err := s.Bind(tcpip.FullAddress{}); err != nil {
			return err
		}
	}
	s.remote = addr
	s.iss = nextISN()
	s.sndNxt = s.iss
	s.sndUna = s.iss
	s.state = SynSent
	s.needSyn = true
	return nil
}

// Send queues b onto the outbound stream and returns how much was
// accepted. Zero with ErrWouldBlock means the transmit ring is full.
func (s *Socket) Send(b []byte) (int, *tcpip.Error) {
	if err := s.takePendingErr(); err != nil {
		return 0, err
	}
	switch s.state {
	case Established, CloseWait:
	case Closed, Listen, SynSent, SynReceived:
		return 0, tcpip.ErrNotConnected
	default:
		return 0, tcpip.ErrClosedForSend
	}
	n := s.tx.Enqueue(b)
	if n == 0 && len(b) > 0 {
		return 0, tcpip.ErrWouldBlock
	}
	return n, nil
}

// Recv copies received stream data into b. Once the peer has closed and
// the buffer is drained it returns ErrClosedForReceive.
func (s *Socket) Recv(b []byte) (int, *tcpip.Error) {
	if err := s.takePendingErr(); err != nil {
		return 0, err
	}
	if s.rx.Empty() {
		if s.peerClosed {
			return 0, tcpip.ErrClosedForReceive
		}
		if s.state == Closed || s.state == Listen {
			return 0, tcpip.ErrNotConnected
		}
		return 0, tcpip.ErrWouldBlock
	}
	n := s.rx.Dequeue(b)
	// The freed space widens our advertised window; tell the peer.
	s.needAck = true
	return n, nil
}

// Close starts an orderly shutdown: queued data is still flushed,
// followed by a FIN.
func (s *Socket) Close() {
	switch s.state {
	case Established:
		s.state = FinWait1
		s.needFin = true
	case CloseWait:
		s.state = LastAck
		s.needFin = true
	case SynSent, Listen, Closed:
		s.state = Closed
	case SynReceived:
		s.state = FinWait1
		s.needFin = true
	}
}

// RegisterRecvWaker arms w to fire when stream data arrives or the
// connection dies.
func (s *Socket) RegisterRecvWaker(w *stack.Waker) {
	s.ctx.RegisterRead(w)
}

// RegisterSendWaker arms w to fire when at least minFree bytes of
// transmit room exist.
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

// seqLT is sequence-space comparison with wraparound.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// DeliverPacket implements stack.Socket.
func (s *Socket) DeliverPacket(pkt *stack.TransportPacket) bool {
	if !s.bound || len(pkt.Payload) < header.TCPMinimumSize {
		return false
	}
	seg := header.TCP(pkt.Payload)
	if seg.DestinationPort() != s.localPort {
		return false
	}
	if s.localAddr != "" && pkt.DstAddr != s.localAddr {
		return false
	}
	if s.state != Listen &&
		(pkt.SrcAddr != s.remote.Addr || seg.SourcePort() != s.remote.Port) {
		return false
	}
	offset := int(seg.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(pkt.Payload) {
		return true
	}
	partial := checksum.PseudoHeaderChecksum(header.TCPProtocolNumber, pkt.SrcAddr, pkt.DstAddr, uint16(len(pkt.Payload)))
	partial = checksum.Checksum(pkt.Payload[offset:], partial)
	if seg.CalculateChecksum(partial) != 0xffff {
		return true
	}
	s.handleSegment(pkt, seg, pkt.Payload[offset:])
	return true
}

func (s *Socket) handleSegment(pkt *stack.TransportPacket, seg header.TCP, payload []byte) {
	flags := seg.Flags()
	seq := seg.SequenceNumber()
	ack := seg.AckNumber()

	switch s.state {
	case Listen:
		if flags&header.TCPFlagRst != 0 {
			return
		}
		if flags&header.TCPFlagAck != 0 {
			// Nothing to acknowledge on a listener; tell the peer.
			s.sendRST(pkt, ack)
			return
		}
		if flags&header.TCPFlagSyn == 0 {
			return
		}
		s.remote = tcpip.FullAddress{Addr: pkt.SrcAddr, Port: seg.SourcePort()}
		if s.localAddr == "" {
			s.localAddr = pkt.DstAddr
		}
		s.rcvNxt = seq + 1
		s.sndWnd = seg.WindowSize()
		s.iss = nextISN()
		s.sndNxt = s.iss
		s.sndUna = s.iss
		s.state = SynReceived
		s.needSyn = true
		s.needAck = true
		return

	case SynSent:
		if flags&header.TCPFlagRst != 0 {
			if flags&header.TCPFlagAck != 0 && ack == s.iss+1 {
				s.failConnection(tcpip.ErrConnectionRefused)
			}
			return
		}
		if flags&(header.TCPFlagSyn|header.TCPFlagAck) != header.TCPFlagSyn|header.TCPFlagAck {
			return
		}
		if ack != s.iss+1 {
			s.sendRST(pkt, ack)
			return
		}
		s.rcvNxt = seq + 1
		s.sndUna = ack
		s.sndNxt = ack
		s.sndWnd = seg.WindowSize()
		s.state = Established
		s.needAck = true
		// The connection is usable; wake a parked connector.
		s.ctx.WriteReady(s.tx.Available())
		return
	}

	if flags&header.TCPFlagRst != 0 {
		if seq == s.rcvNxt {
			s.failConnection(tcpip.ErrConnectionReset)
		}
		return
	}

	// Only exactly in-order segments are accepted; anything else is
	// dropped and re-acknowledged so the peer retransmits from rcvNxt.
	if seq != s.rcvNxt {
		s.needAck = true
		return
	}

	if flags&header.TCPFlagAck != 0 {
		if seqLT(s.sndUna, ack) && !seqLT(s.sndNxt, ack) {
			s.sndUna = ack
		}
		s.sndWnd = seg.WindowSize()
		if s.state == SynReceived && !seqLT(s.sndNxt, ack) && seqLT(s.iss, ack) {
			s.state = Established
			s.ctx.WriteReady(s.tx.Available())
		}
		if s.finSent && s.sndUna == s.sndNxt {
			s.finAcked = true
			switch s.state {
			case FinWait1:
				s.state = FinWait2
			case Closing:
				s.state = TimeWait
			case LastAck:
				s.state = Closed
			}
		}
	}

	if len(payload) > 0 {
		switch s.state {
		case Established, FinWait1, FinWait2:
			if s.rx.Available() < len(payload) {
				// Beyond our advertised window; make the peer retry.
				s.needAck = true
				return
			}
			s.rx.Enqueue(payload)
			s.rcvNxt += uint32(len(payload))
			s.needAck = true
			s.ctx.ReadReady()
		default:
			s.needAck = true
			return
		}
	}

	if flags&header.TCPFlagFin != 0 {
		s.rcvNxt++
		s.needAck = true
		s.peerClosed = true
		switch s.state {
		case Established:
			s.state = CloseWait
		case FinWait1:
			if s.finAcked {
				s.state = TimeWait
			} else {
				s.state = Closing
			}
		case FinWait2:
			s.state = TimeWait
		}
		// Readers must observe end of stream.
		s.ctx.ReadReady()
	}
}

func (s *Socket) failConnection(err *tcpip.Error) {
	s.state = Closed
	s.pendingErr = err
	s.ctx.ReadReady()
	s.ctx.WriteReady(s.tx.Available())
}

// sendRST answers an unacceptable segment, using its own ack number as
// our sequence so the peer accepts the reset.
func (s *Socket) sendRST(pkt *stack.TransportPacket, seq uint32) {
	src := pkt.DstAddr
	remote := tcpip.FullAddress{Addr: pkt.SrcAddr, Port: header.TCP(pkt.Payload).SourcePort()}
	_ = s.writeSegment(src, remote, seq, 0, header.TCPFlagRst, nil)
}

// Flush implements stack.Socket.
func (s *Socket) Flush() {
	if s.state == Closed || s.state == Listen {
		return
	}
	src := s.localAddr
	if src == "" {
		var err *tcpip.Error
		if src, err = s.ctx.LocalAddress(s.remote.Addr); err != nil {
			s.pendingErr = err
			return
		}
	}

	mss := int(s.ctx.MTU()) - header.IPv6MinimumSize - header.TCPMinimumSize
	drained := false
	for {
		flags := uint8(0)
		var payload []byte
		seq := s.sndNxt

		switch {
		case s.needSyn:
			flags = header.TCPFlagSyn
			if s.needAck {
				flags |= header.TCPFlagAck
			}
		default:
			if s.canSendData() && !s.tx.Empty() && s.sndWnd > 0 {
				n := s.tx.Len()
				if n > mss {
					n = mss
				}
				if n > int(s.sndWnd) {
					n = int(s.sndWnd)
				}
				first, _ := s.tx.DequeueViews()
				if len(first) >= n {
					payload = first[:n]
				} else {
					payload = first
				}
			}
			fin := s.needFin && len(payload) == s.tx.Len()
			if fin {
				flags |= header.TCPFlagFin
			}
			if len(payload) == 0 && !fin && !s.needAck {
				// Nothing to transmit.
				if drained {
					s.ctx.WriteReady(s.tx.Available())
				}
				return
			}
			flags |= header.TCPFlagAck
		}

		err := s.writeSegment(src, s.remote, seq, s.rcvNxt, flags, payload)
		if err == tcpip.ErrWouldBlock {
			return
		}
		if err != nil {
			s.pendingErr = err
			return
		}

		if flags&header.TCPFlagSyn != 0 {
			s.needSyn = false
			s.sndNxt = seq + 1
		}
		if len(payload) > 0 {
			s.tx.Consume(len(payload))
			s.sndNxt += uint32(len(payload))
			s.sndWnd -= uint16(len(payload))
			drained = true
		}
		if flags&header.TCPFlagFin != 0 {
			s.needFin = false
			s.finSent = true
			s.sndNxt++
		}
		s.needAck = false
	}
}

func (s *Socket) canSendData() bool {
	switch s.state {
	case Established, CloseWait, FinWait1, Closing, LastAck:
		return true
	}
	return false
}

func (s *Socket) writeSegment(src tcpip.Address, remote tcpip.FullAddress, seq, ack uint32, flags uint8, payload []byte) *tcpip.Error {
	return s.ctx.WritePacket(header.TCPProtocolNumber, src, remote.Addr, func(p *buffer.Prependable) *tcpip.Error {
		b := p.Append(len(payload))
		copy(b, payload)
		seg := header.TCP(p.Prepend(header.TCPMinimumSize))
		wnd := s.rx.Available()
		if wnd > 0xffff {
			wnd = 0xffff
		}
		seg.Encode(&header.TCPFields{
			SrcPort:    s.localPort,
			DstPort:    remote.Port,
			SeqNum:     seq,
			AckNum:     ack,
			DataOffset: header.TCPMinimumSize,
			Flags:      flags,
			WindowSize: uint16(wnd),
		})
		partial := checksum.PseudoHeaderChecksum(header.TCPProtocolNumber, src, remote.Addr, uint16(header.TCPMinimumSize+len(payload)))
		partial = checksum.Checksum(b, partial)
		seg.SetChecksum(^seg.CalculateChecksum(partial))
		return nil
	})
}

// Abort implements stack.Socket. A dead next hop kills the connection.
func (s *Socket) Abort(addr tcpip.Address, err *tcpip.Error) {
	if s.remote.Addr != addr {
		return
	}
	s.failConnection(err)
}

func (s *Socket) takePendingErr() *tcpip.Error {
	err := s.pendingErr
	s.pendingErr = nil
	return err
}
