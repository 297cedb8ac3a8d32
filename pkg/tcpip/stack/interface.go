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

// Package stack ties a link device, the protocol tables and a set of
// transport sockets into a single-threaded poll-driven network interface.
package stack

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/buffer"
	"pollnet.dev/pollnet/pkg/tcpip/header"
	"pollnet.dev/pollnet/pkg/tcpip/network/fragmentation"
	"pollnet.dev/pollnet/pkg/tcpip/ports"
)

const (
	// defaultTTL is the TTL/hop limit on datagrams the interface
	// originates, unless the protocol mandates another value.
	defaultTTL = 64

	// maxRxBatch bounds the number of frames one Poll ingests, so a
	// device with a deep backlog cannot starve egress and wakes.
	maxRxBatch = 256

	// defaultMaxSockets is the socket set capacity when the options
	// leave it zero.
	defaultMaxSockets = 32
)

// Options configures an Interface. Zero values pick defaults.
type Options struct {
	// Topology selects how frames are framed and addressed. The zero
	// value is EthernetII.
	Topology tcpip.LinkTopology

	// MaxSockets bounds the number of concurrently open sockets.
	MaxSockets int

	// NeighborCache configures neighbor resolution.
	NeighborCache NeighborCacheOptions

	// RouteCapacity bounds the route table.
	RouteCapacity int

	// Fragmentation configures datagram reassembly.
	Fragmentation fragmentation.Options

	// Seed seeds ephemeral port selection. A fixed seed gives
	// reproducible port sequences in tests.
	Seed int64

	// Log receives drop and resolution diagnostics. Defaults to the
	// logrus standard logger.
	Log logrus.FieldLogger
}

// Interface is the composition root: one link device plus the neighbor
// cache, route table, reassembler, socket set and wake scheduler that
// serve it. All methods must be called from a single goroutine; the
// interface makes progress only inside Poll and Tick.
type Interface struct {
	dev      LinkDevice
	topology tcpip.LinkTopology
	log      logrus.FieldLogger

	addrs  []tcpip.AddressWithPrefix
	groups []tcpip.Address

	neighbors *NeighborCache
	routes    *RouteTable
	fragments *fragmentation.Fragmentation
	sockets   *SocketSet
	driver    *Driver
	limiter   *ICMPRateLimiter
	rng       *rand.Rand
	stats     tcpip.Stats

	// now is the monotonic time of the poll or tick in progress. Egress
	// triggered from socket flushes reads it instead of threading a
	// timestamp through every call.
	now tcpip.MonotonicTime

	rxBuf []byte
	txBuf []byte

	// wrote marks that the cycle in progress put at least one frame on
	// the device.
	wrote bool

	ipv4ID uint16

	// waiting maps a next-hop address under resolution to the sockets
	// whose egress is suspended on it.
	waiting map[tcpip.Address][]SocketHandle
}

// NewInterface creates an Interface over dev.
func NewInterface(dev LinkDevice, opts Options) *Interface {
	if opts.MaxSockets == 0 {
		opts.MaxSockets = defaultMaxSockets
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	bufSize := int(dev.MTU()) + header.EthernetMinimumSize
	return &Interface{
		dev:       dev,
		topology:  opts.Topology,
		log:       opts.Log,
		neighbors: NewNeighborCache(opts.NeighborCache),
		routes:    NewRouteTable(opts.RouteCapacity),
		fragments: fragmentation.NewFragmentation(opts.Fragmentation),
		sockets:   NewSocketSet(opts.MaxSockets),
		driver:    NewDriver(),
		limiter:   NewICMPRateLimiter(),
		rng:       rand.New(rand.NewSource(opts.Seed)),
		rxBuf:     make([]byte, bufSize),
		txBuf:     make([]byte, bufSize),
		waiting:   make(map[tcpip.Address][]SocketHandle),
	}
}

// Stats returns the interface's counters.
func (i *Interface) Stats() *tcpip.Stats {
	return &i.stats
}

// Neighbors returns the neighbor cache, for inspection and static
// entries.
func (i *Interface) Neighbors() *NeighborCache {
	return i.neighbors
}

// Routes returns the route table.
func (i *Interface) Routes() *RouteTable {
	return i.routes
}

// AddAddress binds addr to the interface. An IPv6 address implicitly
// joins its solicited-node multicast group so neighbor solicitations
// for it are received.
func (i *Interface) AddAddress(addr tcpip.AddressWithPrefix) *tcpip.Error {
	for _, a := range i.addrs {
		if a.Address == addr.Address {
			return tcpip.ErrDuplicateAddress
		}
	}
	i.addrs = append(i.addrs, addr)
	if len(addr.Address) == header.IPv6AddressSize {
		i.JoinGroup(header.SolicitedNodeAddr(addr.Address))
	}
	return nil
}

// RemoveAddress unbinds addr from the interface. The solicited-node
// group of an IPv6 address is left with it, unless another bound
// address still maps to the same group.
func (i *Interface) RemoveAddress(addr tcpip.Address) *tcpip.Error {
	for n, a := range i.addrs {
		if a.Address != addr {
			continue
		}
		i.addrs = append(i.addrs[:n], i.addrs[n+1:]...)
		if len(addr) == header.IPv6AddressSize {
			group := header.SolicitedNodeAddr(addr)
			shared := false
			for _, rest := range i.addrs {
				if len(rest.Address) == header.IPv6AddressSize && header.SolicitedNodeAddr(rest.Address) == group {
					shared = true
				}
			}
			if !shared {
				i.LeaveGroup(group)
			}
		}
		return nil
	}
	return tcpip.ErrBadLocalAddress
}

// JoinGroup subscribes the interface to a multicast group address.
func (i *Interface) JoinGroup(addr tcpip.Address) {
	for _, g := range i.groups {
		if g == addr {
			return
		}
	}
	i.groups = append(i.groups, addr)
}

// LeaveGroup unsubscribes the interface from a multicast group
// address. Leaving a group the interface is not in is a no-op.
func (i *Interface) LeaveGroup(addr tcpip.Address) {
	for n, g := range i.groups {
		if g == addr {
			i.groups = append(i.groups[:n], i.groups[n+1:]...)
			return
		}
	}
}

// AddRoute inserts r into the route table.
func (i *Interface) AddRoute(r Route) *tcpip.Error {
	return i.routes.Insert(r)
}

// SetNeighbor installs a static neighbor binding. It never ages out
// and survives cache pressure.
func (i *Interface) SetNeighbor(addr tcpip.Address, linkAddr tcpip.LinkAddress, now tcpip.MonotonicTime) {
	i.neighbors.SetStatic(addr, linkAddr, now)
}

// Open attaches sock to the interface and returns its handle. The
// socket starts receiving traffic on the next poll.
func (i *Interface) Open(sock Socket) (SocketHandle, *tcpip.Error) {
	h, err := i.sockets.Add(sock)
	if err != nil {
		return SocketHandle{}, err
	}
	i.driver.addSlot(h)
	sock.Attach(&SocketContext{iface: i, driver: i.driver, handle: h})
	return h, nil
}

// Close detaches the socket behind h and returns its ring storage to
// the caller. The handle is dead afterwards; using it panics.
func (i *Interface) Close(h SocketHandle) (rx, tx []byte) {
	sock := i.sockets.Remove(h)
	i.driver.removeSlot(h)
	for addr, hs := range i.waiting {
		kept := hs[:0]
		for _, wh := range hs {
			if wh != h {
				kept = append(kept, wh)
			}
		}
		if len(kept) == 0 {
			delete(i.waiting, addr)
		} else {
			i.waiting[addr] = kept
		}
	}
	return sock.Detach()
}

// Poll runs one cycle: ingest inbound frames, flush socket egress, then
// fire the wakes those two phases satisfied. It never blocks; when the
// device has nothing, the cycle is a cheap no-op. The return value
// reports whether any frame moved in either direction, so a caller can
// back off an idle interface.
func (i *Interface) Poll(now tcpip.MonotonicTime) bool {
	i.now = now
	i.wrote = false
	ingested := 0
	for n := 0; n < maxRxBatch; n++ {
		sz, err := i.dev.Read(i.rxBuf)
		if err != nil {
			break
		}
		i.deliverFrame(i.rxBuf[:sz])
		ingested++
	}
	i.sockets.ForEach(func(_ SocketHandle, s Socket) {
		s.Flush()
	})
	i.driver.flush()
	return ingested > 0 || i.wrote
}

// Tick advances every timer-driven table: neighbor state machines,
// route expiry and reassembly timeouts. It emits the probes the
// neighbor cache asks for and aborts sockets whose next hop failed to
// resolve.
func (i *Interface) Tick(now tcpip.MonotonicTime) {
	i.now = now
	probes, failed := i.neighbors.Tick(now)
	for _, p := range probes {
		if len(p.addr) == header.IPv4AddressSize {
			i.sendARPRequest(p.addr)
		} else {
			i.sendNeighborSolicit(p.addr, p.linkAddr)
		}
	}
	for _, addr := range failed {
		i.log.WithField("addr", addr).Debug("neighbor resolution failed")
		for _, h := range i.waiting[addr] {
			i.sockets.Get(h).Abort(addr, tcpip.ErrNoLinkAddress)
		}
		delete(i.waiting, addr)
	}
	i.routes.Tick(now)
	i.fragments.Tick(now)
	i.driver.flush()
}

func (i *Interface) deliverFrame(frame []byte) {
	switch i.topology {
	case tcpip.EthernetII:
		if len(frame) < header.EthernetMinimumSize {
			i.stats.MalformedRcvdPackets.Increment()
			return
		}
		eth := header.Ethernet(frame)
		if dst := eth.DestinationAddress(); dst != i.dev.LinkAddress() &&
			dst != header.EthernetBroadcastAddress && !header.IsMulticastLinkAddress(dst) {
			i.stats.DroppedPackets.Increment()
			return
		}
		switch eth.Type() {
		case header.ARPProtocolNumber:
			i.handleARP(eth.Payload())
		case header.IPv4ProtocolNumber:
			i.handleIPv4(eth.Payload())
		case header.IPv6ProtocolNumber:
			i.handleIPv6(eth.Payload())
		default:
			i.stats.UnknownProtocolRcvdPackets.Increment()
		}
	case tcpip.PointToPoint:
		switch header.IPVersion(frame) {
		case header.IPv4Version:
			i.handleIPv4(frame)
		case header.IPv6Version:
			i.handleIPv6(frame)
		default:
			i.stats.MalformedRcvdPackets.Increment()
		}
	}
}

func (i *Interface) handleARP(pkt []byte) {
	if len(pkt) < header.ARPSize {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	a := header.ARP(pkt)
	if !a.IsValid() {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	senderIP := tcpip.Address(a.ProtocolAddressSender())
	senderHW := tcpip.LinkAddress(a.HardwareAddressSender())
	targetIP := tcpip.Address(a.ProtocolAddressTarget())
	switch a.Op() {
	case header.ARPRequest:
		if !i.hasAddress(targetIP) {
			return
		}
		i.neighbors.Fill(senderIP, senderHW, i.now)
		i.resolved(senderIP)
		i.sendARPReply(targetIP, senderIP, senderHW)
	case header.ARPReply:
		i.neighbors.Fill(senderIP, senderHW, i.now)
		i.resolved(senderIP)
	}
}

// resolved drops the suspended-socket bookkeeping for addr. The sockets
// need no explicit wake: every socket is flushed each poll, so the
// queued datagrams go out on the next cycle.
func (i *Interface) resolved(addr tcpip.Address) {
	delete(i.waiting, addr)
}

func (i *Interface) sendARPRequest(target tcpip.Address) {
	src, err := i.localAddress(target)
	if err != nil {
		return
	}
	i.sendARP(header.ARPRequest, src, target, tcpip.LinkAddress("\x00\x00\x00\x00\x00\x00"), header.EthernetBroadcastAddress)
}

func (i *Interface) sendARPReply(src, target tcpip.Address, targetHW tcpip.LinkAddress) {
	i.sendARP(header.ARPReply, src, target, targetHW, targetHW)
}

func (i *Interface) sendARP(op header.ARPOp, src, target tcpip.Address, targetHW, dstHW tcpip.LinkAddress) {
	buf := i.txBuf[:header.EthernetMinimumSize+header.ARPSize]
	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: i.dev.LinkAddress(),
		DstAddr: dstHW,
		Type:    header.ARPProtocolNumber,
	})
	a := header.ARP(buf[header.EthernetMinimumSize:])
	a.SetIPv4OverEthernet()
	a.SetOp(op)
	copy(a.HardwareAddressSender(), i.dev.LinkAddress())
	copy(a.ProtocolAddressSender(), src)
	copy(a.HardwareAddressTarget(), targetHW)
	copy(a.ProtocolAddressTarget(), target)
	// A full device drops the probe; the neighbor cache retries on a
	// later tick.
	if i.dev.Write(buf) == nil {
		i.wrote = true
	}
}

func (i *Interface) handleIPv4(pkt []byte) {
	h := header.IPv4(pkt)
	if !h.IsValid(len(pkt)) || h.CalculateChecksum() != 0xffff {
		i.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	i.stats.IP.PacketsReceived.Increment()
	src := h.SourceAddress()
	dst := h.DestinationAddress()
	if !i.isLocalIPv4Destination(dst) {
		i.stats.IP.InvalidAddressesReceived.Increment()
		return
	}
	pkt = pkt[:h.TotalLength()]
	payload := h.Payload()
	proto := h.TransportProtocol()
	if h.More() || h.FragmentOffset() != 0 {
		if len(payload) == 0 {
			i.stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		id := fragmentation.FragmentID{
			Source:      src,
			Destination: dst,
			Protocol:    proto,
			ID:          uint32(h.ID()),
		}
		first := h.FragmentOffset()
		done, data, err := i.fragments.Process(id, first, first+uint16(len(payload))-1, h.More(), payload, i.now)
		if err != nil {
			i.log.WithFields(logrus.Fields{"src": src, "id": h.ID(), "err": err}).Debug("dropping fragment")
			i.stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		if !done {
			return
		}
		i.stats.IP.FragmentsReassembled.Increment()
		payload = data
	}
	if proto == header.ICMPv4ProtocolNumber {
		i.handleICMPv4(src, dst, payload)
		return
	}
	i.deliverTransport(&TransportPacket{
		Protocol: proto,
		SrcAddr:  src,
		DstAddr:  dst,
		Payload:  payload,
	}, header.IPv4ProtocolNumber, pkt[:h.HeaderLength()])
}

func (i *Interface) handleIPv6(pkt []byte) {
	h := header.IPv6(pkt)
	if !h.IsValid(len(pkt)) {
		i.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	i.stats.IP.PacketsReceived.Increment()
	src := h.SourceAddress()
	dst := h.DestinationAddress()
	if !i.isLocalIPv6Destination(dst) {
		i.stats.IP.InvalidAddressesReceived.Increment()
		return
	}
	pkt = pkt[:header.IPv6MinimumSize+h.PayloadLength()]
	payload := h.Payload()
	proto := h.TransportProtocol()
	if h.NextHeader() == header.IPv6FragmentHeader {
		f := header.IPv6Fragment(payload)
		if len(payload) < header.IPv6FragmentHeaderSize || !f.IsValid() || len(f.Payload()) == 0 {
			i.stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		id := fragmentation.FragmentID{
			Source:      src,
			Destination: dst,
			Protocol:    f.TransportProtocol(),
			ID:          f.ID(),
		}
		data := f.Payload()
		first := f.FragmentOffset()
		done, out, err := i.fragments.Process(id, first, first+uint16(len(data))-1, f.More(), data, i.now)
		if err != nil {
			i.log.WithFields(logrus.Fields{"src": src, "id": f.ID(), "err": err}).Debug("dropping fragment")
			i.stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		if !done {
			return
		}
		i.stats.IP.FragmentsReassembled.Increment()
		proto = f.TransportProtocol()
		payload = out
	}
	if proto == header.ICMPv6ProtocolNumber {
		i.handleICMPv6(src, dst, payload)
		return
	}
	i.deliverTransport(&TransportPacket{
		Protocol: proto,
		SrcAddr:  src,
		DstAddr:  dst,
		Payload:  payload,
	}, header.IPv6ProtocolNumber, pkt[:header.IPv6MinimumSize])
}

// deliverTransport offers pkt to the sockets of its protocol, first
// match wins. Unmatched UDP earns a port-unreachable error; an
// unmatched protocol earns protocol-unreachable on IPv4 and an
// unrecognized-next-header parameter problem on IPv6. Unmatched TCP is
// left alone; reset generation belongs to the transport.
func (i *Interface) deliverTransport(pkt *TransportPacket, net tcpip.NetworkProtocolNumber, ipHdr []byte) {
	delivered := false
	i.sockets.ForEach(func(_ SocketHandle, s Socket) {
		if !delivered && s.TransportProtocol() == pkt.Protocol && s.DeliverPacket(pkt) {
			delivered = true
		}
	})
	if delivered {
		i.stats.IP.PacketsDelivered.Increment()
		i.stats.Transport.PacketsDelivered.Increment()
		return
	}
	i.stats.Transport.NoSocket.Increment()
	switch {
	case pkt.Protocol == header.UDPProtocolNumber && net == header.IPv4ProtocolNumber:
		i.sendICMPv4Error(pkt, ipHdr, header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable)
	case pkt.Protocol == header.UDPProtocolNumber:
		i.sendICMPv6Error(pkt, ipHdr, header.ICMPv6DstUnreachable, header.ICMPv6PortUnreachable, 0)
	case pkt.Protocol == header.TCPProtocolNumber:
		// A segment with no listener is silently dropped here.
	case net == header.IPv4ProtocolNumber:
		i.sendICMPv4Error(pkt, ipHdr, header.ICMPv4DstUnreachable, header.ICMPv4ProtoUnreachable)
	default:
		i.stats.UnknownProtocolRcvdPackets.Increment()
		i.sendICMPv6Error(pkt, ipHdr, header.ICMPv6ParamProblem, header.ICMPv6UnknownHeader, header.IPv6NextHeaderOffset)
	}
}

func (i *Interface) handleICMPv4(src, dst tcpip.Address, pkt []byte) {
	if len(pkt) < header.ICMPv4MinimumSize {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	icmp := header.ICMPv4(pkt)
	if icmp.CalculateChecksum() != icmp.Checksum() {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	switch icmp.Type() {
	case header.ICMPv4Echo:
		if !i.hasAddress(dst) {
			return
		}
		i.stats.ICMP.EchoRequestsReceived.Increment()
		err := i.writeIPPacket(header.ICMPv4ProtocolNumber, dst, src, defaultTTL, func(p *buffer.Prependable) *tcpip.Error {
			b := p.Append(len(pkt))
			copy(b, pkt)
			reply := header.ICMPv4(b)
			reply.SetType(header.ICMPv4EchoReply)
			reply.SetChecksum(reply.CalculateChecksum())
			return nil
		})
		if err == nil {
			i.stats.ICMP.EchoRepliesSent.Increment()
		}
	}
}

func (i *Interface) handleICMPv6(src, dst tcpip.Address, pkt []byte) {
	if len(pkt) < header.ICMPv6MinimumSize {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	icmp := header.ICMPv6(pkt)
	if icmp.CalculateChecksum(src, dst) != icmp.Checksum() {
		i.stats.MalformedRcvdPackets.Increment()
		return
	}
	switch icmp.Type() {
	case header.ICMPv6NeighborSolicit:
		if len(pkt) < header.ICMPv6NeighborSolicitMinimumSize {
			i.stats.MalformedRcvdPackets.Increment()
			return
		}
		target := icmp.TargetAddress()
		if !i.hasAddress(target) {
			return
		}
		if src != header.IPv6Any {
			if linkAddr, ok := icmp.NDPOptions().LinkLayerAddress(header.NDPSourceLinkLayerAddressOptionType); ok {
				i.neighbors.Fill(src, linkAddr, i.now)
				i.resolved(src)
			}
		}
		i.sendNeighborAdvert(target, src)
	case header.ICMPv6NeighborAdvert:
		if len(pkt) < header.ICMPv6NeighborAdvertMinimumSize {
			i.stats.MalformedRcvdPackets.Increment()
			return
		}
		target := icmp.TargetAddress()
		if linkAddr, ok := icmp.NDPOptions().LinkLayerAddress(header.NDPTargetLinkLayerAddressOptionType); ok {
			i.neighbors.Fill(target, linkAddr, i.now)
			i.resolved(target)
		}
	case header.ICMPv6EchoRequest:
		if !i.hasAddress(dst) {
			return
		}
		i.stats.ICMP.EchoRequestsReceived.Increment()
		err := i.writeIPPacket(header.ICMPv6ProtocolNumber, dst, src, defaultTTL, func(p *buffer.Prependable) *tcpip.Error {
			b := p.Append(len(pkt))
			copy(b, pkt)
			reply := header.ICMPv6(b)
			reply.SetType(header.ICMPv6EchoReply)
			reply.SetChecksum(reply.CalculateChecksum(dst, src))
			return nil
		})
		if err == nil {
			i.stats.ICMP.EchoRepliesSent.Increment()
		}
	}
}

// sendNeighborSolicit emits one NDP neighbor solicitation for target:
// multicast to the solicited-node group when no link address is cached,
// unicast to the cached address while re-verifying.
func (i *Interface) sendNeighborSolicit(target tcpip.Address, cached tcpip.LinkAddress) {
	src, err := i.localAddress(target)
	if err != nil {
		return
	}
	dst := header.SolicitedNodeAddr(target)
	if cached != "" {
		dst = target
	}
	_ = i.writeIPPacket(header.ICMPv6ProtocolNumber, src, dst, header.NDPHopLimit, func(p *buffer.Prependable) *tcpip.Error {
		b := p.Append(header.ICMPv6NeighborSolicitMinimumSize + header.NDPLinkLayerAddressOptionSize)
		clear(b)
		icmp := header.ICMPv6(b)
		icmp.SetType(header.ICMPv6NeighborSolicit)
		icmp.SetTargetAddress(target)
		header.SerializeLinkLayerAddress(b[header.ICMPv6NeighborSolicitMinimumSize:], header.NDPSourceLinkLayerAddressOptionType, i.dev.LinkAddress())
		icmp.SetChecksum(icmp.CalculateChecksum(src, dst))
		return nil
	})
}

// sendNeighborAdvert answers a solicitation for target. An unspecified
// solicitor gets an unsolicited advertisement on the all-nodes group.
func (i *Interface) sendNeighborAdvert(target, solicitor tcpip.Address) {
	dst := solicitor
	flags := uint8(header.NDPNAFlagSolicited | header.NDPNAFlagOverride)
	if solicitor == header.IPv6Any {
		dst = header.IPv6AllNodesMulticastAddress
		flags = header.NDPNAFlagOverride
	}
	_ = i.writeIPPacket(header.ICMPv6ProtocolNumber, target, dst, header.NDPHopLimit, func(p *buffer.Prependable) *tcpip.Error {
		b := p.Append(header.ICMPv6NeighborAdvertMinimumSize + header.NDPLinkLayerAddressOptionSize)
		clear(b)
		icmp := header.ICMPv6(b)
		icmp.SetType(header.ICMPv6NeighborAdvert)
		icmp.SetNeighborAdvertFlags(flags)
		icmp.SetTargetAddress(target)
		header.SerializeLinkLayerAddress(b[header.ICMPv6NeighborAdvertMinimumSize:], header.NDPTargetLinkLayerAddressOptionType, i.dev.LinkAddress())
		icmp.SetChecksum(icmp.CalculateChecksum(target, dst))
		return nil
	})
}

// sendICMPv4Error reports pkt as undeliverable to its sender, quoting
// the offending IP header and the start of its payload.
func (i *Interface) sendICMPv4Error(pkt *TransportPacket, ipHdr []byte, typ header.ICMPv4Type, code byte) {
	if !i.limiter.Allow(i.now) {
		i.stats.ICMP.RateLimited.Increment()
		return
	}
	quote := len(pkt.Payload)
	if quote > header.ICMPv4PayloadOffset {
		quote = header.ICMPv4PayloadOffset
	}
	err := i.writeIPPacket(header.ICMPv4ProtocolNumber, pkt.DstAddr, pkt.SrcAddr, defaultTTL, func(p *buffer.Prependable) *tcpip.Error {
		b := p.Append(header.ICMPv4MinimumSize + len(ipHdr) + quote)
		clear(b[:header.ICMPv4MinimumSize])
		icmp := header.ICMPv4(b)
		icmp.SetType(typ)
		icmp.SetCode(code)
		copy(b[header.ICMPv4PayloadOffset:], ipHdr)
		copy(b[header.ICMPv4PayloadOffset+len(ipHdr):], pkt.Payload[:quote])
		icmp.SetChecksum(icmp.CalculateChecksum())
		return nil
	})
	if err == nil {
		i.stats.ICMP.DestUnreachableSent.Increment()
	}
}

// sendICMPv6Error is the IPv6 counterpart. typeSpecific fills the four
// bytes after the checksum, the pointer of a parameter problem.
func (i *Interface) sendICMPv6Error(pkt *TransportPacket, ipHdr []byte, typ header.ICMPv6Type, code byte, typeSpecific uint32) {
	if !i.limiter.Allow(i.now) {
		i.stats.ICMP.RateLimited.Increment()
		return
	}
	quote := len(pkt.Payload)
	if quote > header.ICMPv6PayloadOffset {
		quote = header.ICMPv6PayloadOffset
	}
	src := pkt.DstAddr
	if !i.hasAddress(src) {
		var err *tcpip.Error
		if src, err = i.localAddress(pkt.SrcAddr); err != nil {
			return
		}
	}
	err := i.writeIPPacket(header.ICMPv6ProtocolNumber, src, pkt.SrcAddr, defaultTTL, func(p *buffer.Prependable) *tcpip.Error {
		b := p.Append(header.ICMPv6MinimumSize + len(ipHdr) + quote)
		clear(b[:header.ICMPv6MinimumSize])
		icmp := header.ICMPv6(b)
		icmp.SetType(typ)
		icmp.SetCode(code)
		icmp.SetTypeSpecific(typeSpecific)
		copy(b[header.ICMPv6PayloadOffset:], ipHdr)
		copy(b[header.ICMPv6PayloadOffset+len(ipHdr):], pkt.Payload[:quote])
		icmp.SetChecksum(icmp.CalculateChecksum(src, pkt.SrcAddr))
		return nil
	})
	if err != nil {
		return
	}
	if typ == header.ICMPv6ParamProblem {
		i.stats.ICMP.ParamProblemSent.Increment()
	} else {
		i.stats.ICMP.DestUnreachableSent.Increment()
	}
}

// writePacket is the socket egress entry point. On ErrWouldBlock from
// neighbor resolution, the socket is recorded against the next hop so a
// failed resolution can abort it later; the datagram stays queued in
// the socket's transmit ring.
func (i *Interface) writePacket(h SocketHandle, proto tcpip.TransportProtocolNumber, src, dst tcpip.Address, build PacketBuilder) *tcpip.Error {
	nexthop, err := i.writeIP(proto, src, dst, defaultTTL, build)
	if err == tcpip.ErrWouldBlock && nexthop != "" {
		i.waitFor(nexthop, h)
	}
	return err
}

// writeIPPacket sends a datagram the interface itself originates. A
// pending neighbor resolution drops the datagram; the protocols that
// use this path are all safe to retry or best-effort.
func (i *Interface) writeIPPacket(proto tcpip.TransportProtocolNumber, src, dst tcpip.Address, ttl uint8, build PacketBuilder) *tcpip.Error {
	_, err := i.writeIP(proto, src, dst, ttl, build)
	return err
}

func (i *Interface) writeIP(proto tcpip.TransportProtocolNumber, src, dst tcpip.Address, ttl uint8, build PacketBuilder) (tcpip.Address, *tcpip.Error) {
	v4 := len(dst) == header.IPv4AddressSize
	ipHdrLen := header.IPv6MinimumSize
	netProto := header.IPv6ProtocolNumber
	if v4 {
		ipHdrLen = header.IPv4MinimumSize
		netProto = header.IPv4ProtocolNumber
	}
	linkHdrLen := 0
	if i.topology == tcpip.EthernetII {
		linkHdrLen = header.EthernetMinimumSize
	}

	p := buffer.NewPrependable(i.txBuf, linkHdrLen+ipHdrLen)
	if err := build(&p); err != nil {
		return "", err
	}
	payloadLen := p.UsedLength()
	if ipHdrLen+payloadLen > int(i.dev.MTU()) {
		return "", tcpip.ErrMessageTooLong
	}

	if v4 {
		i.ipv4ID++
		h := header.IPv4(p.Prepend(header.IPv4MinimumSize))
		h.Encode(&header.IPv4Fields{
			IHL:         header.IPv4MinimumSize,
			TotalLength: uint16(header.IPv4MinimumSize + payloadLen),
			ID:          i.ipv4ID,
			TTL:         ttl,
			Protocol:    uint8(proto),
			SrcAddr:     src,
			DstAddr:     dst,
		})
		h.SetChecksum(^h.CalculateChecksum())
	} else {
		h := header.IPv6(p.Prepend(header.IPv6MinimumSize))
		h.Encode(&header.IPv6Fields{
			PayloadLength: uint16(payloadLen),
			NextHeader:    uint8(proto),
			HopLimit:      ttl,
			SrcAddr:       src,
			DstAddr:       dst,
		})
	}

	if i.topology == tcpip.PointToPoint {
		if err := i.dev.Write(p.View()); err != nil {
			return "", err
		}
		i.wrote = true
		i.stats.IP.PacketsSent.Increment()
		return "", nil
	}

	remote, nexthop, err := i.linkDestination(dst, v4)
	if err != nil {
		return nexthop, err
	}
	eth := header.Ethernet(p.Prepend(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: i.dev.LinkAddress(),
		DstAddr: remote,
		Type:    netProto,
	})
	if werr := i.dev.Write(p.View()); werr != nil {
		return "", werr
	}
	i.wrote = true
	i.stats.IP.PacketsSent.Increment()
	return "", nil
}

// linkDestination maps dst to the Ethernet address frames should carry.
// Broadcast and multicast map algorithmically; unicast goes through the
// route table and the neighbor cache. ErrWouldBlock comes with the
// next-hop address resolution was started for.
func (i *Interface) linkDestination(dst tcpip.Address, v4 bool) (tcpip.LinkAddress, tcpip.Address, *tcpip.Error) {
	if v4 {
		if dst == header.IPv4Broadcast || i.isSubnetBroadcast(dst) {
			return header.EthernetBroadcastAddress, "", nil
		}
		if header.IsV4MulticastAddress(dst) {
			return header.EthernetAddressFromMulticastIPv4Address(dst), "", nil
		}
	} else if header.IsV6MulticastAddress(dst) {
		return header.EthernetAddressFromMulticastIPv6Address(dst), "", nil
	}
	r, err := i.routes.Lookup(dst)
	if err != nil {
		return "", "", err
	}
	nexthop := r.NextHop(dst)
	linkAddr, rerr := i.neighbors.Resolve(nexthop, i.now)
	if rerr != nil {
		return "", nexthop, rerr
	}
	return linkAddr, "", nil
}

func (i *Interface) waitFor(nexthop tcpip.Address, h SocketHandle) {
	for _, wh := range i.waiting[nexthop] {
		if wh == h {
			return
		}
	}
	i.waiting[nexthop] = append(i.waiting[nexthop], h)
}

func (i *Interface) hasAddress(addr tcpip.Address) bool {
	for _, a := range i.addrs {
		if a.Address == addr {
			return true
		}
	}
	return false
}

func (i *Interface) isSubnetBroadcast(addr tcpip.Address) bool {
	for _, a := range i.addrs {
		if len(a.Address) != header.IPv4AddressSize {
			continue
		}
		if s := a.Subnet(); s.Broadcast() == addr {
			return true
		}
	}
	return false
}

func (i *Interface) joinedGroup(addr tcpip.Address) bool {
	for _, g := range i.groups {
		if g == addr {
			return true
		}
	}
	return false
}

func (i *Interface) isLocalIPv4Destination(dst tcpip.Address) bool {
	return i.hasAddress(dst) || dst == header.IPv4Broadcast ||
		i.isSubnetBroadcast(dst) ||
		(header.IsV4MulticastAddress(dst) && i.joinedGroup(dst))
}

func (i *Interface) isLocalIPv6Destination(dst tcpip.Address) bool {
	return i.hasAddress(dst) || dst == header.IPv6AllNodesMulticastAddress ||
		(header.IsV6MulticastAddress(dst) && i.joinedGroup(dst))
}

// localAddress picks the source address for traffic to dst: the bound
// address whose subnet contains dst, else the first bound address of
// dst's family.
func (i *Interface) localAddress(dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	var fallback tcpip.Address
	for _, a := range i.addrs {
		if len(a.Address) != len(dst) {
			continue
		}
		if fallback == "" {
			fallback = a.Address
		}
		if s := a.Subnet(); s.Contains(dst) {
			return a.Address, nil
		}
	}
	if fallback == "" {
		return "", tcpip.ErrNoRoute
	}
	return fallback, nil
}

func (i *Interface) allocatePort(testPort func(port uint16) bool) (uint16, *tcpip.Error) {
	return ports.PickEphemeralPort(i.rng, testPort)
}

// portInUse reports whether a live socket of proto is bound to port.
func (i *Interface) portInUse(proto tcpip.TransportProtocolNumber, port uint16) bool {
	inUse := false
	i.sockets.ForEach(func(_ SocketHandle, s Socket) {
		if s.TransportProtocol() == proto && s.LocalPort() == port {
			inUse = true
		}
	})
	return inUse
}
