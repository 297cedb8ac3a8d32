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

package udp_test

import (
	"bytes"
	"testing"

	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/link/channel"
	"pollnet.dev/pollnet/pkg/tcpip/stack"
	"pollnet.dev/pollnet/pkg/tcpip/transport/udp"
)

type testNode struct {
	dev  *channel.Device
	ifc  *stack.Interface
	addr tcpip.Address
}

// newPair builds two interfaces on 192.0.2.0/24 with static neighbor
// entries for each other, so tests exercise UDP rather than ARP.
func newPair(t *testing.T) (a, b *testNode) {
	t.Helper()
	make1 := func(mac tcpip.LinkAddress, addr tcpip.Address) *testNode {
		dev := channel.New(1500, mac)
		ifc := stack.NewInterface(dev, stack.Options{})
		if err := ifc.AddAddress(tcpip.AddressWithPrefix{Address: addr, PrefixLen: 24}); err != nil {
			t.Fatalf("AddAddress: %v", err)
		}
		onLink := tcpip.AddressWithPrefix{Address: addr, PrefixLen: 24}.Subnet()
		if err := ifc.AddRoute(stack.Route{Destination: onLink}); err != nil {
			t.Fatalf("AddRoute: %v", err)
		}
		return &testNode{dev: dev, ifc: ifc, addr: addr}
	}
	macA := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x0a")
	macB := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x0b")
	a = make1(macA, "\xc0\x00\x02\x01")
	b = make1(macB, "\xc0\x00\x02\x02")
	a.ifc.SetNeighbor(b.addr, macB, 0)
	b.ifc.SetNeighbor(a.addr, macA, 0)
	return a, b
}

// exchange runs one poll on each side and carries frames across.
func exchange(a, b *testNode, now tcpip.MonotonicTime) {
	a.ifc.Poll(now)
	b.ifc.Poll(now)
	channel.Pipe(a.dev, b.dev)
	a.ifc.Poll(now)
	b.ifc.Poll(now)
}

func openSocket(t *testing.T, n *testNode, rxSize, txSize int) *udp.Socket {
	t.Helper()
	sock := udp.New(make([]byte, rxSize), make([]byte, txSize), udp.Options{})
	if _, err := n.ifc.Open(sock); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sock
}

func TestUDPEchoBetweenInterfaces(t *testing.T) {
	a, b := newPair(t)

	server := openSocket(t, b, 2048, 2048)
	if err := server.Bind(tcpip.FullAddress{Port: 7}); err != nil {
		t.Fatalf("server Bind: %v", err)
	}
	client := openSocket(t, a, 2048, 2048)
	if err := client.Connect(tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
		t.Fatalf("client Connect: %v", err)
	}

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	exchange(a, b, 0)

	buf := make([]byte, 64)
	n, from, err := server.Recv(buf)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("server got %q, want hello", buf[:n])
	}
	if from.Addr != a.addr {
		t.Fatalf("datagram from %s, want %s", from.Addr, a.addr)
	}

	if err := server.SendTo([]byte("world"), from); err != nil {
		t.Fatalf("server SendTo: %v", err)
	}
	exchange(a, b, 0)

	n, from, err = client.Recv(buf)
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("client got %q, want world", buf[:n])
	}
	if from.Addr != b.addr || from.Port != 7 {
		t.Fatalf("reply from %s:%d, want %s:7", from.Addr, from.Port, b.addr)
	}
}

func TestUDPRecvWakerFiresAfterPollCycle(t *testing.T) {
	a, b := newPair(t)

	server := openSocket(t, b, 2048, 2048)
	if err := server.Bind(tcpip.FullAddress{Port: 7}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	client := openSocket(t, a, 2048, 2048)
	if err := client.Connect(tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	buf := make([]byte, 64)
	if _, _, err := server.Recv(buf); err != tcpip.ErrWouldBlock {
		t.Fatalf("Recv on empty socket = %v, want %v", err, tcpip.ErrWouldBlock)
	}
	w := stack.NewChannelWaker()
	server.RegisterRecvWaker(w)

	if err := client.Send([]byte("wake up")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.ifc.Poll(0)
	channel.Pipe(a.dev, b.dev)
	b.ifc.Poll(0)

	select {
	case <-w.C:
	default:
		t.Fatalf("recv waker did not fire after the delivering poll")
	}
	if n, _, err := server.Recv(buf); err != nil || string(buf[:n]) != "wake up" {
		t.Fatalf("Recv after wake = (%q, %v)", buf[:n], err)
	}
}

func TestUDPSendBackpressure(t *testing.T) {
	a, b := newPair(t)

	client := openSocket(t, a, 256, 16)
	if err := client.Connect(tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := []byte("0123456789ab") // 12 bytes, two do not fit in 16
	if err := client.Send(msg); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := client.Send(msg); err != tcpip.ErrWouldBlock {
		t.Fatalf("second Send = %v, want %v", err, tcpip.ErrWouldBlock)
	}

	w := stack.NewChannelWaker()
	client.RegisterSendWaker(w, client.MinSendSpace(len(msg)))

	a.ifc.Poll(0)
	select {
	case <-w.C:
	default:
		t.Fatalf("send waker did not fire after the transmit ring drained")
	}
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send after drain: %v", err)
	}
}

func TestUDPRecvTruncates(t *testing.T) {
	a, b := newPair(t)

	server := openSocket(t, b, 2048, 2048)
	if err := server.Bind(tcpip.FullAddress{Port: 7}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	client := openSocket(t, a, 2048, 2048)
	if err := client.SendTo([]byte("0123456789"), tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	exchange(a, b, 0)

	small := make([]byte, 4)
	n, _, err := server.Recv(small)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(small[:n], []byte("0123")) {
		t.Fatalf("Recv = %q, want 0123", small[:n])
	}
	// The truncated remainder is gone, not re-delivered.
	if _, _, err := server.Recv(small); err != tcpip.ErrWouldBlock {
		t.Fatalf("Recv after truncation = %v, want %v", err, tcpip.ErrWouldBlock)
	}
}

func TestUDPConnectedSocketFiltersPeers(t *testing.T) {
	a, b := newPair(t)

	server := openSocket(t, b, 2048, 2048)
	if err := server.Bind(tcpip.FullAddress{Port: 7}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := server.Connect(tcpip.FullAddress{Addr: a.addr, Port: 1000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Traffic from the right host but the wrong source port is not for
	// this connected socket; the stack answers port unreachable.
	client := openSocket(t, a, 2048, 2048)
	if err := client.Bind(tcpip.FullAddress{Port: 2000}); err != nil {
		t.Fatalf("client Bind: %v", err)
	}
	if err := client.SendTo([]byte("stranger"), tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	exchange(a, b, 0)

	buf := make([]byte, 64)
	if _, _, err := server.Recv(buf); err != tcpip.ErrWouldBlock {
		t.Fatalf("Recv = %v, want %v", err, tcpip.ErrWouldBlock)
	}
	if got := b.ifc.Stats().Transport.NoSocket.Value(); got != 1 {
		t.Errorf("NoSocket = %d, want 1", got)
	}
}

func TestUDPRecvBufferFullDrops(t *testing.T) {
	a, b := newPair(t)

	server := openSocket(t, b, 8, 2048) // room for one tiny datagram
	if err := server.Bind(tcpip.FullAddress{Port: 7}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	client := openSocket(t, a, 2048, 2048)
	for n := 0; n < 3; n++ {
		if err := client.SendTo([]byte("xxxxx"), tcpip.FullAddress{Addr: b.addr, Port: 7}); err != nil {
			t.Fatalf("SendTo %d: %v", n, err)
		}
	}
	exchange(a, b, 0)

	buf := make([]byte, 16)
	if _, _, err := server.Recv(buf); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if _, _, err := server.Recv(buf); err != tcpip.ErrWouldBlock {
		t.Fatalf("second Recv = %v, want %v (overflow dropped)", err, tcpip.ErrWouldBlock)
	}
	if got := server.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	// Ethernet-level delivery still succeeded; nothing unreachable.
	if got := b.ifc.Stats().Transport.NoSocket.Value(); got != 0 {
		t.Errorf("NoSocket = %d, want 0", got)
	}
}

// TestUDPBindEphemeralPortsDistinct opens two sockets on one interface
// and binds both to ephemeral ports. The allocator must consult the
// live sockets; with this seed an unchecked pick hands both the same
// port.
func TestUDPBindEphemeralPortsDistinct(t *testing.T) {
	dev := channel.New(1500, "\x02\x00\x00\x00\x00\x0a")
	ifc := stack.NewInterface(dev, stack.Options{Seed: 73058})

	first := udp.New(make([]byte, 256), make([]byte, 256), udp.Options{})
	if _, err := ifc.Open(first); err != nil {
		t.Fatalf("Open(first): %v", err)
	}
	if err := first.Bind(tcpip.FullAddress{}); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	second := udp.New(make([]byte, 256), make([]byte, 256), udp.Options{})
	if _, err := ifc.Open(second); err != nil {
		t.Fatalf("Open(second): %v", err)
	}
	if err := second.Bind(tcpip.FullAddress{}); err != nil {
		t.Fatalf("second Bind: %v", err)
	}

	p1, p2 := first.LocalAddress().Port, second.LocalAddress().Port
	if p1 == p2 {
		t.Fatalf("both sockets bound to ephemeral port %d", p1)
	}
}

func TestUDPBindTakenPortFails(t *testing.T) {
	a, _ := newPair(t)

	first := udp.New(make([]byte, 256), make([]byte, 256), udp.Options{})
	h, err := a.ifc.Open(first)
	if err != nil {
		t.Fatalf("Open(first): %v", err)
	}
	if err := first.Bind(tcpip.FullAddress{Port: 9}); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	second := openSocket(t, a, 256, 256)
	if err := second.Bind(tcpip.FullAddress{Port: 9}); err != tcpip.ErrPortInUse {
		t.Fatalf("second Bind = %v, want %v", err, tcpip.ErrPortInUse)
	}
	// The port frees up with the socket.
	a.ifc.Close(h)
	if err := second.Bind(tcpip.FullAddress{Port: 9}); err != nil {
		t.Fatalf("Bind after close: %v", err)
	}
}
