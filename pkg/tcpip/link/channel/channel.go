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

// Package channel provides an in-memory link device backed by frame
// queues. It is the main vehicle for tests: frames written by the stack
// land in a queue the test can inspect, and the test injects inbound
// frames the same way. Two devices can also be paired back to back to
// form a two-node network.
package channel

import (
	"pollnet.dev/pollnet/pkg/tcpip"
)

// Device is an in-memory frame device.
type Device struct {
	mtu      uint32
	linkAddr tcpip.LinkAddress

	rx [][]byte
	tx [][]byte

	// txLimit bounds the transmit queue; 0 means unbounded. A full
	// queue makes Write report ErrWouldBlock, which is how tests
	// exercise device backpressure.
	txLimit int
}

// New creates a Device with the given MTU and link address.
func New(mtu uint32, linkAddr tcpip.LinkAddress) *Device {
	return &Device{mtu: mtu, linkAddr: linkAddr}
}

// MTU implements stack.LinkDevice.
func (d *Device) MTU() uint32 {
	return d.mtu
}

// LinkAddress implements stack.LinkDevice.
func (d *Device) LinkAddress() tcpip.LinkAddress {
	return d.linkAddr
}

// Read implements stack.LinkDevice. It pops the oldest injected frame.
func (d *Device) Read(buf []byte) (int, *tcpip.Error) {
	if len(d.rx) == 0 {
		return 0, tcpip.ErrWouldBlock
	}
	frame := d.rx[0]
	d.rx = d.rx[1:]
	if len(frame) > len(buf) {
		return 0, tcpip.ErrMessageTooLong
	}
	return copy(buf, frame), nil
}

// Write implements stack.LinkDevice. The frame is copied into the
// transmit queue.
func (d *Device) Write(frame []byte) *tcpip.Error {
	if d.txLimit != 0 && len(d.tx) >= d.txLimit {
		return tcpip.ErrWouldBlock
	}
	d.tx = append(d.tx, append([]byte(nil), frame...))
	return nil
}

// SetTxLimit bounds the transmit queue to n frames.
func (d *Device) SetTxLimit(n int) {
	d.txLimit = n
}

// InjectInbound queues one frame for the stack to read.
func (d *Device) InjectInbound(frame []byte) {
	d.rx = append(d.rx, append([]byte(nil), frame...))
}

// TxCount returns the number of frames waiting in the transmit queue.
func (d *Device) TxCount() int {
	return len(d.tx)
}

// ReadOutbound pops the oldest frame the stack has written, or nil.
func (d *Device) ReadOutbound() []byte {
	if len(d.tx) == 0 {
		return nil
	}
	frame := d.tx[0]
	d.tx = d.tx[1:]
	return frame
}

// Pipe moves every queued outbound frame of d into peer's inbound
// queue, and vice versa. Calling it between polls of two interfaces
// simulates a cable between them.
func Pipe(d, peer *Device) {
	for {
		frame := d.ReadOutbound()
		if frame == nil {
			break
		}
		peer.InjectInbound(frame)
	}
	for {
		frame := peer.ReadOutbound()
		if frame == nil {
			break
		}
		d.InjectInbound(frame)
	}
}
