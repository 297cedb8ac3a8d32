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

// Package sniffer wraps a link device and logs a summary of every frame
// that passes through it. Useful while debugging packet flow; the
// wrapped device is otherwise transparent.
package sniffer

import (
	"github.com/sirupsen/logrus"

	"pollnet.dev/pollnet/pkg/tcpip"
	"pollnet.dev/pollnet/pkg/tcpip/header"
	"pollnet.dev/pollnet/pkg/tcpip/stack"
)

// Device wraps a stack.LinkDevice with frame logging.
type Device struct {
	inner stack.LinkDevice
	log   logrus.FieldLogger
}

// New wraps inner. Frames are logged to log at debug level; a nil log
// uses the logrus standard logger.
func New(inner stack.LinkDevice, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Device{inner: inner, log: log}
}

// MTU implements stack.LinkDevice.
func (d *Device) MTU() uint32 {
	return d.inner.MTU()
}

// LinkAddress implements stack.LinkDevice.
func (d *Device) LinkAddress() tcpip.LinkAddress {
	return d.inner.LinkAddress()
}

// Read implements stack.LinkDevice.
func (d *Device) Read(buf []byte) (int, *tcpip.Error) {
	n, err := d.inner.Read(buf)
	if err == nil {
		d.logFrame("recv", buf[:n])
	}
	return n, err
}

// Write implements stack.LinkDevice.
func (d *Device) Write(frame []byte) *tcpip.Error {
	err := d.inner.Write(frame)
	if err == nil {
		d.logFrame("send", frame)
	}
	return err
}

func (d *Device) logFrame(dir string, frame []byte) {
	fields := logrus.Fields{"len": len(frame)}
	if len(frame) >= header.EthernetMinimumSize {
		eth := header.Ethernet(frame)
		fields["src"] = eth.SourceAddress().String()
		fields["dst"] = eth.DestinationAddress().String()
		switch eth.Type() {
		case header.ARPProtocolNumber:
			fields["proto"] = "arp"
		case header.IPv4ProtocolNumber:
			fields["proto"] = "ipv4"
			if ip := header.IPv4(eth.Payload()); ip.IsValid(len(eth.Payload())) {
				fields["ipsrc"] = ip.SourceAddress().String()
				fields["ipdst"] = ip.DestinationAddress().String()
				fields["transport"] = ip.Protocol()
			}
		case header.IPv6ProtocolNumber:
			fields["proto"] = "ipv6"
			if ip := header.IPv6(eth.Payload()); ip.IsValid(len(eth.Payload())) {
				fields["ipsrc"] = ip.SourceAddress().String()
				fields["ipdst"] = ip.DestinationAddress().String()
				fields["transport"] = ip.NextHeader()
			}
		default:
			fields["proto"] = uint32(eth.Type())
		}
	}
	d.log.WithFields(fields).Debug(dir)
}
