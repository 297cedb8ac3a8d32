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

import "pollnet.dev/pollnet/pkg/tcpip"

// NDP option types, as per RFC 4861 section 4.6.
const (
	// NDPSourceLinkLayerAddressOptionType is the type of the Source
	// Link-Layer Address option.
	NDPSourceLinkLayerAddressOptionType = 1

	// NDPTargetLinkLayerAddressOptionType is the type of the Target
	// Link-Layer Address option.
	NDPTargetLinkLayerAddressOptionType = 2
)

const (
	// NDPLinkLayerAddressOptionSize is the size of a link-layer address
	// option carrying a 6-byte ethernet address.
	NDPLinkLayerAddressOptionSize = 8

	// ndpOptionLengthUnit is the unit of the Length field: the total option
	// size in bytes is Length * 8.
	ndpOptionLengthUnit = 8
)

// NDPOptions is the trailing options section of an NDP message, a sequence of
// (type, length, body) triples.
type NDPOptions []byte

// LinkLayerAddress walks the options and returns the link-layer address
// carried by the first option of the given type. The second return value is
// false if no such option is present or the options are malformed.
//
// Malformed options terminate the walk; anything before the malformation is
// still considered, as per RFC 4861 section 4.6 options with an unrecognized
// type are skipped.
func (b NDPOptions) LinkLayerAddress(optType uint8) (tcpip.LinkAddress, bool) {
	for len(b) >= 2 {
		length := int(b[1]) * ndpOptionLengthUnit
		if length == 0 || length > len(b) {
			return "", false
		}
		if b[0] == optType {
			if length < NDPLinkLayerAddressOptionSize {
				return "", false
			}
			return tcpip.LinkAddress(b[2 : 2+EthernetAddressSize]), true
		}
		b = b[length:]
	}
	return "", false
}

// SerializeLinkLayerAddress writes a link-layer address option of the given
// type into buf, returning the number of bytes written. buf must be at least
// NDPLinkLayerAddressOptionSize bytes.
func SerializeLinkLayerAddress(buf []byte, optType uint8, addr tcpip.LinkAddress) int {
	buf[0] = optType
	buf[1] = NDPLinkLayerAddressOptionSize / ndpOptionLengthUnit
	copy(buf[2:], addr)
	return NDPLinkLayerAddressOptionSize
}
