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

package checksum

import (
	"testing"

	"pollnet.dev/pollnet/pkg/tcpip"
)

func TestChecksumRFC1071Example(t *testing.T) {
	// Example from RFC 1071 section 3: the bytes 00 01 f2 03 f4 f5 f6 f7
	// sum (before folding and complement) to ddf2 with the carry folded in.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got, want := Checksum(b, 0), uint16(0xddf2); got != want {
		t.Errorf("Checksum(%x, 0) = %#x, want %#x", b, got, want)
	}
}

func TestChecksumOddLength(t *testing.T) {
	// An odd trailing byte is padded with a zero octet on the right.
	b := []byte{0x01, 0x02, 0x03}
	if got, want := Checksum(b, 0), Checksum([]byte{0x01, 0x02, 0x03, 0x00}, 0); got != want {
		t.Errorf("Checksum(%x, 0) = %#x, want %#x", b, got, want)
	}
}

func TestChecksumIncremental(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef, 0x12, 0x34, 0x56, 0x78}
	whole := Checksum(b, 0)
	split := Checksum(b[4:], Checksum(b[:4], 0))
	if whole != split {
		t.Errorf("incremental checksum mismatch: whole %#x, split %#x", whole, split)
	}
}

func TestCombine(t *testing.T) {
	// Combining must fold the carry back into the low 16 bits.
	if got, want := Combine(0xffff, 0x0001), uint16(0x0001); got != want {
		t.Errorf("Combine(0xffff, 0x0001) = %#x, want %#x", got, want)
	}
}

func TestPseudoHeaderChecksumVerifies(t *testing.T) {
	src := tcpip.Address("\xc0\x00\x02\x01")
	dst := tcpip.Address("\xc0\x00\x02\x02")
	const proto = 17
	const length = 32

	xsum := PseudoHeaderChecksum(proto, src, dst, length)

	// Recompute by hand: src + dst + len + proto.
	want := Checksum([]byte(src), 0)
	want = Checksum([]byte(dst), want)
	want = Checksum([]byte{0, length}, want)
	want = Checksum([]byte{0, proto}, want)
	if xsum != want {
		t.Errorf("PseudoHeaderChecksum = %#x, want %#x", xsum, want)
	}
}
