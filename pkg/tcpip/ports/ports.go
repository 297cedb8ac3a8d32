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

// Package ports provides ephemeral port allocation.
package ports

import (
	"math"
	"math/rand"

	"pollnet.dev/pollnet/pkg/tcpip"
)

const (
	// FirstEphemeral is the first port in the ephemeral range.
	FirstEphemeral = 16000

	numEphemeralPorts = math.MaxUint16 - FirstEphemeral + 1
)

// PickEphemeralPort randomly chooses a starting point in the ephemeral
// range and iterates over the whole range from there, calling testPort
// for each candidate until one is accepted. It returns
// ErrNoPortAvailable if every candidate is refused.
func PickEphemeralPort(rng *rand.Rand, testPort func(port uint16) bool) (uint16, *tcpip.Error) {
	offset := uint32(rng.Int31n(numEphemeralPorts))
	for i := uint32(0); i < numEphemeralPorts; i++ {
		port := uint16(FirstEphemeral + (offset+i)%numEphemeralPorts)
		if testPort(port) {
			return port, nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}
