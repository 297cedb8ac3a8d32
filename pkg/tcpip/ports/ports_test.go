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

package ports

import (
	"math/rand"
	"testing"

	"pollnet.dev/pollnet/pkg/tcpip"
)

func TestPickEphemeralPortRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		port, err := PickEphemeralPort(rng, func(uint16) bool { return true })
		if err != nil {
			t.Fatalf("PickEphemeralPort: %v", err)
		}
		if port < FirstEphemeral {
			t.Fatalf("port %d below ephemeral range", port)
		}
	}
}

func TestPickEphemeralPortSkipsRefused(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var refused []uint16
	port, err := PickEphemeralPort(rng, func(p uint16) bool {
		if len(refused) < 3 {
			refused = append(refused, p)
			return false
		}
		return true
	})
	if err != nil {
		t.Fatalf("PickEphemeralPort: %v", err)
	}
	for _, r := range refused {
		if port == r {
			t.Fatalf("returned refused port %d", port)
		}
	}
}

func TestPickEphemeralPortExhaustion(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tested := 0
	if _, err := PickEphemeralPort(rng, func(uint16) bool {
		tested++
		return false
	}); err != tcpip.ErrNoPortAvailable {
		t.Fatalf("err = %v, want %v", err, tcpip.ErrNoPortAvailable)
	}
	if tested != numEphemeralPorts {
		t.Fatalf("tested %d candidates, want %d", tested, numEphemeralPorts)
	}
}
