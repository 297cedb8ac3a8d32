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

package stack

import "testing"

func fired(w *Waker) bool {
	select {
	case <-w.C:
		return true
	default:
		return false
	}
}

func TestDriverDefersWakesUntilFlush(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 0}
	d.addSlot(h)

	w := NewChannelWaker()
	d.registerRead(h, w)
	d.readReady(h)
	if fired(w) {
		t.Fatalf("waker fired before flush")
	}
	d.flush()
	if !fired(w) {
		t.Fatalf("waker did not fire at flush")
	}
}

func TestDriverWakeThenClear(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 0}
	d.addSlot(h)

	w := NewChannelWaker()
	d.registerRead(h, w)
	d.readReady(h)
	d.flush()
	if !fired(w) {
		t.Fatalf("first wake missing")
	}

	// The slot is disarmed; further readiness must not wake again
	// without a fresh registration.
	d.readReady(h)
	d.flush()
	if fired(w) {
		t.Fatalf("disarmed slot fired a second wake")
	}

	d.registerRead(h, w)
	d.readReady(h)
	d.flush()
	if !fired(w) {
		t.Fatalf("re-registered slot did not fire")
	}
}

func TestDriverWriteThreshold(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 0}
	d.addSlot(h)

	w := NewChannelWaker()
	d.registerWrite(h, w, 100)

	d.writeReady(h, 99)
	d.flush()
	if fired(w) {
		t.Fatalf("waker fired below the minFree threshold")
	}

	d.writeReady(h, 100)
	d.flush()
	if !fired(w) {
		t.Fatalf("waker did not fire once minFree was met")
	}
}

func TestDriverDeregisterIsIdempotent(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 0}
	d.addSlot(h)

	w := NewChannelWaker()
	d.registerRead(h, w)
	d.deregisterRead(h)
	d.deregisterRead(h)
	d.readReady(h)
	d.flush()
	if fired(w) {
		t.Fatalf("deregistered waker fired")
	}

	// Deregistering a removed slot must not panic either.
	d.removeSlot(h)
	d.deregisterRead(h)
	d.deregisterWrite(h)
}

func TestDriverStaleSlotPanics(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 3}
	d.addSlot(h)
	d.removeSlot(h)

	defer func() {
		if recover() == nil {
			t.Errorf("readReady on a removed slot did not panic")
		}
	}()
	d.readReady(h)
}

func TestCallbackWaker(t *testing.T) {
	d := NewDriver()
	h := SocketHandle{index: 0}
	d.addSlot(h)

	calls := 0
	w := &Waker{Callback: func() { calls++ }}
	d.registerRead(h, w)
	d.readReady(h)
	if calls != 0 {
		t.Fatalf("callback ran before flush")
	}
	d.flush()
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
}

func TestChannelWakerCoalesces(t *testing.T) {
	w := NewChannelWaker()
	w.assert()
	w.assert()
	if !fired(w) {
		t.Fatalf("waker channel empty after assert")
	}
	if fired(w) {
		t.Fatalf("waker channel buffered more than one wake")
	}
}
