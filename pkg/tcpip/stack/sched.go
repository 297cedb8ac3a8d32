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

// Waker is the handle used to resume a task suspended on socket readiness.
//
// A waker fires either through Callback, when set, or by a non-blocking
// send on C. The channel form suits tasks that block in a select; the
// callback form suits event loops that flip a ready flag.
type Waker struct {
	// Callback, if non-nil, is invoked to wake the task. It must be cheap
	// and must not call back into the stack.
	Callback func()

	// C receives a value when the waker fires and Callback is nil.
	C chan struct{}
}

// NewChannelWaker returns a Waker that notifies a buffered channel, and
// never blocks the poll loop when the task has not yet drained a previous
// wake.
func NewChannelWaker() *Waker {
	return &Waker{C: make(chan struct{}, 1)}
}

func (w *Waker) assert() {
	if w.Callback != nil {
		w.Callback()
		return
	}
	select {
	case w.C <- struct{}{}:
	default:
	}
}

// scheduledIO is the pair of wake slots for one socket handle. A slot holds
// at most one waker; arming a slot replaces the previous waker. Slots are
// wake-then-clear: firing disarms the slot, and the task must re-register
// to be woken again.
type scheduledIO struct {
	read *Waker

	write *Waker

	// writeMinFree is the number of free transmit bytes the blocked writer
	// needs. Drain events smaller than this do not fire the write slot, so
	// a writer is resumed exactly once, when its request can make progress.
	writeMinFree int
}

// Driver is the per-interface cooperative scheduler. It owns the
// ScheduledIO slot table, indexed by socket handle, and the list of wakes
// satisfied during the current poll cycle.
//
// Wakes are deferred: conditions that become satisfied during a cycle are
// collected and fired only when the cycle completes, so no task observes a
// partially processed batch.
type Driver struct {
	slots map[SocketHandle]*scheduledIO

	// pending holds wakers whose condition was satisfied during the current
	// cycle, in satisfaction order. At most one entry per slot per cycle,
	// guaranteed by the slot being cleared when it is moved here.
	pending []*Waker
}

// NewDriver creates a Driver with no slots. Slots come and go with socket
// set membership.
func NewDriver() *Driver {
	return &Driver{slots: make(map[SocketHandle]*scheduledIO)}
}

func (d *Driver) addSlot(h SocketHandle) {
	d.slots[h] = &scheduledIO{}
}

// removeSlot drops the slot for a closed socket. Any armed waker is
// discarded without firing: cancellation must not resurrect the task.
func (d *Driver) removeSlot(h SocketHandle) {
	delete(d.slots, h)
}

func (d *Driver) slot(h SocketHandle) *scheduledIO {
	s, ok := d.slots[h]
	if !ok {
		panic("scheduled I/O slot accessed with a stale socket handle")
	}
	return s
}

func (d *Driver) registerRead(h SocketHandle, w *Waker) {
	d.slot(h).read = w
}

func (d *Driver) registerWrite(h SocketHandle, w *Waker, minFree int) {
	s := d.slot(h)
	s.write = w
	s.writeMinFree = minFree
}

func (d *Driver) deregisterRead(h SocketHandle) {
	if s, ok := d.slots[h]; ok {
		s.read = nil
	}
}

func (d *Driver) deregisterWrite(h SocketHandle) {
	if s, ok := d.slots[h]; ok {
		s.write = nil
	}
}

// readReady marks the read condition for h satisfied. The armed waker, if
// any, moves to the pending list and the slot is cleared.
func (d *Driver) readReady(h SocketHandle) {
	s := d.slot(h)
	if s.read != nil {
		d.pending = append(d.pending, s.read)
		s.read = nil
	}
}

// writeReady marks the write condition for h satisfied with free bytes of
// room. The armed waker fires only once the writer's threshold is met.
func (d *Driver) writeReady(h SocketHandle, free int) {
	s := d.slot(h)
	if s.write != nil && free >= s.writeMinFree {
		d.pending = append(d.pending, s.write)
		s.write = nil
	}
}

// flush fires every pending wake. Called once at the end of each poll
// cycle, after all ingress and egress processing, so wakes issued during a
// cycle become visible only when the cycle completes.
func (d *Driver) flush() {
	for _, w := range d.pending {
		w.assert()
	}
	d.pending = d.pending[:0]
}
