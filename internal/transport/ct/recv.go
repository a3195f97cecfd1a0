/*
 * Copyright 2025 Intel Corporation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ct

import "fmt"

// NotifyReceive drains the inbound ring. It is the device-doorbell entry
// point and may be invoked redundantly from multiple trigger paths; the
// drain is coalesced through a single-flight guard rather than a blocking
// lock, so redundant callers return immediately instead of stalling.
func (c *Channel) NotifyReceive() {
	if !c.draining.CompareAndSwap(false, true) {
		// Someone is already draining; make sure they go around again.
		c.rescan.Store(true)
		return
	}
	for {
		c.rescan.Store(false)
		c.drain()
		if !c.rescan.Load() {
			c.draining.Store(false)
			// A notify may have slipped in between the rescan check and
			// clearing the guard.
			if c.rescan.Load() && c.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}
	}
}

// drain moves messages out of the inbound ring until head catches tail or
// a corruption detector fires. A broken channel gets exactly one more
// best-effort pass over whatever is already buffered; after that the
// reader stays parked until re-enable.
func (c *Channel) drain() {
	if c.broken.Load() && !c.finalDrain.CompareAndSwap(false, true) {
		return
	}
	for {
		msg, ok := c.readOne()
		if !ok {
			return
		}
		if msg == nil {
			continue
		}
		c.dispatch(msg)
	}
}

// readOne extracts the next inbound message. Returns (nil, false) when the
// ring is empty or broken, (nil, true) when a message was consumed but not
// propagated, and (msg, true) otherwise.
func (c *Channel) readOne() (*Message, bool) {
	// A stall-broken channel still gets one best-effort drain of whatever
	// is buffered; structural corruption stops the reader for good.
	if c.corrupt.Load() {
		return nil, false
	}

	// The device reports its own faults through the inbound descriptor
	// status, mirroring what the send path checks on the outbound one.
	status := c.recv.desc.Status()
	switch {
	case status == 0:
	case status&DescStatusMigrated != 0:
		// Remote link reset in progress: nothing buffered is trustworthy,
		// but the channel survives for higher-level recovery.
		return nil, false
	default:
		c.corrupt.Store(true)
		c.markBroken(fmt.Sprintf("inbound descriptor status %#x", status))
		corruptionsTotal.Inc()
		return nil, false
	}

	head := c.recv.head
	tail := c.recv.desc.Tail()
	if !c.recv.inRange(tail) || !c.recv.inRange(head) {
		c.recv.desc.OrStatus(DescStatusOverflow)
		c.corrupt.Store(true)
		c.markBroken("inbound descriptor index out of range")
		corruptionsTotal.Inc()
		return nil, false
	}

	avail := c.recv.used(head, tail)
	if avail == 0 {
		return nil, false
	}

	control := c.recv.wordAt(head)
	size := declaredSize(control)
	if size > avail {
		// Truncated or garbage length: the ring can never complete this
		// message, so the channel is dead.
		c.recv.desc.OrStatus(DescStatusMalformed)
		c.corrupt.Store(true)
		c.markBroken("inbound message larger than buffered words")
		corruptionsTotal.Inc()
		return nil, false
	}

	words := make([]uint32, size)
	newHead := c.recv.copyOut(head, words)

	// Publish consumption before dispatch so the device regains the space
	// immediately; the atomic store orders after the copies above.
	c.rxMu.Lock()
	c.recv.head = newHead
	c.rxMu.Unlock()
	c.recv.desc.SetHead(newHead)

	msg, err := DecodeMessage(words)
	if err != nil {
		c.corrupt.Store(true)
		c.markBroken("inbound message malformed")
		corruptionsTotal.Inc()
		return nil, false
	}
	return msg, true
}

// dispatch classifies one inbound message: responses complete their
// pending request, events are handled inline or deferred.
func (c *Channel) dispatch(msg *Message) {
	if msg.Type.isResponse() {
		c.completeRequest(msg)
		return
	}
	c.dispatchEvent(msg)
}

// completeRequest matches a response to its waiter by fence. An unmatched
// fence is a protocol error: logged diagnostically and dropped, never
// fatal and never blocking.
func (c *Channel) completeRequest(msg *Message) {
	req, ok := c.takePending(msg.Fence)
	if !ok {
		c.log.Warn().
			Uint16("fence", msg.Fence).
			Str("type", msg.Type.String()).
			Uint32("value", msg.Value).
			Msg("unsolicited response dropped")
		return
	}

	req.typ = msg.Type
	req.value = msg.Value
	if n := copy(req.respBuf, msg.Payload); n < len(msg.Payload) {
		req.respLen = n
		req.overflow = true
	} else {
		req.respLen = len(msg.Payload)
	}
	close(req.done)
	c.releaseRecvSpace(req.reserved)
}

// dispatchEvent routes an event either inline (latency-critical kinds,
// handled right here in notify context) or onto the deferred FIFO queue.
// Events with an outstanding async-send reservation release it now that
// the words left the ring.
func (c *Channel) dispatchEvent(msg *Message) {
	action := msg.Action()
	c.releaseAsyncReservation(action)

	entry, ok := c.lookupHandler(action)
	if !ok {
		// Unknown events must not be able to wedge the reader loop.
		recordEvent("dropped")
		c.log.Warn().
			Uint32("action", action).
			Str("type", msg.Type.String()).
			Int("payload_words", len(msg.Payload)).
			Msg("unrecognized event dropped")
		return
	}

	if entry.inline {
		recordEvent("inline")
		entry.fn(action, msg.Payload)
		return
	}

	recordEvent("deferred")
	c.evMu.Lock()
	c.evQueue = append(c.evQueue, msg)
	c.evMu.Unlock()
	select {
	case c.evSignal <- struct{}{}:
	default:
	}
}

// releaseAsyncReservation releases the oldest reservation filed under
// action, if any.
func (c *Channel) releaseAsyncReservation(action uint32) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	q := c.reservations[action]
	if len(q) == 0 {
		return
	}
	words := q[0]
	c.reservations[action] = q[1:]
	if words <= c.recv.resv {
		c.recv.resv -= words
	} else {
		c.recv.resv = 0
	}
}

// eventWorker is the single consumer of the deferred queue: FIFO, one
// event at a time, until the queue drains.
func (c *Channel) eventWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.evSignal:
		}
		for {
			c.evMu.Lock()
			if len(c.evQueue) == 0 {
				c.evMu.Unlock()
				break
			}
			msg := c.evQueue[0]
			c.evQueue = c.evQueue[1:]
			c.evMu.Unlock()

			action := msg.Action()
			if entry, ok := c.lookupHandler(action); ok {
				entry.fn(action, msg.Payload)
			}
		}
	}
}
