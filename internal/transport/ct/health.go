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

// markBroken transitions the channel to the unusable state and emits the
// diagnostic dump exactly once, no matter how many callers observe the
// failure concurrently. Subsequent sends fail fast with ErrBroken; the
// reader stops after a best-effort drain of what is already buffered.
// Must not be called with txMu or rxMu held: the dump takes both.
func (c *Channel) markBroken(reason string) {
	c.broken.Store(true)
	if !c.dumped.CompareAndSwap(false, true) {
		return
	}
	c.dumpState(reason)
}

// dumpState emits the one-shot diagnostic: credit counts and ring
// positions for both directions, local shadows and shared descriptors.
// Shadow fields are read under their locks, as in Snapshot.
func (c *Channel) dumpState(reason string) {
	c.txMu.Lock()
	sendTail := c.send.tail
	sendSpace := c.send.space
	c.txMu.Unlock()

	c.rxMu.Lock()
	recvHead := c.recv.head
	recvResv := c.recv.resv
	c.rxMu.Unlock()

	sendDesc := c.send.desc
	recvDesc := c.recv.desc
	c.log.Error().
		Str("reason", reason).
		Str("state", c.State().String()).
		Uint32("send_size", c.send.size).
		Uint32("send_head", sendDesc.Head()).
		Uint32("send_tail", sendDesc.Tail()).
		Uint32("send_status", sendDesc.Status()).
		Uint32("send_local_tail", sendTail).
		Uint32("send_space", sendSpace).
		Uint32("recv_size", c.recv.size).
		Uint32("recv_head", recvDesc.Head()).
		Uint32("recv_tail", recvDesc.Tail()).
		Uint32("recv_status", recvDesc.Status()).
		Uint32("recv_local_head", recvHead).
		Uint32("recv_reserved", recvResv).
		Msg("channel broken")
}

// DebugState is a snapshot of channel accounting for diagnostics.
type DebugState struct {
	State        State
	Broken       bool
	SendHead     uint32
	SendTail     uint32
	SendStatus   uint32
	SendSpace    uint32
	RecvHead     uint32
	RecvTail     uint32
	RecvStatus   uint32
	RecvReserved uint32
	PendingReqs  int
}

// Snapshot returns the current accounting state. Shadow fields are read
// under their locks for a consistent view.
func (c *Channel) Snapshot() DebugState {
	s := DebugState{
		State:      c.State(),
		Broken:     c.broken.Load(),
		SendHead:   c.send.desc.Head(),
		SendTail:   c.send.desc.Tail(),
		SendStatus: c.send.desc.Status(),
		RecvTail:   c.recv.desc.Tail(),
		RecvStatus: c.recv.desc.Status(),
	}
	c.txMu.Lock()
	s.SendSpace = c.send.space
	c.txMu.Unlock()
	c.rxMu.Lock()
	s.RecvHead = c.recv.head
	s.RecvReserved = c.recv.resv
	c.rxMu.Unlock()
	c.pendingMu.Lock()
	s.PendingReqs = len(c.pending)
	c.pendingMu.Unlock()
	return s
}
