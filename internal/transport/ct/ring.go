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

import "encoding/binary"

// ringBuf is one direction of the channel: a fixed-capacity circular array
// of 32-bit words plus its shared descriptor. Indices live in [0, size) and
// wrap modulo size; used = (tail - head) mod size. One word is always kept
// free so that tail == head unambiguously means empty.
//
// The local side owns exactly one descriptor field per direction (tail for
// outbound, head for inbound) and keeps private shadows of both; shadows
// are reconciled from the descriptor only where free space must be
// recomputed. Accounting fields (space, resv) are guarded by the channel's
// per-direction lock, never by the ring itself.
type ringBuf struct {
	desc *Descriptor
	buf  []byte // size*WordSize bytes, little-endian words
	size uint32 // capacity in words

	head uint32 // local shadow of the consumer index
	tail uint32 // local shadow of the producer index

	space uint32 // outbound only: cached free words
	resv  uint32 // inbound only: words reserved for expected replies
}

func newRingBuf(desc *Descriptor, buf []byte) *ringBuf {
	rb := &ringBuf{
		desc: desc,
		buf:  buf,
		size: uint32(len(buf) / WordSize),
	}
	rb.space = rb.size
	return rb
}

// wordAt returns the word at index i (no wrap applied).
func (rb *ringBuf) wordAt(i uint32) uint32 {
	return binary.LittleEndian.Uint32(rb.buf[i*WordSize:])
}

// setWordAt stores the word at index i (no wrap applied).
func (rb *ringBuf) setWordAt(i uint32, w uint32) {
	binary.LittleEndian.PutUint32(rb.buf[i*WordSize:], w)
}

// used returns (tail - head) mod size for the given snapshot.
func (rb *ringBuf) used(head, tail uint32) uint32 {
	return (tail - head + rb.size) % rb.size
}

// freeFrom returns capacity minus used for the given remote consumer
// index. Writers must check need < free, not need <= free: the last word
// stays in hand so tail == head always means empty, never full.
func (rb *ringBuf) freeFrom(head uint32) uint32 {
	return rb.size - rb.used(head, rb.tail)
}

// copyIn writes words starting at index pos, wrapping as needed, and
// returns the new index. The caller publishes the descriptor afterwards.
func (rb *ringBuf) copyIn(pos uint32, words []uint32) uint32 {
	for _, w := range words {
		rb.setWordAt(pos, w)
		pos++
		if pos == rb.size {
			pos = 0
		}
	}
	return pos
}

// copyOut reads len(dst) words starting at index pos, wrapping as needed,
// and returns the new index.
func (rb *ringBuf) copyOut(pos uint32, dst []uint32) uint32 {
	for i := range dst {
		dst[i] = rb.wordAt(pos)
		pos++
		if pos == rb.size {
			pos = 0
		}
	}
	return pos
}

// inRange reports whether a descriptor index is structurally valid.
func (rb *ringBuf) inRange(idx uint32) bool {
	return idx < rb.size
}
