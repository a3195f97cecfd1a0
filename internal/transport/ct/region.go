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

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Region layout constants. The region holds, in order: the region header,
// the outbound descriptor, the inbound descriptor, the outbound ring words,
// the inbound ring words. Descriptors and buffers sit on 64-byte boundaries.
const (
	// RegionMagic identifies a CT region.
	RegionMagic = "CTBCHAN\x00"

	// RegionVersion is the current layout version.
	RegionVersion = uint32(1)

	// RegionHeaderSize is the region header size (padded to 64 bytes).
	RegionHeaderSize = 64

	// DescriptorSize is the per-ring descriptor size (padded to 64 bytes).
	DescriptorSize = 64

	// WordSize is the ring word size in bytes.
	WordSize = 4

	// MinRingWords is the smallest allowed ring capacity. It must hold at
	// least one maximum-size message plus the spare word that keeps a full
	// ring distinguishable from an empty one.
	MinRingWords = 64
)

// unmapMemory unmaps a memory-mapped region. Set by the platform file.
var unmapMemory = func([]byte) error { return nil }

// Descriptor status bits. Only one side writes a given descriptor field
// under normal operation, but corruption is assumed possible and checked.
const (
	// DescStatusReset: the remote side considers this ring unused/reset.
	DescStatusReset = uint32(1 << 0)

	// DescStatusMigrated: the remote side has reset its link, typically
	// after migration. Surfaced to callers as ErrChannelReset.
	DescStatusMigrated = uint32(1 << 1)

	// DescStatusOverflow: the remote side detected an index overflow.
	DescStatusOverflow = uint32(1 << 2)

	// DescStatusMalformed: the remote side detected a malformed message.
	DescStatusMalformed = uint32(1 << 3)
)

// Descriptor is the shared head/tail/status record for one ring direction.
// It lives in the shared region; all access goes through atomics. The
// outbound descriptor's tail is written locally and its head by the device;
// the inbound descriptor is the mirror image.
type Descriptor struct {
	head   uint32
	tail   uint32
	status uint32
	_      [DescriptorSize - 12]byte
}

// Head returns the consumer index.
func (d *Descriptor) Head() uint32 { return atomic.LoadUint32(&d.head) }

// SetHead publishes a new consumer index. The store orders after any prior
// reads of the consumed words.
func (d *Descriptor) SetHead(v uint32) { atomic.StoreUint32(&d.head, v) }

// Tail returns the producer index.
func (d *Descriptor) Tail() uint32 { return atomic.LoadUint32(&d.tail) }

// SetTail publishes a new producer index. The store orders after any prior
// writes of the message words, so the remote side never observes a
// partially written message.
func (d *Descriptor) SetTail(v uint32) { atomic.StoreUint32(&d.tail, v) }

// Status returns the descriptor status bits.
func (d *Descriptor) Status() uint32 { return atomic.LoadUint32(&d.status) }

// SetStatus replaces the descriptor status bits.
func (d *Descriptor) SetStatus(v uint32) { atomic.StoreUint32(&d.status, v) }

// OrStatus sets the given status bits, preserving the rest.
func (d *Descriptor) OrStatus(bits uint32) {
	for {
		old := atomic.LoadUint32(&d.status)
		if old&bits == bits {
			return
		}
		if atomic.CompareAndSwapUint32(&d.status, old, old|bits) {
			return
		}
	}
}

// Reset zeroes the descriptor for a fresh enable.
func (d *Descriptor) Reset() {
	atomic.StoreUint32(&d.head, 0)
	atomic.StoreUint32(&d.tail, 0)
	atomic.StoreUint32(&d.status, 0)
}

// regionHeader is the identification header at offset 0 of a region.
type regionHeader struct {
	magic        [8]byte
	version      uint32
	flags        uint32
	totalSize    uint64
	sendDescOff  uint32
	recvDescOff  uint32
	sendBufOff   uint32
	sendBufWords uint32
	recvBufOff   uint32
	recvBufWords uint32
	_            [RegionHeaderSize - 48]byte
}

func (h *regionHeader) Version() uint32     { return atomic.LoadUint32(&h.version) }
func (h *regionHeader) SetVersion(v uint32) { atomic.StoreUint32(&h.version, v) }

// RegionLayout describes where the descriptors and ring buffers sit within
// a region, in bytes from the region base.
type RegionLayout struct {
	TotalSize    uint32
	SendDescOff  uint32
	RecvDescOff  uint32
	SendBufOff   uint32
	SendBufWords uint32
	RecvBufOff   uint32
	RecvBufWords uint32
}

// CalculateRegionLayout computes the layout for the given ring capacities
// in words. The inbound ring is typically sized as a multiple of the
// outbound one to keep reply backpressure low; that choice is the caller's.
func CalculateRegionLayout(sendWords, recvWords uint32) (RegionLayout, error) {
	if sendWords < MinRingWords {
		return RegionLayout{}, fmt.Errorf("ct: send ring %d words below minimum %d", sendWords, MinRingWords)
	}
	if recvWords < MinRingWords {
		return RegionLayout{}, fmt.Errorf("ct: recv ring %d words below minimum %d", recvWords, MinRingWords)
	}
	l := RegionLayout{SendBufWords: sendWords, RecvBufWords: recvWords}
	l.SendDescOff = alignTo64(RegionHeaderSize)
	l.RecvDescOff = alignTo64(l.SendDescOff + DescriptorSize)
	l.SendBufOff = alignTo64(l.RecvDescOff + DescriptorSize)
	l.RecvBufOff = alignTo64(l.SendBufOff + sendWords*WordSize)
	l.TotalSize = alignTo64(l.RecvBufOff + recvWords*WordSize)
	return l, nil
}

func alignTo64(n uint32) uint32 {
	return (n + 63) &^ 63
}

// Region is one contiguous shared memory area holding both descriptors and
// both ring buffers. It may be process memory (tests, loopback) or a
// mmapped file shared with another process.
type Region struct {
	mem  []byte
	file *os.File // nil for memory-backed regions
	path string

	hdr      *regionHeader
	sendDesc *Descriptor
	recvDesc *Descriptor
	sendBuf  []byte // outbound ring words
	recvBuf  []byte // inbound ring words
	layout   RegionLayout
}

// NewMemoryRegion creates a region backed by process memory. Both "sides"
// of the link must then live in this process.
func NewMemoryRegion(sendWords, recvWords uint32) (*Region, error) {
	layout, err := CalculateRegionLayout(sendWords, recvWords)
	if err != nil {
		return nil, err
	}
	mem := make([]byte, layout.TotalSize)
	r := newRegionViews(mem, layout)
	r.initHeader()
	return r, nil
}

// newRegionViews builds the typed views over mem for the given layout.
func newRegionViews(mem []byte, layout RegionLayout) *Region {
	base := unsafe.Pointer(&mem[0])
	return &Region{
		mem:      mem,
		layout:   layout,
		hdr:      (*regionHeader)(base),
		sendDesc: (*Descriptor)(unsafe.Pointer(uintptr(base) + uintptr(layout.SendDescOff))),
		recvDesc: (*Descriptor)(unsafe.Pointer(uintptr(base) + uintptr(layout.RecvDescOff))),
		sendBuf:  mem[layout.SendBufOff : layout.SendBufOff+layout.SendBufWords*WordSize],
		recvBuf:  mem[layout.RecvBufOff : layout.RecvBufOff+layout.RecvBufWords*WordSize],
	}
}

// initHeader stamps the identification header and zeroes both descriptors.
func (r *Region) initHeader() {
	copy(r.hdr.magic[:], RegionMagic)
	r.hdr.SetVersion(RegionVersion)
	r.hdr.totalSize = uint64(r.layout.TotalSize)
	r.hdr.sendDescOff = r.layout.SendDescOff
	r.hdr.recvDescOff = r.layout.RecvDescOff
	r.hdr.sendBufOff = r.layout.SendBufOff
	r.hdr.sendBufWords = r.layout.SendBufWords
	r.hdr.recvBufOff = r.layout.RecvBufOff
	r.hdr.recvBufWords = r.layout.RecvBufWords
	r.sendDesc.Reset()
	r.recvDesc.Reset()
}

// validateHeader checks an opened region against the expected layout.
func (r *Region) validateHeader() error {
	if string(r.hdr.magic[:]) != RegionMagic {
		return fmt.Errorf("ct: bad region magic %q", r.hdr.magic)
	}
	if v := r.hdr.Version(); v != RegionVersion {
		return fmt.Errorf("ct: unsupported region version %d, expected %d", v, RegionVersion)
	}
	expected, err := CalculateRegionLayout(r.hdr.sendBufWords, r.hdr.recvBufWords)
	if err != nil {
		return err
	}
	got := RegionLayout{
		TotalSize:    uint32(r.hdr.totalSize),
		SendDescOff:  r.hdr.sendDescOff,
		RecvDescOff:  r.hdr.recvDescOff,
		SendBufOff:   r.hdr.sendBufOff,
		SendBufWords: r.hdr.sendBufWords,
		RecvBufOff:   r.hdr.recvBufOff,
		RecvBufWords: r.hdr.recvBufWords,
	}
	if got != expected {
		return fmt.Errorf("ct: region layout mismatch: got %+v, expected %+v", got, expected)
	}
	if uint64(len(r.mem)) < uint64(expected.TotalSize) {
		return fmt.Errorf("ct: region too small: %d < %d", len(r.mem), expected.TotalSize)
	}
	return nil
}

// Layout returns the region layout.
func (r *Region) Layout() RegionLayout { return r.layout }

// SendDescriptor returns the outbound (host to device) descriptor.
func (r *Region) SendDescriptor() *Descriptor { return r.sendDesc }

// RecvDescriptor returns the inbound (device to host) descriptor.
func (r *Region) RecvDescriptor() *Descriptor { return r.recvDesc }

// SendBuffer returns the outbound ring word area. The device side of a
// loopback or simulator consumes from it.
func (r *Region) SendBuffer() []byte { return r.sendBuf }

// RecvBuffer returns the inbound ring word area. The device side produces
// into it.
func (r *Region) RecvBuffer() []byte { return r.recvBuf }

// Reset zeroes both descriptors. Required between disable and re-enable:
// no message carries over.
func (r *Region) Reset() {
	r.sendDesc.Reset()
	r.recvDesc.Reset()
}

// Close releases the region. For file-backed regions the mapping is
// unmapped and the file closed; memory-backed regions only drop the views.
func (r *Region) Close() error {
	var firstErr error
	if r.file != nil {
		if r.mem != nil {
			if err := unmapMemory(r.mem); err != nil {
				firstErr = err
			}
		}
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	r.mem = nil
	r.sendBuf = nil
	r.recvBuf = nil
	return firstErr
}
