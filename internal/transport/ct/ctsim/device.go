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

// Package ctsim emulates the firmware side of a command transport region:
// it consumes the outbound ring, produces scripted responses and events
// into the inbound ring, and rings the host's notify path. It exists for
// tests and the loopback exerciser; real firmware is out of scope for the
// transport.
package ctsim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub002/internal/transport/ct"
)

// Script describes how the device answers one consumed message. Scripts
// registered for an action are consumed FIFO; the last one is sticky.
type Script struct {
	// Type of the reply. Zero value means RESPONSE_SUCCESS for requests
	// and no reply for events. Use TypeEvent for async completions.
	Type ct.MsgType

	// Action of an event reply (ignored for responses).
	Action uint32

	// Status or data word of the reply.
	Status uint32

	// Payload words of the reply.
	Payload []uint32

	// Drop consumes the message without replying.
	Drop bool

	// Delay before the reply is written.
	Delay time.Duration
}

// Device is the simulated coprocessor end of a CT region.
type Device struct {
	region *ct.Region
	log    zerolog.Logger

	mu      sync.Mutex
	scripts map[uint32][]Script
	h2dHead uint32 // consumer shadow of the host's outbound ring
	d2hTail uint32 // producer shadow of the host's inbound ring
	notify  func()

	bell   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a device over the region. Call SetNotify with the channel's
// NotifyReceive before starting traffic.
func New(region *ct.Region, log zerolog.Logger) *Device {
	return &Device{
		region:  region,
		log:     log,
		scripts: make(map[uint32][]Script),
		bell:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// SetNotify installs the host-side receive trigger, the simulator's
// equivalent of the device-to-host interrupt.
func (d *Device) SetNotify(fn func()) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// Doorbell returns the host-side doorbell that wakes this device.
func (d *Device) Doorbell() ct.Doorbell {
	return doorbell{d}
}

type doorbell struct{ d *Device }

func (b doorbell) Ring() error {
	select {
	case b.d.bell <- struct{}{}:
	default:
	}
	return nil
}

// Respond queues a script for the given request or event action.
func (d *Device) Respond(action uint32, s Script) {
	d.mu.Lock()
	d.scripts[action] = append(d.scripts[action], s)
	d.mu.Unlock()
}

// Start runs the device loop: drain on doorbell, with a polling fallback
// for hosts using a nop doorbell.
func (d *Device) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(100 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-d.bell:
			case <-ticker.C:
			}
			d.Step()
		}
	}()
}

// Stop halts the device loop.
func (d *Device) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.wg.Wait()
}

// Step synchronously consumes everything buffered in the outbound ring and
// emits the scripted replies. Returns the number of messages consumed.
// Useful for deterministic tests without the background loop.
func (d *Device) Step() int {
	n := 0
	for d.consumeOne() {
		n++
	}
	return n
}

// consumeOne pops one message from the host's outbound ring.
func (d *Device) consumeOne() bool {
	d.mu.Lock()
	desc := d.region.SendDescriptor()
	buf := d.region.SendBuffer()
	size := uint32(len(buf) / ct.WordSize)

	head := d.h2dHead
	tail := desc.Tail()
	if tail >= size {
		d.mu.Unlock()
		return false
	}
	avail := (tail - head + size) % size
	if avail == 0 {
		d.mu.Unlock()
		return false
	}

	control := wordAt(buf, head)
	msgSize := 2 + (control>>16)&0xff
	if msgSize > avail {
		d.mu.Unlock()
		return false
	}

	words := make([]uint32, msgSize)
	pos := head
	for i := range words {
		words[i] = wordAt(buf, pos)
		pos = (pos + 1) % size
	}
	d.h2dHead = pos
	desc.SetHead(pos)
	d.mu.Unlock()

	msg, err := ct.DecodeMessage(words)
	if err != nil {
		d.log.Warn().Err(err).Msg("device: malformed host message")
		return true
	}
	d.reply(msg)
	return true
}

// reply emits the scripted answer for msg, or the default.
func (d *Device) reply(msg *ct.Message) {
	action := msg.Action()

	d.mu.Lock()
	var s Script
	q := d.scripts[action]
	switch len(q) {
	case 0:
		if msg.Type != ct.TypeRequest {
			d.mu.Unlock()
			return // events and fast requests get no default reply
		}
		s = Script{Type: ct.TypeResponseSuccess}
	case 1:
		s = q[0] // sticky
	default:
		s = q[0]
		d.scripts[action] = q[1:]
	}
	d.mu.Unlock()

	if s.Drop {
		return
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	if s.Type == ct.TypeEvent || msg.Type != ct.TypeRequest {
		d.InjectEvent(s.Action, s.Payload)
		return
	}
	typ := s.Type
	if typ == 0 {
		typ = ct.TypeResponseSuccess
	}
	d.InjectResponse(msg.Fence, typ, s.Status, s.Payload)
}

// InjectResponse writes a response message into the inbound ring.
func (d *Device) InjectResponse(fence uint16, typ ct.MsgType, status uint32, payload []uint32) {
	m := &ct.Message{
		Fence:   fence,
		Origin:  ct.OriginDevice,
		Type:    typ,
		Value:   status,
		Payload: payload,
	}
	words := make([]uint32, m.Size())
	if err := m.Encode(words); err != nil {
		d.log.Error().Err(err).Msg("device: encode response")
		return
	}
	d.InjectRaw(words)
}

// InjectEvent writes an unsolicited event into the inbound ring.
func (d *Device) InjectEvent(action uint32, payload []uint32) {
	m := &ct.Message{
		Origin:  ct.OriginDevice,
		Type:    ct.TypeEvent,
		Value:   action,
		Payload: payload,
	}
	words := make([]uint32, m.Size())
	if err := m.Encode(words); err != nil {
		d.log.Error().Err(err).Msg("device: encode event")
		return
	}
	d.InjectRaw(words)
}

// InjectRaw writes arbitrary words into the inbound ring and notifies the
// host. Tests use it to produce corrupted traffic.
func (d *Device) InjectRaw(words []uint32) {
	d.mu.Lock()
	desc := d.region.RecvDescriptor()
	buf := d.region.RecvBuffer()
	size := uint32(len(buf) / ct.WordSize)

	head := desc.Head()
	used := (d.d2hTail - head + size) % size
	if uint32(len(words)) > size-1-used {
		d.mu.Unlock()
		d.log.Warn().Int("words", len(words)).Msg("device: inbound ring full, dropping")
		return
	}

	pos := d.d2hTail
	for _, w := range words {
		setWordAt(buf, pos, w)
		pos = (pos + 1) % size
	}
	d.d2hTail = pos
	desc.SetTail(pos)
	notify := d.notify
	d.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// CorruptRecvTail forces the inbound producer index out of range.
func (d *Device) CorruptRecvTail(v uint32) {
	d.region.RecvDescriptor().SetTail(v)
	d.mu.Lock()
	notify := d.notify
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetSendStatus sets status bits on the outbound descriptor, as the device
// does when reporting corruption or a link reset.
func (d *Device) SetSendStatus(bits uint32) {
	d.region.SendDescriptor().OrStatus(bits)
}

// SetRecvStatus sets status bits on the inbound descriptor and notifies
// the host, as the device does when reporting a fault on its producer
// side.
func (d *Device) SetRecvStatus(bits uint32) {
	d.region.RecvDescriptor().OrStatus(bits)
	d.mu.Lock()
	notify := d.notify
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func wordAt(buf []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[i*ct.WordSize:])
}

func setWordAt(buf []byte, i uint32, w uint32) {
	binary.LittleEndian.PutUint32(buf[i*ct.WordSize:], w)
}
