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

// Doorbell notifies the device that new words are available in the
// outbound ring. The channel rings it after every successful write, never
// batched. The underlying mechanism (an MMIO register write on real
// hardware) is opaque to the transport.
type Doorbell interface {
	Ring() error
}

// NopDoorbell is a Doorbell that does nothing. Useful when the device side
// polls, as the simulated device can.
type NopDoorbell struct{}

func (NopDoorbell) Ring() error { return nil }

// Registrar is the out-of-band control path used once per enable
// transition to hand the buffer addresses to the device. Offsets are bytes
// from the region base; sizes are in words.
type Registrar interface {
	RegisterOutbound(descOff, bufOff uint32, words uint32) error
	RegisterInbound(descOff, bufOff uint32, words uint32) error
	SetEnabled(enabled bool) error
}

type nopRegistrar struct{}

func (nopRegistrar) RegisterOutbound(_, _ uint32, _ uint32) error { return nil }
func (nopRegistrar) RegisterInbound(_, _ uint32, _ uint32) error  { return nil }
func (nopRegistrar) SetEnabled(bool) error                        { return nil }
