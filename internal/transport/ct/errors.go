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

import "errors"

var (
	// ErrNoSpace indicates insufficient ring credit for the operation right
	// now. Transient: callers may retry after backoff.
	ErrNoSpace = errors.New("ct: no space, try later")

	// ErrChannelReset indicates the remote side has reset its end of the
	// link (for example after migration). The channel itself is still
	// structurally sound; callers should trigger higher-level recovery.
	ErrChannelReset = errors.New("ct: remote link reset in progress")

	// ErrStalled indicates no ring progress was observed for longer than
	// the stall threshold while a send was blocked. The channel is broken.
	ErrStalled = errors.New("ct: channel stalled")

	// ErrBroken indicates the channel was previously marked unusable by a
	// stall or corruption detector. All sends fail fast with this error.
	ErrBroken = errors.New("ct: channel unusable")

	// ErrDisabled indicates the channel is not in the enabled state.
	ErrDisabled = errors.New("ct: channel disabled")

	// ErrCorrupt indicates a structurally invalid descriptor or message was
	// observed. Always fatal to the channel.
	ErrCorrupt = errors.New("ct: ring corrupted")

	// ErrNoResponse indicates the device did not answer a blocking request
	// within the reply timeout.
	ErrNoResponse = errors.New("ct: no response from device")

	// ErrResponseTooLarge indicates the response payload exceeded the
	// caller-provided buffer. The buffer holds the truncated prefix.
	ErrResponseTooLarge = errors.New("ct: response exceeds caller buffer")

	// ErrRequestRejected indicates the device answered with a failure
	// response. The failure status accompanies the error.
	ErrRequestRejected = errors.New("ct: request rejected by device")

	// ErrMsgTooLarge indicates a request or payload exceeding the wire
	// format limits.
	ErrMsgTooLarge = errors.New("ct: message exceeds size limits")

	// ErrNotSupported indicates a platform without shared region support.
	ErrNotSupported = errors.New("ct: not supported on this platform")
)
