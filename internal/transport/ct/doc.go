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

// Package ct implements the command transport channel used to exchange
// control messages with an autonomous firmware coprocessor over a pair of
// fixed-size circular buffers placed in memory shared by both sides.
//
// The channel provides reliable, ordered, flow-controlled request/response
// semantics on top of raw shared memory: the rings themselves offer no
// acknowledgement, retransmission, or backpressure, so all of that is built
// here. Blocking sends correlate responses by fence identifier; non-blocking
// sends pre-reserve inbound ring space for their eventual reply so a full
// inbound ring can never wedge the channel. The receive side drains the
// inbound ring from a single-flight notify path and routes events either
// inline or to a deferred FIFO queue.
//
// The doorbell used to notify the device and the out-of-band control path
// used to register buffer addresses are injected interfaces; this package
// never touches device registers directly.
package ct
