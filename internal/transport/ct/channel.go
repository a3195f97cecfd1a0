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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the channel lifecycle state.
type State int32

const (
	StateUninit State = iota
	StateInitialized
	StateEnabled
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateInitialized:
		return "initialized"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default timing constants. The stall threshold bounds how long a blocked
// send waits for ring credit before declaring the channel dead; the reply
// timeout bounds how long a blocking request waits for its response.
const (
	DefaultReplyTimeout = 1 * time.Second
	DefaultStallTimeout = 1500 * time.Millisecond

	// Space-wait backoff band.
	backoffMin = 1 * time.Microsecond
	backoffMax = 1 * time.Millisecond

	// Most replies arrive fast; busy-poll this long before sleeping.
	busyPollBudget = 10 * time.Microsecond
)

// Options configures a Channel. Zero values select defaults.
type Options struct {
	// Logger receives channel diagnostics. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Doorbell notifies the device after each outbound write.
	// Defaults to NopDoorbell.
	Doorbell Doorbell

	// Control is the out-of-band registration path exercised on
	// enable/disable transitions. Defaults to a no-op.
	Control Registrar

	// Faults is consulted before each outbound write. Defaults to a no-op.
	Faults FaultInjector

	// CoerceFastRequests downgrades fast-request sends to plain event
	// semantics. Environment-specific workaround; off by default.
	CoerceFastRequests bool

	ReplyTimeout time.Duration
	StallTimeout time.Duration
}

// HandlerFunc consumes one inbound event. The payload slice is owned by
// the callee.
type HandlerFunc func(action uint32, payload []uint32)

type handlerEntry struct {
	lo, hi uint32
	inline bool
	fn     HandlerFunc
}

// Reservation declares the inbound ring space a non-blocking send expects
// its asynchronous reply to occupy: Words payload words arriving as an
// event with the given Action. A zero Reservation reserves nothing.
type Reservation struct {
	Action uint32
	Words  uint32
}

// pendingRequest links one blocking call into the channel's pending list
// until the matching response arrives, the call times out, or the channel
// is disabled.
type pendingRequest struct {
	fence    uint16
	reserved uint32 // inbound words reserved for the reply

	// Filled by the reader before done is closed.
	respBuf  []uint32
	respLen  int
	typ      MsgType
	value    uint32
	overflow bool

	err  error
	done chan struct{}
}

// Channel is one command transport instance: an outbound and an inbound
// ring over a shared Region, with flow control, request correlation, and
// receive dispatch. Create with NewChannel; traffic flows only between
// Enable and Disable.
type Channel struct {
	id  string
	log zerolog.Logger

	region *Region
	send   *ringBuf
	recv   *ringBuf

	doorbell   Doorbell
	control    Registrar
	faults     FaultInjector
	coerceFast bool

	replyTimeout time.Duration
	stallTimeout time.Duration

	state   atomic.Int32
	broken  atomic.Bool
	corrupt atomic.Bool
	dumped  atomic.Bool

	// sendSem serializes blocking sends and is acquired with context
	// support. txMu guards the outbound ring and space accounting for both
	// blocking and non-blocking writers. rxMu guards inbound reservation
	// accounting.
	sendSem chan struct{}
	txMu    sync.Mutex
	rxMu    sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint16]*pendingRequest
	nextFence uint16

	// Outstanding async-reply reservations, keyed by the expected event
	// action. Guarded by rxMu.
	reservations map[uint32][]uint32

	// Single-flight receive guard. The drain loop is logically
	// single-threaded; redundant notify calls set rescan instead of
	// blocking. finalDrain marks the single best-effort pass the reader
	// still runs after the channel breaks.
	draining   atomic.Bool
	rescan     atomic.Bool
	finalDrain atomic.Bool

	handlersMu sync.RWMutex
	handlers   []handlerEntry

	evMu     sync.Mutex
	evQueue  []*Message
	evSignal chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewChannel creates a channel over the region. The region's descriptors
// are reset; the channel starts in the initialized state and must be
// enabled before it accepts traffic.
func NewChannel(region *Region, opts Options) (*Channel, error) {
	if region == nil || region.mem == nil {
		return nil, fmt.Errorf("ct: nil or closed region")
	}
	if opts.Doorbell == nil {
		opts.Doorbell = NopDoorbell{}
	}
	if opts.Control == nil {
		opts.Control = nopRegistrar{}
	}
	if opts.Faults == nil {
		opts.Faults = nopFaultInjector{}
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}

	id := uuid.NewString()
	c := &Channel{
		id:           id,
		log:          opts.Logger.With().Str("channel", id).Logger(),
		region:       region,
		send:         newRingBuf(region.SendDescriptor(), region.sendBuf),
		recv:         newRingBuf(region.RecvDescriptor(), region.recvBuf),
		doorbell:     opts.Doorbell,
		control:      opts.Control,
		faults:       opts.Faults,
		coerceFast:   opts.CoerceFastRequests,
		replyTimeout: opts.ReplyTimeout,
		stallTimeout: opts.StallTimeout,
		sendSem:      make(chan struct{}, 1),
		pending:      make(map[uint16]*pendingRequest),
		reservations: make(map[uint32][]uint32),
		evSignal:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	region.Reset()
	c.state.Store(int32(StateInitialized))

	c.wg.Add(1)
	go c.eventWorker()

	return c, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Broken reports whether a stall or corruption detector marked the channel
// unusable.
func (c *Channel) Broken() bool {
	return c.broken.Load()
}

// Enable registers the buffer addresses with the device over the control
// path and opens the channel for traffic. Descriptors are reset first, so
// no message carries over from a previous enable.
func (c *Channel) Enable() error {
	switch c.State() {
	case StateInitialized, StateDisabled:
	default:
		return fmt.Errorf("ct: enable from %s: %w", c.State(), ErrDisabled)
	}

	c.region.Reset()
	c.resetShadows()
	c.broken.Store(false)
	c.corrupt.Store(false)
	c.dumped.Store(false)
	c.finalDrain.Store(false)

	l := c.region.Layout()
	if err := c.control.RegisterOutbound(l.SendDescOff, l.SendBufOff, l.SendBufWords); err != nil {
		return fmt.Errorf("ct: register outbound buffer: %w", err)
	}
	if err := c.control.RegisterInbound(l.RecvDescOff, l.RecvBufOff, l.RecvBufWords); err != nil {
		return fmt.Errorf("ct: register inbound buffer: %w", err)
	}
	if err := c.control.SetEnabled(true); err != nil {
		return fmt.Errorf("ct: enable control handshake: %w", err)
	}

	c.state.Store(int32(StateEnabled))
	c.log.Info().
		Uint32("send_words", l.SendBufWords).
		Uint32("recv_words", l.RecvBufWords).
		Msg("channel enabled")
	return nil
}

// Disable stops accepting sends and force-completes all pending requests
// with a disabled status. The receive path keeps draining stragglers.
func (c *Channel) Disable() {
	if c.State() != StateEnabled {
		return
	}
	c.state.Store(int32(StateDisabled))

	if err := c.control.SetEnabled(false); err != nil {
		c.log.Warn().Err(err).Msg("disable control handshake failed")
	}

	c.failPending(ErrDisabled)
	c.log.Info().Msg("channel disabled")
}

// Close tears the channel down. The region stays owned by the caller.
func (c *Channel) Close() error {
	c.Disable()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
	c.state.Store(int32(StateUninit))
	return nil
}

// RegisterHandler routes inbound events whose action falls in [lo, hi] to
// fn via the deferred FIFO queue.
func (c *Channel) RegisterHandler(lo, hi uint32, fn HandlerFunc) {
	c.addHandler(handlerEntry{lo: lo, hi: hi, fn: fn})
}

// RegisterInlineHandler routes matching events synchronously from the
// drain loop. Reserve this for latency-critical completions that must not
// wait behind the deferred queue; the handler runs in notify context and
// must not block.
func (c *Channel) RegisterInlineHandler(lo, hi uint32, fn HandlerFunc) {
	c.addHandler(handlerEntry{lo: lo, hi: hi, inline: true, fn: fn})
}

func (c *Channel) addHandler(e handlerEntry) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, e)
}

func (c *Channel) lookupHandler(action uint32) (handlerEntry, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, e := range c.handlers {
		if action >= e.lo && action <= e.hi {
			return e, true
		}
	}
	return handlerEntry{}, false
}

// resetShadows realigns the local accounting with freshly reset
// descriptors and drops stale reservations.
func (c *Channel) resetShadows() {
	c.txMu.Lock()
	c.send.head = 0
	c.send.tail = 0
	c.send.space = c.send.size
	c.txMu.Unlock()

	c.rxMu.Lock()
	c.recv.head = 0
	c.recv.tail = 0
	c.recv.resv = 0
	c.reservations = make(map[uint32][]uint32)
	c.rxMu.Unlock()
}

// allocPending assigns a fresh fence and links a pending request. Fences
// are monotonic modulo 2^16; an id is reused only after the prior request
// carrying it was unlinked.
func (c *Channel) allocPending(respBuf []uint32, reserved uint32) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for {
		c.nextFence++
		if _, busy := c.pending[c.nextFence]; !busy {
			break
		}
	}
	req := &pendingRequest{
		fence:    c.nextFence,
		reserved: reserved,
		respBuf:  respBuf,
		done:     make(chan struct{}),
	}
	c.pending[req.fence] = req
	return req
}

// takePending resolves a fence to its pending request and unlinks it.
// Whichever of the reader, the sender's timeout path, or Disable unlinks a
// request also owns releasing its inbound reservation; unlinking is the
// point where that ownership transfers, so the reservation is released
// exactly once.
func (c *Channel) takePending(fence uint16) (*pendingRequest, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	req, ok := c.pending[fence]
	if ok {
		delete(c.pending, fence)
	}
	return req, ok
}

// failPending force-completes every pending request with err.
func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	reqs := make([]*pendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		reqs = append(reqs, req)
	}
	c.pending = make(map[uint16]*pendingRequest)
	c.pendingMu.Unlock()

	for _, req := range reqs {
		req.err = err
		close(req.done)
		c.releaseRecvSpace(req.reserved)
	}
}

// releaseRecvSpace returns previously reserved inbound words.
func (c *Channel) releaseRecvSpace(words uint32) {
	if words == 0 {
		return
	}
	c.rxMu.Lock()
	if words > c.recv.resv {
		words = c.recv.resv
	}
	c.recv.resv -= words
	c.rxMu.Unlock()
}
