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
	"context"
	"fmt"
	"runtime"
	"time"
)

// Send issues a blocking request and waits for the matching response. The
// response payload is copied into resp; the returned count is the number
// of words copied and the uint32 is the response status/data word. A
// response larger than resp is truncated and reported as
// ErrResponseTooLarge.
//
// Only one blocking call is in flight per channel; concurrent callers
// serialize on the send mutex. Cancellation via ctx unlinks the request,
// but the remote effect of the operation is then unknown to the caller.
func (c *Channel) Send(ctx context.Context, action uint32, args []uint32, resp []uint32) (int, uint32, error) {
	if len(args) > maxPayloadWords {
		return 0, 0, ErrMsgTooLarge
	}
	start := time.Now()

	// Acquire the send mutex, interruptible by caller cancellation.
	select {
	case c.sendSem <- struct{}{}:
	case <-ctx.Done():
		recordRequest("canceled", time.Since(start))
		return 0, 0, ctx.Err()
	}
	defer func() { <-c.sendSem }()

	for {
		n, value, err := c.sendOnce(ctx, action, args, resp)
		if err == errRetryRequested {
			// The device asked us to resend the same payload. No new side
			// effects beyond the rewrite itself.
			c.log.Debug().Uint32("action", action).Msg("device requested retry")
			continue
		}
		recordRequest(resultLabel(err), time.Since(start))
		return n, value, err
	}
}

// errRetryRequested is internal to the Send retry loop.
var errRetryRequested = fmt.Errorf("ct: retry requested")

func resultLabel(err error) string {
	switch err {
	case nil:
		return "ok"
	case ErrStalled:
		return "stalled"
	case ErrNoResponse:
		return "timeout"
	case ErrRequestRejected:
		return "rejected"
	default:
		return "error"
	}
}

// sendOnce runs one WAIT_ROOM -> WRITE -> AWAIT_REPLY pass.
func (c *Channel) sendOnce(ctx context.Context, action uint32, args []uint32, resp []uint32) (int, uint32, error) {
	need := msgHeaderWords + uint32(len(args))
	maxReply := msgHeaderWords + uint32(len(resp))

	req := c.allocPending(resp, maxReply)

	msg := &Message{
		Fence:  req.fence,
		Origin: OriginHost,
		Type:   TypeRequest,
		Value:  action & hxgValueMask,
	}
	if len(args) > 0 {
		msg.Payload = args
	}

	if err := c.writeWithBackoff(ctx, msg, need, sendReservation{words: maxReply}); err != nil {
		c.takePending(req.fence)
		return 0, 0, err
	}

	if err := c.awaitReply(ctx, req); err != nil {
		return 0, 0, err
	}

	switch req.typ {
	case TypeResponseSuccess:
		if req.overflow {
			return req.respLen, req.value, ErrResponseTooLarge
		}
		return req.respLen, req.value, nil
	case TypeResponseFailure:
		return 0, req.value, fmt.Errorf("%w: status %#x", ErrRequestRejected, req.value)
	case TypeNoResponseRetry:
		return 0, 0, errRetryRequested
	default:
		return 0, 0, fmt.Errorf("ct: unexpected response type %s: %w", req.typ, ErrCorrupt)
	}
}

// writeWithBackoff spins with capped exponential backoff until both
// outbound space and the inbound reservation are secured and the message
// is committed, or until the stall threshold expires.
func (c *Channel) writeWithBackoff(ctx context.Context, msg *Message, need uint32, res sendReservation) error {
	deadline := time.Now().Add(c.stallTimeout)
	sleep := backoffMin
	for {
		err := c.trySend(msg, need, res)
		if err != ErrNoSpace {
			return err
		}
		if time.Now().After(deadline) {
			c.markBroken("send stalled waiting for ring space")
			stallsTotal.Inc()
			return ErrStalled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep *= 2
		if sleep > backoffMax {
			sleep = backoffMax
		}
	}
}

// SendAsync issues a fire-and-forget request in one locked critical
// section: both credit pools are checked, the inbound words for the
// expected asynchronous reply are reserved, the message is written, and
// the doorbell rung. No pending request is created; the reply arrives as
// an ordinary inbound event that releases the reservation on consumption.
//
// Returns ErrNoSpace when either credit pool cannot cover the operation;
// the caller retries later. This is the deadlock-avoidance gate: a send
// that cannot guarantee room for its own reply is never issued.
func (c *Channel) SendAsync(action uint32, args []uint32, reply Reservation) error {
	if len(args) > maxPayloadWords || reply.Words > maxPayloadWords {
		return ErrMsgTooLarge
	}
	typ := TypeFastRequest
	if c.coerceFast {
		typ = TypeEvent
	}
	msg := &Message{
		Origin: OriginHost,
		Type:   typ,
		Value:  action & hxgValueMask,
	}
	if len(args) > 0 {
		msg.Payload = args
	}

	need := msgHeaderWords + uint32(len(args))
	var reserve uint32
	if reply != (Reservation{}) {
		reserve = msgHeaderWords + reply.Words
	}

	err := c.trySend(msg, need, sendReservation{words: reserve, action: reply.Action, record: true})
	recordAsyncSend(asyncResultLabel(err))
	return err
}

func asyncResultLabel(err error) string {
	switch err {
	case nil:
		return "ok"
	case ErrNoSpace:
		return "no_space"
	default:
		return "error"
	}
}

// sendReservation is the inbound credit claimed alongside one outbound
// write. Recorded reservations (non-blocking sends) are keyed by the reply
// action so the receive path can release them; blocking sends track theirs
// on the pending request instead.
type sendReservation struct {
	words  uint32
	action uint32
	record bool
}

// trySend commits msg to the outbound ring if both credits are available,
// claiming the inbound reservation first. Returns ErrNoSpace without side
// effects when either credit is short. Failures that must break the
// channel are reported after txMu is dropped; the diagnostic dump reads
// both rings' shadows under their locks.
func (c *Channel) trySend(msg *Message, need uint32, res sendReservation) error {
	reason, err := c.trySendLocked(msg, need, res)
	if reason != "" {
		c.markBroken(reason)
	}
	return err
}

func (c *Channel) trySendLocked(msg *Message, need uint32, res sendReservation) (string, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if reason, err := c.checkSendable(); err != nil {
		return reason, err
	}

	if c.send.space <= need {
		// The cached estimate may be stale: the device advances the shared
		// head as it consumes. Recompute before giving up.
		head := c.send.desc.Head()
		if !c.send.inRange(head) {
			corruptionsTotal.Inc()
			return "outbound head out of range", ErrBroken
		}
		c.send.space = c.send.freeFrom(head)
		if c.send.space <= need {
			return "", ErrNoSpace
		}
	}

	if !c.reserveRecv(res) {
		return "", ErrNoSpace
	}

	if err := c.faults.BeforeSend(msg.Action()); err != nil {
		c.unreserveRecv(res)
		return "", err
	}

	reason, err := c.commitWrite(msg, need)
	if err != nil {
		if reason == "" {
			// Nothing was published; the reservation rolls back.
			c.unreserveRecv(res)
		}
		return reason, err
	}
	return "", nil
}

// reserveRecv claims res.words inbound words and, for recorded
// reservations, files them under the reply action in one critical section.
func (c *Channel) reserveRecv(res sendReservation) bool {
	if res.words == 0 {
		return true
	}
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	used := c.recv.used(c.recv.head, c.recv.desc.Tail())
	if used+c.recv.resv+res.words > c.recv.size-1 {
		return false
	}
	c.recv.resv += res.words
	if res.record {
		c.reservations[res.action] = append(c.reservations[res.action], res.words)
	}
	return true
}

// unreserveRecv rolls back a reserveRecv after a failed write.
func (c *Channel) unreserveRecv(res sendReservation) {
	if res.words == 0 {
		return
	}
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if res.words <= c.recv.resv {
		c.recv.resv -= res.words
	} else {
		c.recv.resv = 0
	}
	if res.record {
		q := c.reservations[res.action]
		if n := len(q); n > 0 {
			c.reservations[res.action] = q[:n-1]
		}
	}
}

// checkSendable validates channel state and the outbound descriptor
// status. Called with txMu held; a non-empty reason tells the caller to
// mark the channel broken once the lock is dropped.
func (c *Channel) checkSendable() (string, error) {
	if c.broken.Load() {
		return "", ErrBroken
	}
	if c.State() != StateEnabled {
		return "", ErrDisabled
	}
	status := c.send.desc.Status()
	switch {
	case status == 0:
		return "", nil
	case status&DescStatusMigrated != 0:
		// Remote link reset in progress: distinct error, channel survives
		// for higher-level recovery.
		return "", ErrChannelReset
	default:
		corruptionsTotal.Inc()
		return fmt.Sprintf("outbound descriptor status %#x", status), ErrBroken
	}
}

// commitWrite encodes msg into the outbound ring, publishes the new tail,
// and rings the doorbell. Called with txMu held and credit confirmed. A
// non-empty reason means the words were already published when the error
// occurred: the device may still consume and answer, so the channel must
// be marked broken.
func (c *Channel) commitWrite(msg *Message, need uint32) (string, error) {
	var words [maxMsgWords]uint32
	if err := msg.Encode(words[:need]); err != nil {
		return "", err
	}

	newTail := c.send.copyIn(c.send.tail, words[:need])
	c.send.tail = newTail
	c.send.space -= need

	// The atomic store orders after the word copies above, so the device
	// never observes a partially written message.
	c.send.desc.SetTail(newTail)

	if err := c.doorbell.Ring(); err != nil {
		return "doorbell failed after publish", fmt.Errorf("ct: doorbell: %w", err)
	}
	return "", nil
}

// awaitReply blocks until the reader resolves req. Most replies arrive
// within microseconds, so poll briefly before sleeping on the completion.
func (c *Channel) awaitReply(ctx context.Context, req *pendingRequest) error {
	poll := time.Now().Add(busyPollBudget)
	for time.Now().Before(poll) {
		select {
		case <-req.done:
			return req.err
		default:
			runtime.Gosched()
		}
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()
	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		if _, ok := c.takePending(req.fence); ok {
			c.releaseRecvSpace(req.reserved)
			return ctx.Err()
		}
		// Resolved concurrently; honor the resolution.
		<-req.done
		return req.err
	case <-timer.C:
		if _, ok := c.takePending(req.fence); ok {
			c.releaseRecvSpace(req.reserved)
			c.log.Warn().Uint16("fence", req.fence).
				Dur("timeout", c.replyTimeout).
				Msg("request timed out waiting for response")
			return ErrNoResponse
		}
		<-req.done
		return req.err
	}
}
