package ct_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub002/internal/transport/ct"
	"github.com/intel-gpu/intel-gpu-i915-backports-sub002/internal/transport/ct/ctsim"
)

const (
	actEcho    = uint32(0x100)
	actPing    = uint32(0x101)
	actPingAck = uint32(0x181)
	actNoise   = uint32(0x300)
)

// newLoopback wires a channel and a simulated device over one in-process
// region. The device is not started; tests either call dev.Step for
// deterministic consumption or dev.Start for free-running traffic.
func newLoopback(t *testing.T, sendWords, recvWords uint32, opts ct.Options) (*ct.Channel, *ctsim.Device) {
	t.Helper()
	region, err := ct.NewMemoryRegion(sendWords, recvWords)
	require.NoError(t, err)

	dev := ctsim.New(region, zerolog.Nop())
	opts.Doorbell = dev.Doorbell()

	ch, err := ct.NewChannel(region, opts)
	require.NoError(t, err)
	dev.SetNotify(ch.NotifyReceive)

	t.Cleanup(func() {
		dev.Stop()
		ch.Close()
		region.Close()
	})

	require.NoError(t, ch.Enable())
	return ch, dev
}

func TestSendRoundTrip(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Respond(actEcho, ctsim.Script{Status: 0x42, Payload: []uint32{0xAA}})
	dev.Start()

	resp := make([]uint32, 4)
	n, status, err := ch.Send(context.Background(), actEcho, []uint32{1, 2, 3}, resp)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint32(0x42), status)
	require.Equal(t, uint32(0xAA), resp[0])

	s := ch.Snapshot()
	require.Zero(t, s.PendingReqs)
	require.Zero(t, s.RecvReserved)
}

func TestSendRequiresEnabledChannel(t *testing.T) {
	region, err := ct.NewMemoryRegion(256, 256)
	require.NoError(t, err)
	ch, err := ct.NewChannel(region, ct.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		region.Close()
	})

	_, _, err = ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrDisabled)
	require.ErrorIs(t, ch.SendAsync(actPing, nil, ct.Reservation{}), ct.ErrDisabled)
}

func TestSendRejectedByDevice(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Respond(actEcho, ctsim.Script{Type: ct.TypeResponseFailure, Status: 0xdead})
	dev.Start()

	_, status, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrRequestRejected)
	require.Equal(t, uint32(0xdead), status)
	require.False(t, ch.Broken(), "a rejected request must not break the channel")
}

func TestSendRetryThenSuccess(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Respond(actEcho, ctsim.Script{Type: ct.TypeNoResponseRetry})
	dev.Respond(actEcho, ctsim.Script{Status: 7})
	dev.Start()

	_, status, err := ch.Send(context.Background(), actEcho, []uint32{5}, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(7), status)
}

func TestSendResponseTruncated(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Respond(actEcho, ctsim.Script{Payload: []uint32{1, 2, 3, 4}})
	dev.Start()

	resp := make([]uint32, 2)
	n, _, err := ch.Send(context.Background(), actEcho, nil, resp)
	require.ErrorIs(t, err, ct.ErrResponseTooLarge)
	require.Equal(t, 2, n)
	require.Equal(t, []uint32{1, 2}, resp)
	require.False(t, ch.Broken())
}

func TestSendReplyTimeout(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{ReplyTimeout: 50 * time.Millisecond})
	dev.Respond(actEcho, ctsim.Script{Drop: true})
	dev.Start()

	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrNoResponse)

	s := ch.Snapshot()
	require.Zero(t, s.PendingReqs, "timed out request must be unlinked")
	require.Zero(t, s.RecvReserved, "timed out request must release its reservation")
	require.False(t, ch.Broken(), "a lost reply is not a transport failure")
}

func TestSendCancellation(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Respond(actEcho, ctsim.Script{Drop: true})
	dev.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := ch.Send(ctx, actEcho, nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s := ch.Snapshot()
	require.Zero(t, s.PendingReqs)
	require.Zero(t, s.RecvReserved)
}

// fillOutbound issues reservation-less async sends until the outbound ring
// reports no space, and returns how many got in.
func fillOutbound(t *testing.T, ch *ct.Channel) int {
	t.Helper()
	n := 0
	for {
		err := ch.SendAsync(actNoise, []uint32{uint32(n)}, ct.Reservation{})
		if errors.Is(err, ct.ErrNoSpace) {
			return n
		}
		require.NoError(t, err)
		n++
		require.Less(t, n, 10000, "ring never filled")
	}
}

func TestAsyncNoSpaceLeavesRingIntact(t *testing.T) {
	// No device consuming: the outbound ring fills and stays full.
	region, err := ct.NewMemoryRegion(64, 256)
	require.NoError(t, err)
	ch, err := ct.NewChannel(region, ct.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		region.Close()
	})
	require.NoError(t, ch.Enable())

	n := fillOutbound(t, ch)
	require.Greater(t, n, 0)

	before := ch.Snapshot()
	require.ErrorIs(t, ch.SendAsync(actNoise, []uint32{1, 2, 3}, ct.Reservation{}), ct.ErrNoSpace)
	after := ch.Snapshot()

	require.Equal(t, before.SendTail, after.SendTail, "failed send must not write")
	require.Equal(t, before.RecvReserved, after.RecvReserved)
	require.False(t, ch.Broken(), "no-space is a transient condition")
}

func TestSendStallBreaksChannel(t *testing.T) {
	region, err := ct.NewMemoryRegion(64, 256)
	require.NoError(t, err)
	ch, err := ct.NewChannel(region, ct.Options{StallTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		region.Close()
	})
	require.NoError(t, ch.Enable())

	fillOutbound(t, ch)

	_, _, err = ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrStalled)
	require.True(t, ch.Broken())

	// Every path fails fast from here on.
	_, _, err = ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrBroken)
	require.ErrorIs(t, ch.SendAsync(actNoise, nil, ct.Reservation{}), ct.ErrBroken)
}

func TestBrokenChannelDrainsOnceThenStops(t *testing.T) {
	ch, dev := newLoopback(t, 64, 256, ct.Options{StallTimeout: 30 * time.Millisecond})

	var calls atomic.Int32
	ch.RegisterInlineHandler(actNoise, actNoise, func(action uint32, payload []uint32) {
		calls.Add(1)
	})

	// Nothing consumes the outbound ring, so the blocking send stalls out.
	fillOutbound(t, ch)
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrStalled)
	require.True(t, ch.Broken())

	// One best-effort pass over what is buffered...
	dev.InjectEvent(actNoise, []uint32{1})
	require.Equal(t, int32(1), calls.Load())

	// ...then the reader stays parked.
	dev.InjectEvent(actNoise, []uint32{2})
	require.Equal(t, int32(1), calls.Load())
}

type failingDoorbell struct{ err error }

func (d failingDoorbell) Ring() error { return d.err }

func TestDoorbellFailureBreaksChannel(t *testing.T) {
	region, err := ct.NewMemoryRegion(256, 256)
	require.NoError(t, err)
	bellErr := errors.New("doorbell register write failed")
	ch, err := ct.NewChannel(region, ct.Options{Doorbell: failingDoorbell{err: bellErr}})
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		region.Close()
	})
	require.NoError(t, ch.Enable())

	// The words are published before the doorbell rings, so the device may
	// still consume and answer; a failed ring leaves the remote state
	// unknown and the channel unusable.
	err = ch.SendAsync(actNoise, nil, ct.Reservation{})
	require.ErrorIs(t, err, bellErr)
	require.True(t, ch.Broken())

	_, _, err = ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrBroken)
}

func TestBreakDuringActiveTraffic(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{ReplyTimeout: 50 * time.Millisecond})
	dev.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			ch.Send(context.Background(), actEcho, []uint32{uint32(i)}, nil)
		}
	}()

	time.Sleep(time.Millisecond)
	dev.CorruptRecvTail(0xffff)

	<-done
	require.True(t, ch.Broken())
}

func TestAsyncReplyReservationLifecycle(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var got atomic.Uint32
	ch.RegisterHandler(actPingAck, actPingAck, func(action uint32, payload []uint32) {
		got.Store(payload[0])
	})
	dev.Respond(actPing, ctsim.Script{Type: ct.TypeEvent, Action: actPingAck, Payload: []uint32{0x77, 0}})

	require.NoError(t, ch.SendAsync(actPing, []uint32{1}, ct.Reservation{Action: actPingAck, Words: 2}))
	require.Equal(t, uint32(4), ch.Snapshot().RecvReserved, "header plus payload words held")

	require.Equal(t, 1, dev.Step())

	// The reply left the inbound ring during notify, so the reservation is
	// already released; only the deferred handler call is asynchronous.
	require.Zero(t, ch.Snapshot().RecvReserved)
	require.Eventually(t, func() bool { return got.Load() == 0x77 },
		time.Second, time.Millisecond)
}

func TestAsyncReservationDeniedWhenInboundFull(t *testing.T) {
	ch, _ := newLoopback(t, 256, 64, ct.Options{})

	big := ct.Reservation{Action: actPingAck, Words: 40}
	require.NoError(t, ch.SendAsync(actPing, nil, big))

	before := ch.Snapshot()
	require.ErrorIs(t, ch.SendAsync(actPing, nil, big), ct.ErrNoSpace)
	after := ch.Snapshot()

	require.Equal(t, before.SendTail, after.SendTail,
		"denied reservation must not leave a message in the ring")
	require.Equal(t, before.RecvReserved, after.RecvReserved)
}

func TestUnknownFenceDropped(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Start()

	// A response nobody asked for.
	dev.InjectResponse(0x4242, ct.TypeResponseSuccess, 0, []uint32{1})

	require.False(t, ch.Broken())
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.NoError(t, err, "channel must keep working after an unsolicited response")
}

func TestOversizeDeclaredMessageBreaksChannel(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	// Header only, control word claiming ten payload words that were never
	// written. The reader can never complete this message.
	control := uint32(10)<<16 | 1
	hxg := uint32(ct.TypeEvent)<<28 | actNoise
	dev.InjectRaw([]uint32{control, hxg})

	require.True(t, ch.Broken())
	require.NotZero(t, ch.Snapshot().RecvStatus&ct.DescStatusMalformed)
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrBroken)
}

func TestCorruptTailIndexBreaksChannel(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	dev.CorruptRecvTail(0xffff)

	require.True(t, ch.Broken())
	require.NotZero(t, ch.Snapshot().RecvStatus&ct.DescStatusOverflow)
}

func TestInboundStatusBitBreaksChannel(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var calls atomic.Int32
	ch.RegisterInlineHandler(actNoise, actNoise, func(action uint32, payload []uint32) {
		calls.Add(1)
	})

	dev.SetRecvStatus(ct.DescStatusOverflow)
	dev.InjectEvent(actNoise, []uint32{1})

	require.True(t, ch.Broken(), "device-reported inbound corruption must break the channel")
	require.Zero(t, calls.Load(), "no dispatch after the status bit is observed")
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrBroken)
}

func TestInboundMigratedStatusStopsDrainNonFatally(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var calls atomic.Int32
	ch.RegisterInlineHandler(actNoise, actNoise, func(action uint32, payload []uint32) {
		calls.Add(1)
	})

	dev.SetRecvStatus(ct.DescStatusMigrated)
	dev.InjectEvent(actNoise, []uint32{1})

	require.False(t, ch.Broken(), "link reset is recoverable, not a transport failure")
	require.Zero(t, calls.Load(), "nothing buffered is trustworthy during a reset")
}

func TestMigratedStatusSurfacesChannelReset(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	dev.SetSendStatus(ct.DescStatusMigrated)

	require.ErrorIs(t, ch.SendAsync(actNoise, nil, ct.Reservation{}), ct.ErrChannelReset)
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.ErrorIs(t, err, ct.ErrChannelReset)
	require.False(t, ch.Broken(), "link reset is recoverable, not a transport failure")
}

func TestEventDispatchPreservesOrder(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var mu sync.Mutex
	var order []uint32
	ch.RegisterHandler(actNoise, actNoise+0xf, func(action uint32, payload []uint32) {
		mu.Lock()
		order = append(order, payload[0])
		mu.Unlock()
	})

	const events = 10
	for i := uint32(0); i < events; i++ {
		dev.InjectEvent(actNoise, []uint32{i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == events
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := uint32(0); i < events; i++ {
		require.Equal(t, i, order[i], "deferred events must stay FIFO")
	}
}

func TestOutboundMessagesConsumedInOrder(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var mu sync.Mutex
	var order []uint32
	ch.RegisterHandler(actPingAck, actPingAck, func(action uint32, payload []uint32) {
		mu.Lock()
		order = append(order, payload[0])
		mu.Unlock()
	})

	// Each send is answered by an event tagged with the request it answers,
	// so the reply sequence exposes the device's consumption order.
	dev.Respond(actPing, ctsim.Script{Type: ct.TypeEvent, Action: actPingAck, Payload: []uint32{1}})
	dev.Respond(actPing+1, ctsim.Script{Type: ct.TypeEvent, Action: actPingAck, Payload: []uint32{2}})

	require.NoError(t, ch.SendAsync(actPing, nil, ct.Reservation{}))
	require.NoError(t, ch.SendAsync(actPing+1, nil, ct.Reservation{}))
	require.Equal(t, 2, dev.Step())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{1, 2}, order, "writes drain in issue order")
}

func TestInlineHandlerRunsInNotifyContext(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	var calls atomic.Int32
	ch.RegisterInlineHandler(actPingAck, actPingAck, func(action uint32, payload []uint32) {
		calls.Add(1)
	})

	// InjectEvent notifies synchronously; an inline handler has run by the
	// time it returns.
	dev.InjectEvent(actPingAck, []uint32{1})
	require.Equal(t, int32(1), calls.Load())
}

func TestUnknownEventDropped(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Start()

	dev.InjectEvent(0xbeef, []uint32{1, 2})

	require.False(t, ch.Broken())
	_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
	require.NoError(t, err)
}

func TestAsyncRepliesReleaseOldestReservationFirst(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})

	dev.Respond(actPing, ctsim.Script{Type: ct.TypeEvent, Action: actPingAck, Payload: []uint32{1}})

	require.NoError(t, ch.SendAsync(actPing, nil, ct.Reservation{Action: actPingAck, Words: 1}))
	require.NoError(t, ch.SendAsync(actPing, nil, ct.Reservation{Action: actPingAck, Words: 1}))
	require.Equal(t, uint32(6), ch.Snapshot().RecvReserved)

	require.Equal(t, 2, dev.Step())
	require.Zero(t, ch.Snapshot().RecvReserved, "each reply releases one queued reservation")
}

func TestDisableFailsPendingRequests(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{ReplyTimeout: 5 * time.Second})
	dev.Respond(actEcho, ctsim.Script{Drop: true})
	dev.Start()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := ch.Send(context.Background(), actEcho, nil, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return ch.Snapshot().PendingReqs == 1
	}, time.Second, time.Millisecond)

	ch.Disable()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ct.ErrDisabled)
	case <-time.After(time.Second):
		t.Fatal("pending request not force-completed by Disable")
	}
	require.Zero(t, ch.Snapshot().RecvReserved)
}

func TestDisableEnableCycleResetsRings(t *testing.T) {
	ch, dev := newLoopback(t, 256, 512, ct.Options{})
	dev.Start()

	_, _, err := ch.Send(context.Background(), actEcho, []uint32{1}, nil)
	require.NoError(t, err)
	require.NotZero(t, ch.Snapshot().SendTail)

	ch.Disable()
	dev.Stop()
	require.NoError(t, ch.Enable())

	s := ch.Snapshot()
	require.Zero(t, s.SendTail, "no message carries over a disable/enable cycle")
	require.Zero(t, s.RecvReserved)
	require.Equal(t, ct.StateEnabled, s.State)
}

type faultOn struct {
	action uint32
	err    error
}

func (f faultOn) BeforeSend(action uint32) error {
	if action == f.action {
		return f.err
	}
	return nil
}

func TestFaultInjectorBlocksWrite(t *testing.T) {
	injected := errors.New("injected send fault")
	ch, _ := newLoopback(t, 256, 512, ct.Options{
		Faults: faultOn{action: actPing, err: injected},
	})

	before := ch.Snapshot()
	err := ch.SendAsync(actPing, []uint32{1}, ct.Reservation{Action: actPingAck, Words: 2})
	require.ErrorIs(t, err, injected)

	after := ch.Snapshot()
	require.Equal(t, before.SendTail, after.SendTail, "faulted send must not write")
	require.Zero(t, after.RecvReserved, "faulted send must roll back its reservation")

	// Other actions are unaffected.
	require.NoError(t, ch.SendAsync(actNoise, nil, ct.Reservation{}))
}

type recordingRegistrar struct {
	mu       sync.Mutex
	outbound []uint32
	inbound  []uint32
	enabled  []bool
}

func (r *recordingRegistrar) RegisterOutbound(descOff, bufOff, words uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = []uint32{descOff, bufOff, words}
	return nil
}

func (r *recordingRegistrar) RegisterInbound(descOff, bufOff, words uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = []uint32{descOff, bufOff, words}
	return nil
}

func (r *recordingRegistrar) SetEnabled(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = append(r.enabled, on)
	return nil
}

func TestEnableRegistersBuffersWithControl(t *testing.T) {
	region, err := ct.NewMemoryRegion(256, 512)
	require.NoError(t, err)
	reg := &recordingRegistrar{}
	ch, err := ct.NewChannel(region, ct.Options{Control: reg})
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		region.Close()
	})

	require.NoError(t, ch.Enable())
	ch.Disable()

	l := region.Layout()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Equal(t, []uint32{l.SendDescOff, l.SendBufOff, l.SendBufWords}, reg.outbound)
	require.Equal(t, []uint32{l.RecvDescOff, l.RecvBufOff, l.RecvBufWords}, reg.inbound)
	require.Equal(t, []bool{true, false}, reg.enabled)
}

func TestConcurrentSends(t *testing.T) {
	ch, dev := newLoopback(t, 1024, 4096, ct.Options{})
	dev.Start()

	const workers = 4
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _, err := ch.Send(context.Background(), actEcho,
					[]uint32{uint32(w), uint32(i)}, nil)
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	s := ch.Snapshot()
	require.Zero(t, s.PendingReqs)
	require.Zero(t, s.RecvReserved)
}
