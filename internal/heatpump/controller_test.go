// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatpump

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/scheduler"
)

// ============================================================
// Fake port
// ============================================================

type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// ============================================================
// Harness
// ============================================================

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock *scheduler.ManualClock
	state *cn105.StateStore
	ctrl  *Controller
	hook  *test.Hook

	mu      sync.Mutex
	ports   []*fakePort
	openErr error
	ended   int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		clock: scheduler.NewManualClock(t0),
		state: cn105.NewStateStore(),
	}
	h.state.SetClock(h.clock.Now)
	logger, hook := test.NewNullLogger()
	h.hook = hook
	h.ctrl = New(h.open, h.state, h.clock, opts, logger)
	h.ctrl.OnCycleEnd = func() { h.ended++ }
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *harness) open() (io.ReadWriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	p := newFakePort()
	h.ports = append(h.ports, p)
	return p, nil
}

func (h *harness) opens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ports)
}

func (h *harness) port() *fakePort {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ports) == 0 {
		return nil
	}
	return h.ports[len(h.ports)-1]
}

func (h *harness) tick() { h.ctrl.Tick() }

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.ctrl.Tick()
}

func (h *harness) feed(f *cn105.Frame) { h.ctrl.Feed(f.Bytes()) }

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.tick()
	require.Equal(t, 1, h.opens())
	h.feed(cn105.NewFrame(cn105.CmdConnectAck, nil))
	require.True(t, h.state.Connected())
}

// infoCodes returns the codes of the info requests written to the current
// port, in order
func (h *harness) infoCodes() []byte {
	var codes []byte
	for _, w := range h.port().written() {
		if len(w) == cn105.PacketLen && w[1] == cn105.CmdGet {
			codes = append(codes, w[5])
		}
	}
	return codes
}

func (h *harness) lastWrite() []byte {
	w := h.port().written()
	if len(w) == 0 {
		return nil
	}
	return w[len(w)-1]
}

func dataFrame(code byte) *cn105.Frame {
	data := make([]byte, cn105.DataLength)
	data[0] = code
	return cn105.NewFrame(cn105.CmdData, data)
}

// ============================================================
// Connection
// ============================================================

func TestController_BootstrapSendsConnect(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.tick()

	require.Equal(t, 1, h.opens())
	assert.Equal(t, cn105.BuildConnectPacket(false), h.lastWrite())
	assert.True(t, h.ctrl.timers.Pending(timerConnectCheck))
	assert.False(t, h.state.Connected())
}

func TestController_InstallerConnect(t *testing.T) {
	opts := DefaultOptions()
	opts.Installer = true
	h := newHarness(t, opts)
	h.tick()

	w := h.lastWrite()
	require.Len(t, w, cn105.ConnectLen)
	assert.Equal(t, byte(cn105.CmdConnectInstaller), w[1])
}

func TestController_BootstrapDelay(t *testing.T) {
	opts := DefaultOptions()
	opts.BootstrapDelay = 5 * time.Second
	h := newHarness(t, opts)

	h.tick()
	h.advance(4 * time.Second)
	assert.Equal(t, 0, h.opens())

	h.advance(time.Second)
	assert.Equal(t, 1, h.opens())
}

func TestController_ConnectCheckReconnects(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.tick()
	first := h.port()

	h.advance(ConnectCheckTimeout)
	require.Equal(t, 2, h.opens())
	assert.True(t, first.isClosed())
	assert.Equal(t, cn105.BuildConnectPacket(false), h.lastWrite())
	assert.Equal(t, uint64(1), h.ctrl.Info().Reconnects)
}

func TestController_ConnectAckCancelsCheck(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	assert.False(t, h.ctrl.timers.Pending(timerConnectCheck))
	h.advance(3 * time.Second)
	assert.Equal(t, 1, h.opens())
	assert.Equal(t, []byte{cn105.InfoSettings}, h.infoCodes())
}

func TestController_OpenFailureRetries(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.openErr = errors.New("no such device")

	h.tick()
	assert.Equal(t, 0, h.opens())
	assert.True(t, h.ctrl.timers.Pending(timerConnectCheck))

	h.mu.Lock()
	h.openErr = nil
	h.mu.Unlock()
	h.advance(ConnectCheckTimeout)
	assert.Equal(t, 1, h.opens())
	assert.Equal(t, cn105.BuildConnectPacket(false), h.lastWrite())
}

func TestController_QuietUnitReconnects(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	// no answers for more than three intervals
	h.advance(7 * time.Second)
	assert.Equal(t, 2, h.opens())
	assert.False(t, h.state.Connected())
}

// ============================================================
// Polling cycle
// ============================================================

func TestController_FullCycle(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)
	h.advance(3 * time.Second)

	for _, code := range []byte{cn105.InfoSettings, cn105.InfoRoomTemp, cn105.InfoStatus, cn105.InfoStandby} {
		require.Equal(t, code, h.infoCodes()[len(h.infoCodes())-1])
		h.feed(dataFrame(code))
	}
	h.tick()

	assert.Equal(t, []byte{0x02, 0x03, 0x06, 0x09}, h.infoCodes())
	assert.Equal(t, 1, h.ended)
	info := h.ctrl.Info()
	assert.Equal(t, uint64(1), info.Cycles)
	assert.Equal(t, uint64(0), info.TimedOutCycles)
	assert.True(t, info.Active)
	assert.Equal(t, uint64(5), info.Stats.TotalFrames)
}

func TestController_CycleTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.SoftTimeout = 10 * time.Second
	h := newHarness(t, opts)
	h.connect(t)
	h.advance(3 * time.Second)
	require.Equal(t, []byte{cn105.InfoSettings}, h.infoCodes())

	h.advance(6 * time.Second)

	info := h.ctrl.Info()
	assert.Equal(t, uint64(1), info.TimedOutCycles)
	assert.False(t, h.ctrl.timers.Pending("info_timeout_02"))
	_, awaiting := h.ctrl.Scheduler().Awaiting()
	assert.False(t, awaiting)
}

func TestController_OnFrameHook(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	var events []cn105.Events
	h.ctrl.OnFrame = func(_ *cn105.Frame, ev cn105.Events) { events = append(events, ev) }

	h.connect(t)
	require.Len(t, events, 1)
	assert.True(t, events[0].Has(cn105.EventConnected))
}

// ============================================================
// Settings writes
// ============================================================

func TestController_WantedSettingsDebouncedAndAcked(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	h.clock.Advance(time.Second)
	h.state.SetPower(cn105.PowerOn)
	h.tick()
	assert.Len(t, h.port().written(), 1, "debounce holds the write")

	h.advance(DefaultDebounce)
	w := h.lastWrite()
	require.Len(t, w, cn105.PacketLen)
	assert.Equal(t, byte(cn105.CmdSet), w[1])
	assert.Equal(t, byte(cn105.SetSettings), w[5])

	h.feed(cn105.NewFrame(cn105.CmdSetAck, nil))
	assert.Equal(t, cn105.PowerOn, h.state.Current().Power)
	changed, _ := h.state.WantedChanged()
	assert.False(t, changed)

	// the write pushed the next cycle back
	h.advance(2 * time.Second)
	assert.Empty(t, h.infoCodes())
	h.advance(1500 * time.Millisecond)
	assert.Equal(t, []byte{cn105.InfoSettings}, h.infoCodes())
}

func TestController_MinSendGap(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	h.state.SetPower(cn105.PowerOn)
	h.advance(150 * time.Millisecond)
	assert.Len(t, h.port().written(), 1)

	h.advance(200 * time.Millisecond)
	assert.Len(t, h.port().written(), 2)
}

func TestController_UnackedSettingsRequeued(t *testing.T) {
	opts := DefaultOptions()
	opts.AckTimeout = 2 * time.Second
	h := newHarness(t, opts)
	h.connect(t)

	h.clock.Advance(time.Second)
	h.state.SetPower(cn105.PowerOn)
	h.advance(DefaultDebounce)
	require.Len(t, h.port().written(), 2)

	// keep the link active without acking
	h.clock.Advance(2 * time.Second)
	h.feed(dataFrame(cn105.InfoStandby))
	h.advance(DefaultDebounce)

	settingsWrites := 0
	for _, w := range h.port().written() {
		if w[1] == cn105.CmdSet && w[5] == cn105.SetSettings {
			settingsWrites++
		}
	}
	assert.Equal(t, 2, settingsWrites)
}

func TestController_InactiveWriteIsDeferred(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	h.clock.Advance(7 * time.Second)
	h.ctrl.sendInfo(cn105.InfoSettings)
	require.Equal(t, 2, h.opens(), "write on an inactive link reconnects")
	assert.Equal(t, cn105.BuildConnectPacket(false), h.lastWrite())
	require.True(t, h.ctrl.timers.Pending(timerWrite))

	h.feed(cn105.NewFrame(cn105.CmdConnectAck, nil))
	h.advance(PendingRetry)

	w := h.port().written()
	require.GreaterOrEqual(t, len(w), 2)
	assert.Equal(t, cn105.BuildInfoPacket(cn105.InfoSettings), w[1])
}

func TestController_WriteFunctionsNeedsTable(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)
	assert.Error(t, h.ctrl.WriteFunctions())

	for _, sub := range []byte{cn105.InfoFunctions1, cn105.InfoFunctions2} {
		h.feed(dataFrame(sub))
	}
	require.NoError(t, h.ctrl.WriteFunctions())
	assert.Equal(t, byte(cn105.SetFunctions1), h.lastWrite()[5])

	h.advance(MinSendGap)
	assert.Equal(t, byte(cn105.SetFunctions2), h.lastWrite()[5])
}

// ============================================================
// Remote temperature
// ============================================================

func TestController_RemoteTemperatureSentAtCycleEnd(t *testing.T) {
	opts := DefaultOptions()
	opts.RemoteTempTimeout = 30 * time.Second
	h := newHarness(t, opts)
	h.connect(t)

	h.ctrl.SetRemoteTemperature(21.5)
	v, ok := h.ctrl.RemoteTemperature()
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)

	h.advance(3 * time.Second)
	for _, code := range []byte{cn105.InfoSettings, cn105.InfoRoomTemp, cn105.InfoStatus, cn105.InfoStandby} {
		h.feed(dataFrame(code))
	}
	assert.Equal(t, cn105.BuildRemoteTemperaturePacket(21.5), h.lastWrite())

	// sent once
	n := len(h.port().written())
	h.advance(3 * time.Second)
	for _, code := range []byte{cn105.InfoSettings, cn105.InfoRoomTemp, cn105.InfoStatus, cn105.InfoStandby} {
		h.feed(dataFrame(code))
	}
	assert.Equal(t, n+4, len(h.port().written()))
}

func TestController_RemoteTemperatureExpires(t *testing.T) {
	opts := DefaultOptions()
	opts.RemoteTempTimeout = 30 * time.Second
	h := newHarness(t, opts)

	h.ctrl.SetRemoteTemperature(22)
	h.clock.Advance(31 * time.Second)
	h.tick()

	v, ok := h.ctrl.RemoteTemperature()
	assert.False(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestController_RemoteTemperatureRejectsGarbage(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	for _, v := range []float64{-3, math.NaN(), math.Inf(1)} {
		h.ctrl.SetRemoteTemperature(v)
		got, ok := h.ctrl.RemoteTemperature()
		assert.False(t, ok)
		assert.Equal(t, 0.0, got)
	}
}

// ============================================================
// Goroutines
// ============================================================

func TestController_RunReadsPortAndRunsOps(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return h.port() != nil }, time.Second, time.Millisecond)
	h.port().in <- cn105.NewFrame(cn105.CmdConnectAck, nil).Bytes()
	require.Eventually(t, h.state.Connected, time.Second, time.Millisecond)

	ran := false
	require.NoError(t, h.ctrl.Do(ctx, func() { ran = true }))
	assert.True(t, ran)
	assert.True(t, h.ctrl.Info().PortOpen)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, h.port().isClosed())
	assert.False(t, h.ctrl.Info().PortOpen)
}

func TestController_PortLoss(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.connect(t)

	h.port().Close()
	require.Eventually(t, func() bool {
		h.tick()
		return !h.ctrl.Info().PortOpen
	}, time.Second, time.Millisecond)
	assert.False(t, h.state.Connected())

	h.advance(PendingRetryPortDown)
	assert.Equal(t, 2, h.opens())
}

func TestController_DoAfterClose(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	require.NoError(t, h.ctrl.Close())
	assert.ErrorIs(t, h.ctrl.Do(context.Background(), func() {}), ErrPortClosed)
}
