// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package climate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/control"
	"github.com/Thermoquad/cn105ctl/pkg/scheduler"
)

// ============================================================
// Helpers
// ============================================================

type fakeLink struct {
	active   bool
	remote   float64
	remoteOK bool
	sent     []float64
}

func (l *fakeLink) Active() bool { return l.active }

func (l *fakeLink) SetRemoteTemperature(t float64) {
	l.sent = append(l.sent, t)
}

func (l *fakeLink) RemoteTemperature() (float64, bool) {
	return l.remote, l.remoteOK
}

type fakeStore struct {
	values map[string]float64
	saved  map[string]float64
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]float64{}, saved: map[string]float64{}}
}

func (s *fakeStore) Load(_ context.Context, mode string) (float64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	v, ok := s.values[mode]
	return v, ok, nil
}

func (s *fakeStore) Save(_ context.Context, mode string, value float64) error {
	s.saved[mode] = value
	return nil
}

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func settingsFrame(power, mode string, temp float64) *cn105.Frame {
	data := make([]byte, cn105.DataLength)
	data[0] = cn105.InfoSettings
	data[3], _ = cn105.PowerTable.Byte(power)
	data[4], _ = cn105.ModeTable.Byte(mode)
	data[11] = cn105.ExtendedTemperatureByte(temp)
	return cn105.NewFrame(cn105.CmdData, data)
}

func roomFrame(temp float64) *cn105.Frame {
	data := make([]byte, cn105.DataLength)
	data[0] = cn105.InfoRoomTemp
	data[6] = cn105.ExtendedTemperatureByte(temp)
	return cn105.NewFrame(cn105.CmdData, data)
}

type harness struct {
	clock *scheduler.ManualClock
	state *cn105.StateStore
	link  *fakeLink
	dsm   *DeviceStateManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := scheduler.NewManualClock(t0)
	state := cn105.NewStateStore()
	state.SetClock(clock.Now)
	link := &fakeLink{active: true}
	return &harness{
		clock: clock,
		state: state,
		link:  link,
		dsm:   NewDeviceStateManager(state, link, clock, DefaultOptions(), logger),
	}
}

func (h *harness) apply(t *testing.T, frames ...*cn105.Frame) {
	t.Helper()
	for _, f := range frames {
		_, err := h.state.Apply(f)
		require.NoError(t, err)
	}
}

func (h *harness) ready(t *testing.T, power, mode string, target, room float64) {
	t.Helper()
	h.apply(t, settingsFrame(power, mode, target), roomFrame(room))
	h.dsm.Sync()
	require.True(t, h.dsm.Initialized())
}

func (h *harness) loop(pid control.SetpointController, gate control.Hysteresis, store SetpointStore) *Loop {
	logger, _ := test.NewNullLogger()
	return NewLoop(h.dsm, gate, pid, store, logger)
}

// ============================================================
// DeviceStateManager
// ============================================================

func TestDeviceStateManager_Sync(t *testing.T) {
	h := newHarness(t)

	h.dsm.Sync()
	assert.False(t, h.dsm.Initialized())
	assert.True(t, math.IsNaN(h.dsm.TargetTemperature()))

	h.apply(t, settingsFrame(cn105.PowerOn, cn105.ModeHeat, 22))
	h.dsm.Sync()
	assert.True(t, h.dsm.InternalPowerOn())
	assert.Equal(t, 22.0, h.dsm.TargetTemperature())
	assert.False(t, h.dsm.Initialized(), "no room temperature yet")

	h.apply(t, roomFrame(20.5))
	assert.True(t, h.dsm.Initialized())
	assert.True(t, h.dsm.OffsetDirection())

	// later settings do not move the user target
	h.apply(t, settingsFrame(cn105.PowerOff, cn105.ModeCool, 25))
	h.dsm.Sync()
	assert.Equal(t, 22.0, h.dsm.TargetTemperature())
	assert.True(t, h.dsm.InternalPowerOn())
	assert.False(t, h.dsm.OffsetDirection())
}

func TestDeviceStateManager_PowerThrottle(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	require.True(t, h.dsm.InternalTurnOff())
	assert.False(t, h.dsm.InternalPowerOn())
	assert.Equal(t, cn105.PowerOff, h.state.Wanted().Power)

	h.clock.Advance(59 * time.Second)
	assert.False(t, h.dsm.InternalTurnOn(), "throttled inside 60 s")
	assert.False(t, h.dsm.InternalPowerOn())

	h.clock.Advance(2 * time.Second)
	require.True(t, h.dsm.InternalTurnOn())
	assert.True(t, h.dsm.InternalPowerOn())
	wanted := h.state.Wanted()
	assert.Equal(t, cn105.PowerOn, wanted.Power)
	assert.Equal(t, cn105.ModeHeat, wanted.Mode)
}

func TestDeviceStateManager_PowerRefused(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.dsm.InternalTurnOn(), "not initialized")

	h.ready(t, cn105.PowerOff, cn105.ModeHeat, 22, 21)
	h.link.active = false
	assert.False(t, h.dsm.InternalTurnOn())
	assert.False(t, h.dsm.InternalPowerOn())

	h.link.active = true
	assert.True(t, h.dsm.InternalTurnOn(), "a refused change does not start the throttle")
}

func TestDeviceStateManager_UserPowerIsNotThrottled(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	require.True(t, h.dsm.InternalTurnOff())
	assert.Equal(t, cn105.ModeCool, h.dsm.TurnOn("cool"))
	assert.True(t, h.dsm.InternalPowerOn())
	h.dsm.TurnOff()
	assert.False(t, h.dsm.InternalPowerOn())
}

func TestDeviceStateManager_SetCorrectedTemperature(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	assert.False(t, h.dsm.SetCorrectedTemperature(22), "matches the unit already")

	assert.True(t, h.dsm.SetCorrectedTemperature(22.3))
	assert.Equal(t, 22.3, h.dsm.CorrectedTemperature())
	assert.Equal(t, 22.5, h.state.Settings().Temperature)
	assert.False(t, h.dsm.SetCorrectedTemperature(22.3), "nothing would change")

	assert.True(t, h.dsm.SetCorrectedTemperature(40))
	assert.Equal(t, 31.0, h.dsm.CorrectedTemperature())
	assert.True(t, h.dsm.SetCorrectedTemperature(-5))
	assert.Equal(t, 16.0, h.dsm.CorrectedTemperature())
}

func TestDeviceStateManager_SetCorrectedTemperature_WholeDegrees(t *testing.T) {
	h := newHarness(t)
	data := make([]byte, cn105.DataLength)
	data[0] = cn105.InfoSettings
	data[3], _ = cn105.PowerTable.Byte(cn105.PowerOn)
	data[4], _ = cn105.ModeTable.Byte(cn105.ModeHeat)
	data[5] = 0x0A // 21 degrees
	h.apply(t, cn105.NewFrame(cn105.CmdData, data), roomFrame(20))
	h.dsm.Sync()
	require.False(t, h.state.TempMode())

	assert.True(t, h.dsm.SetCorrectedTemperature(21.3))
	h.state.ClearWanted()
	assert.False(t, h.dsm.SetCorrectedTemperature(21.3), "21.3 requests the 21 the unit already has")
	changed, _ := h.state.WantedChanged()
	assert.False(t, changed)
}

func TestDeviceStateManager_SetTargetTemperature(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	assert.Equal(t, 16.0, h.dsm.SetTargetTemperature(5))
	assert.Equal(t, 31.0, h.dsm.SetTargetTemperature(45))
	assert.Equal(t, 31.0, h.dsm.SetTargetTemperature(math.NaN()))
	assert.Equal(t, 21.5, h.dsm.SetTargetTemperature(21.5))
	assert.Equal(t, 21.5, h.state.Wanted().Temperature)
}

func TestDeviceStateManager_RemoteTemperature(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	assert.Equal(t, 21.0, h.dsm.SetRemoteTemperature(21.2), "nearest half without aggressive rounding")

	h.dsm.SetAggressiveRounding(true)
	assert.Equal(t, 21.5, h.dsm.SetRemoteTemperature(21.2), "up while heating")

	h.state.SetMode(cn105.ModeCool)
	assert.Equal(t, 21.5, h.dsm.SetRemoteTemperature(21.7), "down while cooling")

	assert.Equal(t, 0.0, h.dsm.SetRemoteTemperature(math.NaN()))
	assert.Equal(t, []float64{21.0, 21.5, 21.5, 0}, h.link.sent)
}

func TestDeviceStateManager_CurrentTemperature(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 21)

	assert.Equal(t, 21.0, h.dsm.CurrentTemperature())
	h.link.remote, h.link.remoteOK = 19.5, true
	assert.Equal(t, 19.5, h.dsm.CurrentTemperature())
	h.link.remoteOK = false
	assert.Equal(t, 21.0, h.dsm.CurrentTemperature())
}

// ============================================================
// Loop
// ============================================================

func TestLoop_NotInitialized(t *testing.T) {
	h := newHarness(t)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 4}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

	r := l.Run(context.Background())
	assert.False(t, r.Initialized)
	changed, _ := h.state.WantedChanged()
	assert.False(t, changed)
}

func TestLoop_HysteresisTurnsOn(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOff, cn105.ModeHeat, 22, 20)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 20}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

	r := l.Run(context.Background())
	assert.Equal(t, "turn_on", r.Decision)
	assert.True(t, r.InternalPowerOn)
	assert.Equal(t, cn105.PowerOn, h.state.Wanted().Power)

	assert.InDelta(t, 22.8, r.Corrected, 1e-9)
	assert.Equal(t, 23.0, h.state.Settings().Temperature)
	assert.Equal(t, 20.0, r.AdjustedMin)
	assert.Equal(t, 24.0, r.AdjustedMax)
	assert.False(t, r.Aggressive)
}

func TestLoop_HysteresisTurnsOff(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 23)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 4}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

	r := l.Run(context.Background())
	assert.Equal(t, "turn_off", r.Decision)
	assert.False(t, r.InternalPowerOn)
	assert.Equal(t, cn105.PowerOff, h.state.Wanted().Power)
	assert.Equal(t, 22.0, r.Corrected, "inactive PID keeps the target")
	assert.True(t, r.Aggressive)

	// the pending OFF makes the next run a no-op
	r = l.Run(context.Background())
	assert.Equal(t, "no_op", r.Decision)
}

func TestLoop_Disabled(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 18)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 4}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

	assert.Equal(t, cn105.PowerOff, l.SetMode(context.Background(), "off"))
	assert.False(t, l.Enabled())

	r := l.Run(context.Background())
	assert.False(t, r.Enabled)
	assert.Equal(t, "no_op", r.Decision)
	assert.Equal(t, cn105.PowerOff, h.state.Wanted().Power)
}

func TestLoop_PowerOffOutsideTheLoop(t *testing.T) {
	h := newHarness(t)
	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 20)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 4}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

	r := l.Run(context.Background())
	require.True(t, r.InternalPowerOn)
	require.True(t, r.Enabled)

	// switched off with the IR remote
	h.apply(t, settingsFrame(cn105.PowerOff, cn105.ModeHeat, 22))
	r = l.Run(context.Background())
	assert.False(t, r.Enabled)
	assert.False(t, r.InternalPowerOn)
	assert.Equal(t, "no_op", r.Decision)
	assert.NotEqual(t, cn105.PowerOn, h.state.Wanted().Power)
	assert.Equal(t, cn105.PowerOff, h.state.Settings().Power)

	assert.Equal(t, cn105.ModeHeat, l.SetMode(context.Background(), cn105.ModeHeat))
	assert.True(t, l.Enabled())
	assert.Equal(t, cn105.PowerOn, h.state.Wanted().Power)
}

func TestLoop_AggressiveRoundingWhenSaturated(t *testing.T) {
	t.Run("cool at the top", func(t *testing.T) {
		h := newHarness(t)
		h.ready(t, cn105.PowerOn, cn105.ModeCool, 24, 30)
		l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 100}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), nil)

		r := l.Run(context.Background())
		assert.Equal(t, "no_op", r.Decision)
		assert.Equal(t, 26.0, r.Corrected)
		assert.True(t, r.Aggressive)
	})

	t.Run("heat at the bottom", func(t *testing.T) {
		h := newHarness(t)
		h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 26)
		l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 100}, control.DefaultLimits()), control.NewHysteresis(10, 10), nil)

		r := l.Run(context.Background())
		assert.Equal(t, 20.0, r.Corrected)
		assert.True(t, r.Aggressive)
	})
}

func TestLoop_SetpointPersistence(t *testing.T) {
	h := newHarness(t)
	store := newFakeStore()
	store.values[cn105.ModeHeat] = 24
	ctx := context.Background()

	h.ready(t, cn105.PowerOn, cn105.ModeHeat, 22, 23)
	l := h.loop(control.NewAdaptivePID(control.Gains{Kp: 4}, control.DefaultLimits()), control.NewHysteresis(0.25, 0.25), store)
	l.LoadSetpoints(ctx)

	cool, ok := l.Setpoint("cool")
	require.True(t, ok)
	assert.Equal(t, 23.5, cool, "midpoint when nothing is stored")

	r := l.Run(ctx)
	assert.Equal(t, 24.0, r.Target, "restored from the store")

	assert.Equal(t, 25.0, l.SetTarget(ctx, 25))
	assert.Equal(t, 25.0, store.saved[cn105.ModeHeat])

	l.SetMode(ctx, "cool")
	assert.Equal(t, 23.5, h.dsm.TargetTemperature())
	assert.Equal(t, cn105.ModeCool, h.state.Wanted().Mode)

	delete(store.saved, cn105.ModeHeat)
	l.SetMode(ctx, "heat")
	assert.Equal(t, 25.0, h.dsm.TargetTemperature())
	assert.Empty(t, store.saved, "switching modes does not save")
}

func TestLoop_SetpointStoreFailure(t *testing.T) {
	h := newHarness(t)
	store := newFakeStore()
	store.err = errors.New("unavailable")
	logger, hook := test.NewNullLogger()

	l := NewLoop(h.dsm, control.NewHysteresis(0.25, 0.25), control.NewAdaptivePID(control.Gains{}, control.DefaultLimits()), store, logger)
	l.LoadSetpoints(context.Background())

	v, ok := l.Setpoint(cn105.ModeHeat)
	require.True(t, ok)
	assert.Equal(t, 23.5, v)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.Entries[0].Level)
}
