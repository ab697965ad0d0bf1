// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/control"
	"github.com/Thermoquad/cn105ctl/pkg/scheduler"
)

type fakeRemote struct {
	remote float64
	set    bool
}

func (f *fakeRemote) Active() bool { return true }
func (f *fakeRemote) SetRemoteTemperature(t float64) {
	f.remote = t
	f.set = true
}
func (f *fakeRemote) RemoteTemperature() (float64, bool) { return f.remote, f.set }

func initializedStore(t *testing.T) *cn105.StateStore {
	t.Helper()
	s := cn105.NewStateStore()
	_, err := s.Apply(cn105.NewFrame(cn105.CmdData, settingsData()))
	require.NoError(t, err)
	return s
}

// ===== Parsing =====

func TestParseChanges(t *testing.T) {
	c, err := parseChanges(map[string]string{
		fieldPower:       "on",
		fieldFan:         "quiet",
		fieldTemperature: " 22.5 ",
		fieldRemote:      "20.3",
	})
	require.NoError(t, err)

	require.NotNil(t, c.Power)
	assert.Equal(t, cn105.PowerOn, *c.Power)
	require.NotNil(t, c.Fan)
	assert.Equal(t, cn105.FanQuiet, *c.Fan)
	require.NotNil(t, c.Temperature)
	assert.InDelta(t, 22.5, *c.Temperature, 0.001)
	require.NotNil(t, c.Remote)
	assert.Nil(t, c.Mode)
	assert.Nil(t, c.Vane)
	assert.False(t, c.Empty())
}

func TestParseChanges_Invalid(t *testing.T) {
	_, err := parseChanges(map[string]string{
		fieldMode:        "warm",
		fieldTemperature: "hot",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid mode "warm"`)
	assert.Contains(t, err.Error(), `invalid temperature "hot"`)
}

func TestParseChanges_Empty(t *testing.T) {
	c, err := parseChanges(map[string]string{})
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

// ===== Applying =====

func TestApplyChanges_Direct(t *testing.T) {
	state := initializedStore(t)
	remote := &fakeRemote{}
	c, err := parseChanges(map[string]string{
		fieldPower:       "off",
		fieldTemperature: "24",
		fieldVane:        "swing",
		fieldRemote:      "19.5",
	})
	require.NoError(t, err)

	applied := applyChanges(context.Background(), state, remote, nil, c)

	assert.Equal(t, []string{"power=OFF", "temperature=24.0", "vane=SWING", "remote=19.5"}, applied)
	w := state.Wanted()
	assert.Equal(t, cn105.PowerOff, w.Power)
	assert.Equal(t, cn105.VaneSwing, w.Vane)
	assert.InDelta(t, 24, w.Temperature, 0.01)
	assert.True(t, w.Changed)
	assert.True(t, remote.set)
	assert.InDelta(t, 19.5, remote.remote, 0.001)
}

func newTestLoop(t *testing.T, state *cn105.StateStore, link climate.Link) *climate.Loop {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := scheduler.NewManualClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	dsm := climate.NewDeviceStateManager(state, link, clock, climate.DefaultOptions(), logger)
	pid := control.NewAdaptivePID(control.Gains{Kp: 1}, control.DefaultLimits())
	loop := climate.NewLoop(dsm, control.NewHysteresis(0.25, 0.25), pid, nil, logger)
	loop.LoadSetpoints(context.Background())
	loop.Run(context.Background())
	return loop
}

func TestApplyChanges_ThroughClimate(t *testing.T) {
	state := initializedStore(t)
	remote := &fakeRemote{}
	loop := newTestLoop(t, state, remote)

	c, err := parseChanges(map[string]string{
		fieldMode:        "heat",
		fieldTemperature: "21",
	})
	require.NoError(t, err)

	applied := applyChanges(context.Background(), state, remote, loop, c)

	assert.Equal(t, []string{"climate mode=HEAT", "target=21.0"}, applied)
	assert.True(t, loop.Enabled())
	assert.InDelta(t, 21, loop.Device().TargetTemperature(), 0.01)
	assert.Equal(t, cn105.ModeHeat, state.Wanted().Mode)
}

func TestApplyChanges_ClimateOff(t *testing.T) {
	state := initializedStore(t)
	remote := &fakeRemote{}
	loop := newTestLoop(t, state, remote)

	c, err := parseChanges(map[string]string{fieldPower: "OFF"})
	require.NoError(t, err)

	applied := applyChanges(context.Background(), state, remote, loop, c)

	assert.Equal(t, []string{"climate off"}, applied)
	assert.False(t, loop.Enabled())
}
