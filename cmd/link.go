// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/framelog"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/internal/persistence"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// linkStack is the controller plus everything hanging off it: the optional
// recording and the optional climate loop with its setpoint store
type linkStack struct {
	connInfo string
	ctl      *heatpump.Controller
	loop     *climate.Loop
	store    persistence.Store
	rec      *framelog.Writer
}

// buildLink opens nothing yet; the controller opens the port on its first
// tick. With withClimate the loop is built and its setpoints loaded.
func buildLink(ctx context.Context, recordPath string, withClimate bool) (*linkStack, error) {
	t, err := resolveTransport()
	if err != nil {
		return nil, err
	}
	rec, err := openRecorder(recordPath, t)
	if err != nil {
		return nil, err
	}

	s := &linkStack{connInfo: t.String(), rec: rec}
	s.ctl = heatpump.New(newOpener(t, rec), cn105.NewStateStore(), nil, cfg.LinkOptions(), log)

	if !withClimate {
		return s, nil
	}
	store, err := persistence.Open(ctx, cfg.Persistence)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store
	dsm := climate.NewDeviceStateManager(s.ctl.State(), s.ctl, nil, cfg.ClimateOptions(), log)
	s.loop = climate.NewLoop(dsm, cfg.Hysteresis(), cfg.SetpointController(), store, log)
	s.loop.LoadSetpoints(ctx)
	log.WithFields(logrus.Fields{
		"algorithm":   cfg.Control.Algorithm,
		"persistence": cfg.Persistence.Backend,
	}).Info("Climate control enabled")
	return s, nil
}

// runClimate runs one loop pass. It must be called on the controller's
// timeline, typically from OnCycleEnd.
func (s *linkStack) runClimate(ctx context.Context) *climate.Report {
	if s.loop == nil {
		return nil
	}
	r := s.loop.Run(ctx)
	return &r
}

// Close releases the controller, the store and the recording
func (s *linkStack) Close() error {
	var errs []error
	if s.ctl != nil {
		errs = append(errs, s.ctl.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.rec != nil {
		errs = append(errs, s.rec.Close())
	}
	return errors.Join(errs...)
}
