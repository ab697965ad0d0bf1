// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

var errNoClimate = errors.New("closed-loop control is disabled")

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	State   cn105.Snapshot    `json:"state"`
	Link    heatpump.LinkInfo `json:"link"`
	Climate *climate.Report   `json:"climate,omitempty"`
}

// SettingsRequest changes any subset of the user settings
type SettingsRequest struct {
	Power       *string  `json:"power"`
	Mode        *string  `json:"mode"`
	Temperature *float64 `json:"temperature"`
	Fan         *string  `json:"fan"`
	Vane        *string  `json:"vane"`
	WideVane    *string  `json:"wide_vane"`
}

// RemoteTemperatureRequest sets or clears the external room reading
type RemoteTemperatureRequest struct {
	Temperature float64 `json:"temperature"`
}

// FunctionRequest changes one installer function code
type FunctionRequest struct {
	Code  int `json:"code" binding:"required"`
	Value int `json:"value"`
}

// ClimateRequest drives the closed loop
type ClimateRequest struct {
	Mode       *string  `json:"mode"`
	Target     *float64 `json:"target"`
	Aggressive *bool    `json:"aggressive_rounding"`
}

func (s *Server) health(c *gin.Context) {
	info := s.link.Info()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": info.Connected, "active": info.Active})
}

func (s *Server) getStatus(c *gin.Context) {
	resp := StatusResponse{
		State: s.link.State().Snapshot(),
		Link:  s.link.Info(),
	}
	if s.loop != nil {
		var report climate.Report
		if !s.onTimeline(c, func() { report = s.loop.Report() }) {
			return
		}
		resp.Climate = &report
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getLink(c *gin.Context) {
	c.JSON(http.StatusOK, s.link.Info())
}

// check resolves an optional table value, rejecting unknown names
func check(t cn105.Table, field string, v *string) error {
	if v == nil {
		return nil
	}
	resolved, ok := t.Resolve(*v)
	if !ok {
		return fmt.Errorf("invalid %s %q", field, *v)
	}
	*v = resolved
	return nil
}

func (s *Server) putSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := errors.Join(
		check(cn105.PowerTable, "power", req.Power),
		check(cn105.ModeTable, "mode", req.Mode),
		check(cn105.FanTable, "fan", req.Fan),
		check(cn105.VaneTable, "vane", req.Vane),
		check(cn105.WideVaneTable, "wide_vane", req.WideVane),
	); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Temperature != nil && !floats.Finite(*req.Temperature) {
		fail(c, http.StatusBadRequest, errors.New("invalid temperature"))
		return
	}

	state := s.link.State()
	ctx := c.Request.Context()
	ok := s.onTimeline(c, func() {
		if s.loop != nil {
			s.applyThroughLoop(ctx, req)
		} else {
			if req.Power != nil {
				state.SetPower(*req.Power)
			}
			if req.Mode != nil {
				state.SetMode(*req.Mode)
			}
			if req.Temperature != nil {
				state.SetTemperature(*req.Temperature)
			}
		}
		if req.Fan != nil {
			state.SetFan(*req.Fan)
		}
		if req.Vane != nil {
			state.SetVane(*req.Vane)
		}
		if req.WideVane != nil {
			state.SetWideVane(*req.WideVane)
		}
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, state.Snapshot())
}

// applyThroughLoop hands power, mode and setpoint to the climate loop so a
// power OFF is not undone by the next hysteresis pass
func (s *Server) applyThroughLoop(ctx context.Context, req SettingsRequest) {
	switch {
	case req.Power != nil && *req.Power == cn105.PowerOff:
		s.loop.SetMode(ctx, cn105.PowerOff)
	case req.Mode != nil:
		s.loop.SetMode(ctx, *req.Mode)
	case req.Power != nil && !s.loop.Enabled():
		s.loop.SetMode(ctx, s.link.State().Settings().Mode)
	}
	if req.Temperature != nil {
		s.loop.SetTarget(ctx, *req.Temperature)
	}
}

func (s *Server) putRemoteTemperature(c *gin.Context) {
	var req RemoteTemperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	sent := req.Temperature
	ok := s.onTimeline(c, func() {
		if s.loop != nil {
			sent = s.loop.Device().SetRemoteTemperature(req.Temperature)
			return
		}
		s.link.SetRemoteTemperature(req.Temperature)
		sent, _ = s.link.RemoteTemperature()
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"temperature": sent})
}

func (s *Server) getFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, s.link.State().Snapshot().Functions)
}

func (s *Server) putFunctions(c *gin.Context) {
	var req []FunctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	state := s.link.State()
	var err error
	ok := s.onTimeline(c, func() {
		for _, f := range req {
			if !state.SetFunction(f.Code, f.Value) {
				err = fmt.Errorf("unknown function code %d or value %d", f.Code, f.Value)
				return
			}
		}
		err = s.link.WriteFunctions()
	})
	if !ok {
		return
	}
	switch {
	case errors.Is(err, heatpump.ErrNotConnected):
		fail(c, http.StatusServiceUnavailable, err)
	case err != nil:
		fail(c, http.StatusConflict, err)
	default:
		c.JSON(http.StatusAccepted, state.Snapshot().Functions)
	}
}

func (s *Server) getClimate(c *gin.Context) {
	if s.loop == nil {
		fail(c, http.StatusNotFound, errNoClimate)
		return
	}
	var report climate.Report
	if !s.onTimeline(c, func() { report = s.loop.Report() }) {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) putClimate(c *gin.Context) {
	if s.loop == nil {
		fail(c, http.StatusNotFound, errNoClimate)
		return
	}
	var req ClimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Mode != nil && !isPowerOff(*req.Mode) {
		if err := check(cn105.ModeTable, "mode", req.Mode); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.Target != nil && !floats.Finite(*req.Target) {
		fail(c, http.StatusBadRequest, errors.New("invalid target"))
		return
	}

	ctx := c.Request.Context()
	var report climate.Report
	ok := s.onTimeline(c, func() {
		if req.Aggressive != nil {
			s.loop.Device().SetAggressiveRounding(*req.Aggressive)
		}
		if req.Mode != nil {
			s.loop.SetMode(ctx, *req.Mode)
		}
		if req.Target != nil {
			s.loop.SetTarget(ctx, *req.Target)
		}
		report = s.loop.Run(ctx)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func isPowerOff(mode string) bool {
	v, ok := cn105.PowerTable.Resolve(mode)
	return ok && v == cn105.PowerOff
}
