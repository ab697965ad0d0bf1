// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package api serves the link state and accepts setting changes over HTTP.
//
// Reads come from the thread-safe state store and the controller's published
// info. Every change is applied on the controller's timeline through Do.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// Link is the part of the link controller the API drives
type Link interface {
	Do(ctx context.Context, fn func()) error
	Info() heatpump.LinkInfo
	State() *cn105.StateStore
	SetRemoteTemperature(t float64)
	RemoteTemperature() (float64, bool)
	WriteFunctions() error
}

// Server is the HTTP front of one link
type Server struct {
	link   Link
	loop   *climate.Loop
	log    logrus.FieldLogger
	router *gin.Engine
	server *http.Server
}

// New builds the server. loop is nil when closed-loop control is off.
func New(listen string, link Link, loop *climate.Loop, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		link: link,
		loop: loop,
		log:  log.WithField("component", "api"),
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLog())
	s.routes()

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/link", s.getLink)
		v1.PUT("/settings", s.putSettings)
		v1.PUT("/remote-temperature", s.putRemoteTemperature)
		v1.GET("/functions", s.getFunctions)
		v1.PUT("/functions", s.putFunctions)
		v1.GET("/climate", s.getClimate)
		v1.PUT("/climate", s.putClimate)
	}
}

// Handler returns the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop. A normal shutdown returns nil.
func (s *Server) Start() error {
	s.log.WithField("address", s.server.Addr).Info("HTTP API listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("HTTP API stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

// ===== Responses =====

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// onTimeline runs fn through the controller and maps its failure to a status
func (s *Server) onTimeline(c *gin.Context, fn func()) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.link.Do(ctx, fn); err != nil {
		status := http.StatusGatewayTimeout
		if errors.Is(err, heatpump.ErrPortClosed) {
			status = http.StatusServiceUnavailable
		}
		fail(c, status, err)
		return false
	}
	return true
}
