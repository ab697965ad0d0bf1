// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/internal/api"
	"github.com/Thermoquad/cn105ctl/internal/publish"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	runRecord  string
	runNoHTTP  bool
	runClimate bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heat pump link as a daemon",
	Long: `Run the link controller until interrupted.

The daemon polls the unit, keeps its state, optionally runs the climate loop
after every polling cycle, and exposes the result through the configured
outputs:
  - HTTP API (http.enabled) for status and control
  - MQTT entity topics (mqtt.enabled)
  - Kafka event stream (kafka.enabled)

Use --record to keep a replayable recording of the link traffic.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runRecord, "record", "", "Record link traffic to a file")
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "Disable the HTTP API even when configured")
	runCmd.Flags().BoolVar(&runClimate, "climate", false, "Enable the climate loop (overrides control.enabled)")
}

// openSinks dials every enabled publication sink
func openSinks() (publish.Multi, error) {
	var sinks publish.Multi
	if cfg.MQTT.Enabled {
		m, err := publish.DialMQTT(cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, publish.DialKafka(cfg.Kafka))
		log.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("Publishing events to Kafka")
	}
	return sinks, nil
}

// publisher moves publication off the controller's timeline. Items are
// dropped when the sinks fall behind.
type publisher struct {
	sinks  publish.Multi
	states chan publish.State
	events chan publish.Event
}

func newPublisher(sinks publish.Multi) *publisher {
	return &publisher{
		sinks:  sinks,
		states: make(chan publish.State, 4),
		events: make(chan publish.Event, 256),
	}
}

func (p *publisher) state(s publish.State) {
	select {
	case p.states <- s:
	default:
		log.Debug("Dropped state publication")
	}
}

func (p *publisher) event(e publish.Event) {
	select {
	case p.events <- e:
	default:
		log.Debug("Dropped event publication")
	}
}

func (p *publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.states:
			if err := p.sinks.PublishState(ctx, s); err != nil {
				log.WithError(err).Warn("Failed to publish state")
			}
		case e := <-p.events:
			if err := p.sinks.PublishEvent(ctx, e); err != nil {
				log.WithError(err).Warn("Failed to publish event")
			}
		}
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stack, err := buildLink(ctx, runRecord, runClimate || cfg.Control.Enabled)
	if err != nil {
		return err
	}
	defer stack.Close()

	sinks, err := openSinks()
	if err != nil {
		return err
	}
	defer sinks.Close()

	session := uuid.NewString()
	if stack.rec != nil {
		session = stack.rec.Header().Session
	}
	log.WithFields(logrus.Fields{
		"connection": stack.connInfo,
		"session":    session,
	}).Info("Starting link")

	if len(sinks) > 0 {
		pub := newPublisher(sinks)
		go pub.run(ctx)

		stack.ctl.OnFrame = func(f *cn105.Frame, ev cn105.Events) {
			if ev != 0 {
				pub.event(publish.FrameEvent(session, f, ev))
			}
		}
		stack.ctl.OnCycleEnd = func() {
			report := stack.runClimate(ctx)
			snap := stack.ctl.State().Snapshot()
			pub.state(publish.State{
				Session:   session,
				Time:      time.Now(),
				Connected: snap.Connected,
				Settings:  snap.Settings,
				Status:    snap.Status,
				Timers:    snap.Timers,
				Climate:   report,
			})
		}
	} else {
		stack.ctl.OnCycleEnd = func() {
			stack.runClimate(ctx)
		}
	}

	var server *api.Server
	if cfg.HTTP.Enabled && !runNoHTTP {
		server = api.New(cfg.HTTP.Listen, stack.ctl, stack.loop, log)
		go func() {
			if err := server.Start(); err != nil {
				log.WithError(err).Error("HTTP API stopped")
				cancel()
			}
		}()
	}

	err = stack.ctl.Run(ctx, cfg.Link.TickInterval)

	if server != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if stopErr := server.Stop(stopCtx); stopErr != nil {
			log.WithError(stopErr).Warn("HTTP API shutdown failed")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("link stopped: %w", err)
	}
	log.Info("Shut down")
	return nil
}
