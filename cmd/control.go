// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	controlRecord  string
	controlClimate bool
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling a heat pump",
	Long: `Control a Mitsubishi heat pump via an interactive terminal UI.

The link controller runs the regular polling cycle against the unit while the
TUI shows its settings, status and link health.

Features:
  - Edit power, mode, setpoint, fan and vanes, then apply them in one write
  - Feed an external room temperature to the unit
  - Optional closed-loop climate control (--climate)
  - Link statistics and event log
  - Automatic reconnection on connection loss

Up/Down selects a setting, Left/Right cycles its value, Enter edits numbers.
Tab moves to the Apply button.

Supports both serial and WebSocket connections.`,
	Annotations: map[string]string{"tui": "true"},
	RunE:        runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().StringVar(&controlRecord, "record", "", "Record link traffic to a file")
	controlCmd.Flags().BoolVar(&controlClimate, "climate", false, "Run the climate loop after every polling cycle")
}

// linkEvent is one entry of the controller's event stream
type linkEvent struct {
	at      time.Time
	message string
	isError bool
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stack, err := buildLink(ctx, controlRecord, controlClimate || cfg.Control.Enabled)
	if err != nil {
		return err
	}
	defer stack.Close()

	events := make(chan linkEvent, 256)
	push := func(e linkEvent) {
		select {
		case events <- e:
		default:
		}
	}
	stack.ctl.OnFrame = func(f *cn105.Frame, ev cn105.Events) {
		if ev == 0 {
			return
		}
		push(linkEvent{at: f.Timestamp(), message: fmt.Sprintf("%s: %s", frameName(f), ev)})
	}
	stack.ctl.OnSend = func(packet []byte) {
		if len(packet) > 1 && packet[1] == cn105.CmdSet {
			push(linkEvent{at: time.Now(), message: "TX " + cn105.FormatBytes(packet)})
		}
	}
	stack.ctl.OnCycleEnd = func() {
		stack.runClimate(ctx)
	}

	go func() {
		if err := stack.ctl.Run(ctx, cfg.Link.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
			push(linkEvent{at: time.Now(), message: fmt.Sprintf("link stopped: %v", err), isError: true})
		}
	}()

	m := initialControlModel(ctx, stack)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	// Batch events to the TUI at a fixed rate
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var batch controlBatchMsg
			drain:
				for {
					select {
					case e := <-events:
						batch.events = append(batch.events, e)
					default:
						break drain
					}
				}
				if len(batch.events) > 0 {
					p.Send(batch)
				}
			}
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// ===== Pending changes =====

// settingChanges is a parsed set of edits. Nil fields are left alone.
type settingChanges struct {
	Power       *string
	Mode        *string
	Temperature *float64
	Fan         *string
	Vane        *string
	WideVane    *string
	Remote      *float64
}

// Empty reports whether nothing was edited
func (c settingChanges) Empty() bool {
	return c == settingChanges{}
}

// parseChanges validates the edited field values keyed by field key
func parseChanges(pending map[string]string) (settingChanges, error) {
	var c settingChanges
	var errs []error

	name := func(t cn105.Table, key string) *string {
		v, ok := pending[key]
		if !ok {
			return nil
		}
		resolved, ok := t.Resolve(v)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid %s %q", key, v))
			return nil
		}
		return &resolved
	}
	number := func(key string) *float64 {
		v, ok := pending[key]
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q", key, v))
			return nil
		}
		return &f
	}

	c.Power = name(cn105.PowerTable, fieldPower)
	c.Mode = name(cn105.ModeTable, fieldMode)
	c.Temperature = number(fieldTemperature)
	c.Fan = name(cn105.FanTable, fieldFan)
	c.Vane = name(cn105.VaneTable, fieldVane)
	c.WideVane = name(cn105.WideVaneTable, fieldWideVane)
	c.Remote = number(fieldRemote)
	return c, errors.Join(errs...)
}

// applyChanges writes c to the unit. It must run on the controller's
// timeline. With a climate loop, power, mode and setpoint go through the loop
// so it keeps control of the compressor.
func applyChanges(ctx context.Context, state *cn105.StateStore, link climate.Link, loop *climate.Loop, c settingChanges) []string {
	var applied []string
	note := func(format string, args ...any) {
		applied = append(applied, fmt.Sprintf(format, args...))
	}

	if loop != nil {
		if c.Power != nil && *c.Power == cn105.PowerOff {
			loop.SetMode(ctx, cn105.PowerOff)
			note("climate off")
		} else if c.Mode != nil || (c.Power != nil && !loop.Enabled()) {
			mode := state.Settings().Mode
			if c.Mode != nil {
				mode = *c.Mode
			}
			note("climate mode=%s", loop.SetMode(ctx, mode))
		}
		if c.Temperature != nil {
			note("target=%.1f", loop.SetTarget(ctx, *c.Temperature))
		}
	} else {
		if c.Power != nil {
			note("power=%s", state.SetPower(*c.Power))
		}
		if c.Mode != nil {
			note("mode=%s", state.SetMode(*c.Mode))
		}
		if c.Temperature != nil {
			note("temperature=%.1f", state.SetTemperature(*c.Temperature))
		}
	}

	if c.Fan != nil {
		note("fan=%s", state.SetFan(*c.Fan))
	}
	if c.Vane != nil {
		note("vane=%s", state.SetVane(*c.Vane))
	}
	if c.WideVane != nil {
		note("wide_vane=%s", state.SetWideVane(*c.WideVane))
	}
	if c.Remote != nil {
		if loop != nil {
			note("remote=%.1f", loop.Device().SetRemoteTemperature(*c.Remote))
		} else {
			link.SetRemoteTemperature(*c.Remote)
			note("remote=%.1f", *c.Remote)
		}
	}
	return applied
}

// applyCmd applies changes on the timeline without blocking the TUI
func applyCmd(ctx context.Context, ctl *heatpump.Controller, loop *climate.Loop, c settingChanges) tea.Cmd {
	return func() tea.Msg {
		var applied []string
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := ctl.Do(opCtx, func() {
			applied = applyChanges(ctx, ctl.State(), ctl, loop, c)
		})
		return applyResultMsg{applied: applied, err: err}
	}
}

// climateCmd reads the last climate report on the timeline
func climateCmd(ctx context.Context, ctl *heatpump.Controller, loop *climate.Loop) tea.Cmd {
	if loop == nil {
		return nil
	}
	return func() tea.Msg {
		var r climate.Report
		opCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := ctl.Do(opCtx, func() { r = loop.Report() }); err != nil {
			return nil
		}
		return climateReportMsg(r)
	}
}
