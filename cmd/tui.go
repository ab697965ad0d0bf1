// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// model is the error-detection dashboard
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *cn105.Statistics
	state         *cn105.StateStore // shadow of what the unit reported
	lastData      time.Time
	events        eventLog
	synchronized  bool
	invalidBytes  int
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type serialDataMsg struct {
	frame            *cn105.Frame
	decodeErr        error
	validationErrors []cn105.ValidationError
}
type syncMsg struct {
	invalidBytes int
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         cn105.NewStatistics(),
		state:         cn105.NewStateStore(),
		events:        newEventLog(100),
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case serialDataMsg:
		m.handleData(msg)
	}

	return m, nil
}

func (m *model) handleData(msg serialDataMsg) {
	if msg.decodeErr != nil {
		if m.synchronized {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		}
		return
	}
	if msg.frame == nil {
		return
	}

	m.stats.Update(msg.frame, nil, msg.validationErrors)
	name := frameName(msg.frame)

	if len(msg.validationErrors) > 0 {
		for _, err := range msg.validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", name, err.Message), true)
		}
		return
	}

	if msg.frame.Command() == cn105.CmdData {
		m.lastData = msg.frame.Timestamp()
		if _, err := m.state.Apply(msg.frame); err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", name, err), true)
			return
		}
	}
	if m.showAll {
		m.addLogEntry(fmt.Sprintf("%s (valid)", name), false)
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	m.events.add(time.Now(), message, isError)
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}
	p := styles

	var s strings.Builder
	s.WriteString(p.title.Render("CN105CTL - ERROR DETECTION"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(p.dim.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case !m.synchronized:
		s.WriteString(p.warn.Render("⏳ Waiting for synchronization..."))
	case m.invalidBytes > 0:
		s.WriteString(p.value.Render("✓ Synchronized") + p.dim.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
	default:
		s.WriteString(p.value.Render("✓ Synchronized"))
	}
	s.WriteString("\n\n")

	s.WriteString(p.box.Render(m.renderStats(p)))
	s.WriteString("\n\n")

	if !m.lastData.IsZero() {
		s.WriteString(p.label.Render("Latest Unit State:"))
		s.WriteString(p.dim.Render(" " + m.lastData.Format("15:04:05")))
		s.WriteString("\n")
		s.WriteString(p.box.Render(m.renderShadow(p)))
		s.WriteString("\n\n")
	}

	s.WriteString(p.label.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(p.panel(m.width, m.events.render(p, m.height-18)))
	return s.String()
}

// renderStats shows the counters, adding a breakdown row only for error
// classes that have occurred
func (m model) renderStats(p palette) string {
	st := m.stats
	st.CalculateRates()
	percent := func(n uint64) float64 {
		if st.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100 / float64(st.TotalFrames)
	}

	rows := []string{p.line(
		p.ok("Total", fmt.Sprintf("%d", st.TotalFrames)),
		p.ok("Valid", fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, percent(st.ValidFrames))),
		p.alarm("Errors", fmt.Sprintf("%d (%.1f%%)", st.Errors(), percent(st.Errors())), true),
	)}
	if st.ChecksumErrors+st.FramingErrors+st.DecodeErrors > 0 {
		rows = append(rows, p.line(
			p.alarm("Checksum", fmt.Sprintf("%d", st.ChecksumErrors), true),
			p.alarm("Framing", fmt.Sprintf("%d", st.FramingErrors), true),
			p.alarm("Decode", fmt.Sprintf("%d", st.DecodeErrors), true),
		))
	}
	if st.MalformedFrames > 0 {
		rows = append(rows, p.line(p.alarm("Malformed", fmt.Sprintf("%d", st.MalformedFrames), true))+
			p.dim.Render(fmt.Sprintf(" (length mismatches: %d, unknown: %d)", st.LengthMismatches, st.UnknownFrames)))
	}
	if st.AnomalousValues > 0 {
		rows = append(rows, p.line(field{"Anomalous", p.warn.Render(fmt.Sprintf("%d", st.AnomalousValues))})+
			p.dim.Render(fmt.Sprintf(" (invalid temp: %d, invalid value: %d)", st.InvalidTemp, st.InvalidValue)))
	}
	rows = append(rows, p.line(
		p.ok("Frame Rate", fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		p.alarm("Error Rate", fmt.Sprintf("%.1f err/s", st.ErrorRate), st.ErrorRate > 0),
	))
	return strings.Join(rows, "\n")
}

// renderShadow shows what the passive decoder has learned about the unit
func (m model) renderShadow(p palette) string {
	snap := m.state.Snapshot()
	var rows []string
	if snap.Initialized {
		cur := snap.Current
		rows = append(rows,
			p.line(p.ok("Power", cur.Power), p.ok("Mode", cur.Mode), p.ok("Setpoint", formatTemp(cur.Temperature))),
			p.line(p.ok("Fan", cur.Fan), p.ok("Vane", cur.Vane), p.ok("Wide vane", cur.WideVane)),
		)
	}
	rows = append(rows, p.line(
		p.ok("Room", formatTemp(snap.Status.RoomTemperature)),
		p.ok("Outside", formatTemp(snap.Status.OutsideAirTemperature)),
		p.ok("Compressor", fmt.Sprintf("%.0f Hz", snap.Status.CompressorFrequency)),
	))
	return strings.Join(rows, "\n")
}
