// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// palette holds the styles shared by the dashboards
type palette struct {
	title         lipgloss.Style
	dim           lipgloss.Style
	label         lipgloss.Style
	value         lipgloss.Style
	bad           lipgloss.Style
	warn          lipgloss.Style
	box           lipgloss.Style
	focusedBox    lipgloss.Style
	button        lipgloss.Style
	focusedButton lipgloss.Style
}

var styles = newPalette()

func newPalette() palette {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
	button := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	return palette{
		title:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Background(lipgloss.Color("235")).Padding(0, 1),
		dim:           lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:         lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		value:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		bad:           lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warn:          lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		box:           box,
		focusedBox:    box.BorderForeground(lipgloss.Color("12")),
		button:        button,
		focusedButton: button.Background(lipgloss.Color("10")),
	}
}

// field is one label/value cell of a stats line. The value is already styled.
type field struct {
	label string
	value string
}

// ok styles v as a healthy value
func (p palette) ok(label, v string) field { return field{label, p.value.Render(v)} }

// alarm styles v as an error when bad is set
func (p palette) alarm(label, v string, bad bool) field {
	if bad {
		return field{label, p.bad.Render(v)}
	}
	return field{label, p.value.Render(v)}
}

// line joins cells on one row
func (p palette) line(cells ...field) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = p.label.Render(c.label+":") + " " + c.value
	}
	return strings.Join(parts, "   ")
}

// panel renders content in a full-width box
func (p palette) panel(width int, content string) string {
	return p.box.Width(width - 4).Render(content)
}

// frameName names a frame by command and, for data frames, sub-type
func frameName(f *cn105.Frame) string {
	if f.Command() == cn105.CmdData {
		return cn105.FormatCommand(f.Command()) + "/" + cn105.FormatSubType(f.SubType())
	}
	return cn105.FormatCommand(f.Command())
}

// formatTemp renders a temperature, or a dash when unknown
func formatTemp(t float64) string {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return "-"
	}
	return fmt.Sprintf("%.1f°C", t)
}

type logEntry struct {
	at      time.Time
	message string
	isError bool
}

// eventLog keeps the newest entries up to a fixed count
type eventLog struct {
	entries []logEntry
	max     int
}

func newEventLog(max int) eventLog {
	return eventLog{max: max}
}

func (l *eventLog) add(at time.Time, message string, isError bool) {
	l.entries = append(l.entries, logEntry{at: at, message: message, isError: isError})
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// render shows the newest entries that fit in height lines
func (l eventLog) render(p palette, height int) string {
	if len(l.entries) == 0 {
		return p.dim.Render("  (no events yet)")
	}
	height = max(height, 5)
	start := max(len(l.entries)-height, 0)

	var b strings.Builder
	for _, e := range l.entries[start:] {
		b.WriteString(p.dim.Render(e.at.Format("01/02/06 15:04:05.000")))
		b.WriteString(" ")
		if e.isError {
			b.WriteString(p.bad.Render("✗ " + e.message))
		} else {
			b.WriteString(p.warn.Render("ℹ " + e.message))
		}
		b.WriteString("\n")
	}
	return b.String()
}
