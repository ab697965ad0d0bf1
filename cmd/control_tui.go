// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const controlRefresh = 500 * time.Millisecond

// Field keys
const (
	fieldPower       = "power"
	fieldMode        = "mode"
	fieldTemperature = "temperature"
	fieldFan         = "fan"
	fieldVane        = "vane"
	fieldWideVane    = "wide_vane"
	fieldRemote      = "remote"
)

// Focus states
const (
	focusFieldList = iota
	focusValueInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// settingField is one editable row. Table fields cycle through their names,
// the others take a number.
type settingField struct {
	key     string
	label   string
	table   *cn105.Table
	current string
	pending string
}

// Implement list.Item interface
func (f settingField) Title() string { return f.label }
func (f settingField) Description() string {
	if f.pending != "" {
		return fmt.Sprintf("%s -> %s", f.current, f.pending)
	}
	return f.current
}
func (f settingField) FilterValue() string { return f.key }

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	ctx      context.Context
	ctl      *heatpump.Controller
	loop     *climate.Loop
	connInfo string

	fields    []settingField
	fieldList list.Model
	pending   map[string]string

	valueInput   textinput.Model
	focusedField int

	snapshot  cn105.Snapshot
	info      heatpump.LinkInfo
	report    *climate.Report
	remote    float64
	hasRemote bool

	events eventLog

	width    int
	height   int
	quitting bool
	applying bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type controlBatchMsg struct {
	events []linkEvent
}

type applyResultMsg struct {
	applied []string
	err     error
}

type climateReportMsg climate.Report

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func newSettingFields() []settingField {
	table := func(t cn105.Table) *cn105.Table { return &t }
	return []settingField{
		{key: fieldPower, label: "Power", table: table(cn105.PowerTable)},
		{key: fieldMode, label: "Mode", table: table(cn105.ModeTable)},
		{key: fieldTemperature, label: "Setpoint"},
		{key: fieldFan, label: "Fan", table: table(cn105.FanTable)},
		{key: fieldVane, label: "Vane", table: table(cn105.VaneTable)},
		{key: fieldWideVane, label: "Wide vane", table: table(cn105.WideVaneTable)},
		{key: fieldRemote, label: "Remote temp"},
	}
}

func initialControlModel(ctx context.Context, stack *linkStack) controlModel {
	ti := textinput.New()
	ti.Placeholder = "22.5"
	ti.CharLimit = 6
	ti.Width = 8

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	fieldList := list.New([]list.Item{}, delegate, 30, 16)
	fieldList.Title = "Settings"
	fieldList.SetShowStatusBar(false)
	fieldList.SetShowHelp(false)
	fieldList.SetFilteringEnabled(false)

	m := controlModel{
		ctx:           ctx,
		ctl:           stack.ctl,
		loop:          stack.loop,
		connInfo:      stack.connInfo,
		fields:        newSettingFields(),
		fieldList:     fieldList,
		pending:       make(map[string]string),
		valueInput:    ti,
		focusedField:  focusFieldList,
		events:        newEventLog(100),
		width:         80,
		height:        24,
	}
	m.refresh()
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(controlRefresh, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		wasConnected := m.snapshot.Connected
		m.refresh()
		if wasConnected != m.snapshot.Connected {
			if m.snapshot.Connected {
				m.addLogEntry("Connected to unit", false)
			} else {
				m.addLogEntry("Connection lost - reconnecting...", true)
			}
		}
		return m, tea.Batch(controlTickCmd(), climateCmd(m.ctx, m.ctl, m.loop))

	case controlBatchMsg:
		for _, e := range msg.events {
			m.addLogEntryAt(e.at, e.message, e.isError)
		}

	case climateReportMsg:
		r := climate.Report(msg)
		m.report = &r

	case applyResultMsg:
		m.applying = false
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Failed to apply: %v", msg.err), true)
			break
		}
		m.addLogEntry("Applied "+strings.Join(msg.applied, " "), false)
		m.pending = make(map[string]string)
		m.refresh()
	}

	var cmd tea.Cmd
	if m.focusedField == focusValueInput {
		m.valueInput, cmd = m.valueInput.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.focusedField == focusValueInput {
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			m.setFocus(focusFieldList)
			return m, nil
		case "enter":
			return m.commitInput(), nil
		}
		var cmd tea.Cmd
		m.valueInput, cmd = m.valueInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focusedField == focusButton {
			m.setFocus(focusFieldList)
		} else {
			m.setFocus(focusButton)
		}

	case "left", "h":
		m.cycleValue(-1)

	case "right", "l":
		m.cycleValue(1)

	case "x":
		m.pending = make(map[string]string)
		m.refresh()
		m.addLogEntry("Discarded pending changes", false)

	case "enter":
		if m.focusedField == focusButton {
			return m.apply()
		}
		if f := m.selectedField(); f != nil && f.table == nil {
			m.valueInput.SetValue(m.pending[f.key])
			m.setFocus(focusValueInput)
		}

	case "up", "k", "down", "j":
		if m.focusedField == focusFieldList {
			m.fieldList, _ = m.fieldList.Update(msg)
		}
	}
	return m, nil
}

func (m *controlModel) setFocus(focus int) {
	m.focusedField = focus
	if focus == focusValueInput {
		m.valueInput.Focus()
	} else {
		m.valueInput.Blur()
	}
}

// cycleValue steps the selected table field through its names, starting from
// the pending or current value
func (m *controlModel) cycleValue(delta int) {
	if m.focusedField != focusFieldList {
		return
	}
	f := m.selectedField()
	if f == nil || f.table == nil {
		return
	}
	from := f.pending
	if from == "" {
		from = f.current
	}
	names := f.table.Names()
	i := f.table.Index(from)
	if i < 0 {
		i = 0
	} else {
		i = (i + delta + len(names)) % len(names)
	}
	m.setPending(f.key, names[i])
}

func (m *controlModel) commitInput() *controlModel {
	f := m.selectedField()
	value := strings.TrimSpace(m.valueInput.Value())
	if f != nil && value != "" {
		m.setPending(f.key, value)
	}
	m.valueInput.SetValue("")
	m.setFocus(focusFieldList)
	return m
}

func (m *controlModel) setPending(key, value string) {
	for _, f := range m.fields {
		if f.key == key && f.current == value {
			delete(m.pending, key)
			m.refresh()
			return
		}
	}
	m.pending[key] = value
	m.refresh()
}

func (m *controlModel) apply() (tea.Model, tea.Cmd) {
	if m.applying {
		return m, nil
	}
	changes, err := parseChanges(m.pending)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return m, nil
	}
	if changes.Empty() {
		m.addLogEntry("Nothing to apply", false)
		return m, nil
	}
	m.applying = true
	return m, applyCmd(m.ctx, m.ctl, m.loop, changes)
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	p := styles
	var s strings.Builder

	// Header
	s.WriteString(p.title.Render("CN105 CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if !m.snapshot.Connected {
		connStatus = p.warn.Render("CONNECTING...")
	}
	s.WriteString(p.dim.Render(fmt.Sprintf("| %s | q=quit Tab=apply x=discard", connStatus)))
	s.WriteString("\n\n")

	// Layout: left panel (fields) | right panel (unit)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := p.box.Width(leftWidth)
	if m.focusedField == focusFieldList {
		listStyle = p.focusedBox.Width(leftWidth)
	}
	var left strings.Builder
	left.WriteString(m.fieldList.View())
	left.WriteString("\n")
	if m.focusedField == focusValueInput {
		left.WriteString(p.label.Render("Value: "))
		left.WriteString(m.valueInput.View())
		left.WriteString("\n")
	}
	btnText := fmt.Sprintf("[ Apply %d ]", len(m.pending))
	if m.applying {
		btnText = "[ Applying... ]"
	}
	if m.focusedField == focusButton {
		left.WriteString(p.focusedButton.Render(btnText))
	} else {
		left.WriteString(p.button.Render(btnText))
	}
	fieldPanel := listStyle.Render(left.String())

	unitPanel := p.box.Width(rightWidth).Render(m.renderUnit(p))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, fieldPanel, " ", unitPanel))
	s.WriteString("\n\n")

	s.WriteString(p.panel(m.width, m.renderLinkBar(p)))
	s.WriteString("\n\n")

	s.WriteString(p.panel(m.width, m.renderRequests(p)))
	s.WriteString("\n\n")

	if m.loop != nil {
		s.WriteString(p.panel(m.width, m.renderClimate(p)))
		s.WriteString("\n\n")
	}

	s.WriteString(p.label.Render("EVENTS"))
	s.WriteString("\n")
	s.WriteString(p.panel(m.width, m.events.render(p, 8)))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderUnit(p palette) string {
	if !m.snapshot.Initialized {
		return p.dim.Render("Waiting for settings from the unit...")
	}
	st := m.snapshot.Settings
	status := m.snapshot.Status

	var s strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&s, "%s %s\n", p.label.Render(fmt.Sprintf("%-13s", label+":")), p.value.Render(value))
	}
	row("Power", st.Power)
	row("Mode", st.Mode)
	row("Setpoint", formatTemp(st.Temperature))
	row("Fan", st.Fan)
	row("Vane", st.Vane+" / "+st.WideVane)
	row("Room", formatTemp(status.RoomTemperature))
	if status.HasOutsideAirTemperature() {
		row("Outside", formatTemp(status.OutsideAirTemperature))
	}
	if m.hasRemote {
		row("Remote", formatTemp(m.remote))
	}
	operating := "idle"
	if status.Operating {
		operating = "running"
	}
	row("Compressor", fmt.Sprintf("%s %.0f Hz", operating, status.CompressorFrequency))
	row("Power use", fmt.Sprintf("%.0f W, %.1f kWh", status.InputPower, status.KWh))
	if t := m.snapshot.Timers; t.Mode != "" && t.Mode != cn105.TimerNone {
		row("Timers", fmt.Sprintf("%s on %d/%d off %d/%d min", t.Mode,
			t.OnMinutesRemain, t.OnMinutesSet, t.OffMinutesRemain, t.OffMinutesSet))
	}
	if m.snapshot.Pending {
		s.WriteString(p.dim.Render("(write pending)"))
	}
	return s.String()
}

func (m controlModel) renderLinkBar(p palette) string {
	stats := m.info.Stats
	stats.CalculateRates()

	errCount := "0"
	if n := stats.Errors(); n > 0 {
		errCount = fmt.Sprintf("%d (%.2f/s)", n, stats.ErrorRate)
	}
	lastCycle := "-"
	if m.info.LastCycle > 0 {
		lastCycle = m.info.LastCycle.Round(time.Millisecond).String()
	}
	return p.line(
		p.ok("Frames", fmt.Sprintf("%d", stats.TotalFrames)),
		p.alarm("Errors", errCount, stats.Errors() > 0),
		p.ok("Cycles", fmt.Sprintf("%d (%d timed out)", m.info.Cycles, m.info.TimedOutCycles)),
		p.ok("Last", lastCycle),
		p.ok("Reconnects", fmt.Sprintf("%d", m.info.Reconnects)),
	)
}

// renderRequests shows the polling table, one request per cell
func (m controlModel) renderRequests(p palette) string {
	var content strings.Builder
	content.WriteString(p.label.Render("POLLING"))
	for _, r := range m.info.Requests {
		if r.Disabled {
			continue
		}
		cell := fmt.Sprintf("0x%02X %s", r.Code, r.Name)
		switch {
		case r.Failures > 0:
			cell = p.bad.Render(fmt.Sprintf("%s %d/%d", cell, r.Failures, r.MaxFailures))
		case r.Awaiting:
			cell += "*"
		default:
			cell = p.dim.Render(cell)
		}
		content.WriteString("  ")
		content.WriteString(cell)
	}
	return content.String()
}

func (m controlModel) renderClimate(p palette) string {
	head := p.label.Render("CLIMATE") + " | "
	r := m.report
	switch {
	case r == nil || !r.Initialized:
		return head + p.dim.Render("waiting for the first run")
	case !r.Enabled:
		return head + p.dim.Render("off")
	}
	return head + p.line(
		p.ok("Target", formatTemp(r.Target)),
		p.ok("Room", formatTemp(r.Current)),
		p.ok("Sent", formatTemp(r.Corrected)),
		p.ok("Compressor", r.Decision),
		p.ok("Integral", fmt.Sprintf("%.2f", r.Integral)),
	)
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

// refresh pulls the latest state from the controller and rebuilds the rows
func (m *controlModel) refresh() {
	m.snapshot = m.ctl.State().Snapshot()
	m.info = m.ctl.Info()
	m.remote, m.hasRemote = m.ctl.RemoteTemperature()

	st := m.snapshot.Settings
	current := map[string]string{
		fieldPower:       st.Power,
		fieldMode:        st.Mode,
		fieldTemperature: fmt.Sprintf("%.1f", st.Temperature),
		fieldFan:         st.Fan,
		fieldVane:        st.Vane,
		fieldWideVane:    st.WideVane,
		fieldRemote:      "-",
	}
	if !m.snapshot.Initialized {
		for k := range current {
			current[k] = "-"
		}
	}
	if m.hasRemote {
		current[fieldRemote] = fmt.Sprintf("%.1f", m.remote)
	}
	if m.report != nil && m.report.Enabled {
		current[fieldTemperature] = fmt.Sprintf("%.1f", m.report.Target)
	}

	items := make([]list.Item, len(m.fields))
	for i := range m.fields {
		m.fields[i].current = current[m.fields[i].key]
		m.fields[i].pending = m.pending[m.fields[i].key]
		items[i] = m.fields[i]
	}
	m.fieldList.SetItems(items)
}

func (m *controlModel) selectedField() *settingField {
	idx := m.fieldList.Index()
	if idx < 0 || idx >= len(m.fields) {
		return nil
	}
	return &m.fields[idx]
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.addLogEntryAt(time.Now(), message, isError)
}

func (m *controlModel) addLogEntryAt(at time.Time, message string, isError bool) {
	m.events.add(at, message, isError)
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 8 {
		listHeight = 8
	}
	m.fieldList.SetSize(28, listHeight)
}
