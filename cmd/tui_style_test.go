// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// ============================================================
// Event log
// ============================================================

func TestEventLog_KeepsNewest(t *testing.T) {
	l := newEventLog(3)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.add(at.Add(time.Duration(i)*time.Second), fmt.Sprintf("event %d", i), i%2 == 0)
	}

	require.Len(t, l.entries, 3)
	assert.Equal(t, "event 2", l.entries[0].message)
	assert.Equal(t, "event 4", l.entries[2].message)
}

func TestEventLog_RenderFitsHeight(t *testing.T) {
	l := newEventLog(100)
	assert.Contains(t, l.render(styles, 10), "no events yet")

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		l.add(at, fmt.Sprintf("event %02d", i), false)
	}

	out := l.render(styles, 6)
	assert.Equal(t, 6, strings.Count(out, "\n"))
	assert.Contains(t, out, "event 19")
	assert.NotContains(t, out, "event 13")

	out = l.render(styles, 1)
	assert.Equal(t, 5, strings.Count(out, "\n"), "at least five lines are shown")
}

// ============================================================
// Formatting
// ============================================================

func TestFormatTemp(t *testing.T) {
	assert.Equal(t, "21.5°C", formatTemp(21.5))
	assert.Equal(t, "-", formatTemp(math.NaN()))
	assert.Equal(t, "-", formatTemp(math.Inf(1)))
}

func TestFrameName(t *testing.T) {
	data := make([]byte, cn105.DataLength)
	data[0] = cn105.InfoSettings
	assert.Equal(t, cn105.FormatCommand(cn105.CmdData)+"/"+cn105.FormatSubType(cn105.InfoSettings),
		frameName(cn105.NewFrame(cn105.CmdData, data)))
	assert.Equal(t, cn105.FormatCommand(cn105.CmdSetAck),
		frameName(cn105.NewFrame(cn105.CmdSetAck, make([]byte, cn105.DataLength))))
}

func TestPaletteLine(t *testing.T) {
	out := styles.line(styles.ok("Frames", "12"), styles.alarm("Errors", "0", false))
	assert.Contains(t, out, "Frames:")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "Errors:")
}
