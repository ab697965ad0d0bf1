// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/internal/config"
)

func TestNew_JSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(config.LogConfig{Level: "debug", Format: "json"}, Options{Console: &buf})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	log.WithField("code", 2).Debug("info request")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info request", line["msg"])
	assert.Equal(t, float64(2), line["code"])
}

func TestNew_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cn105ctl.log")
	var buf bytes.Buffer
	log, closer, err := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, Options{Console: &buf, Quiet: true})
	require.NoError(t, err)

	log.Info("connected to unit")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connected to unit")
	assert.Empty(t, buf.String(), "quiet keeps the console clean")
}

func TestNew_BadConfig(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, Options{})
	assert.Error(t, err)

	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"}, Options{})
	assert.Error(t, err)
}
