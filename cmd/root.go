// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Thermoquad/cn105ctl/internal/config"
	"github.com/Thermoquad/cn105ctl/internal/logger"
)

var (
	cfgFile string

	// Transport flags; bound to the matching config keys
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	logLevel      string

	v         = config.New()
	cfg       *config.Config
	log       = logrus.New()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "cn105ctl",
	Short: "Mitsubishi CN105 heat pump controller",
	Long: `cn105ctl - talk to Mitsubishi indoor units over the CN105 service port.

Provides a link daemon with optional closed-loop room control, an interactive
control panel and diagnostic commands for raw frame logging, error detection
and link tests.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 2400]   (8E1)
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from websocket.password in
the config, the CN105_PASSWORD environment variable, or prompted interactively.
The --password flag is intentionally not provided to avoid leaking credentials
in shell history.

Every setting can be given in a YAML file (--config) or as CN105_* environment
variables, e.g. CN105_LINK_UPDATE_INTERVAL=5s.`,
	Version:           "0.4.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")

	pf.StringVarP(&portName, "port", "p", "", "Serial port device")
	pf.IntVarP(&baudRate, "baud", "b", 2400, "Baud rate (serial only)")
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	bind := map[string]string{
		"serial.port":        "port",
		"serial.baud":        "baud",
		"websocket.url":      "url",
		"websocket.username": "username",
		"log.level":          "log-level",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// loadConfig resolves the configuration and builds the logger before any
// subcommand runs
func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	// TUIs own the terminal; their logs only go to the configured file
	opts := logger.Options{}
	if cmd.Annotations["tui"] == "true" {
		opts.Console = io.Discard
	}
	log, logCloser, err = logger.New(cfg.Log, opts)
	if err != nil {
		return err
	}
	if cfgFile != "" {
		log.WithField("file", v.ConfigFileUsed()).Debug("Loaded config")
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// viperInstance exposes the bound viper for the config command
func viperInstance() *viper.Viper {
	return v
}
