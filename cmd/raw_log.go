// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/internal/framelog"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var rawLogRecord string

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display CN105 frames as they arrive.

The command only listens; run it on a tap of a line driven by another
controller, or next to "cn105ctl control". Each frame is shown with timestamp,
command, sub-type and decoded data.

With --record the received bytes are also written to a CBOR recording that
"cn105ctl replay" can play back.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogRecord, "record", "", "Write received bytes to a recording file")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	t, err := resolveTransport()
	if err != nil {
		return err
	}
	conn, err := t.open()
	if err != nil {
		return err
	}
	rec, err := openRecorder(rawLogRecord, t)
	if err != nil {
		conn.Close()
		return err
	}
	if rec != nil {
		defer rec.Close()
		conn = framelog.NewTap(conn, rec)
	}
	defer conn.Close()

	fmt.Printf("cn105ctl - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", t)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := cn105.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			frame, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if frame != nil {
				fmt.Print(cn105.FormatFrame(frame))
			}
		}
		if err != nil {
			// A closed bridge or unplugged adapter does not come back
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Info("Connection closed")
				return nil
			}
			log.WithError(err).Warn("Read error")
		}
	}
}
