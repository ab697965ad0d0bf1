// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	handshakeTimeout   int
	handshakeInstaller bool
)

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Perform the CN105 connect handshake",
	Long: `Send a connect request and wait for the unit's connect acknowledgement.

Modes:
  Normal (default):     Send CONNECT (0x5A), expect CONNECT_ACK (0x7A).
  Installer (--installer): Send CONNECT_INSTALLER (0x5B), expect 0x7B.
                        Installer mode unlocks the function table.

Examples:
  cn105ctl handshake --port /dev/ttyUSB0
  cn105ctl handshake --url ws://bridge.local/uart --installer

Exit codes:
  0 - Unit acknowledged the connection
  1 - No acknowledgement before timeout
  2 - Connection error`,
	RunE: runHandshake,
}

func init() {
	rootCmd.AddCommand(handshakeCmd)
	handshakeCmd.Flags().IntVar(&handshakeTimeout, "timeout", 5, "Timeout in seconds for the acknowledgement")
	handshakeCmd.Flags().BoolVar(&handshakeInstaller, "installer", false, "Use the installer connect request")
}

// frameStream decodes a connection on its own goroutine for the lifetime
// of a command
type frameStream struct {
	frames chan *cn105.Frame
	errs   chan error
}

func streamFrames(conn Connection) *frameStream {
	s := &frameStream{frames: make(chan *cn105.Frame, 16), errs: make(chan error, 1)}
	go func() {
		decoder := cn105.NewDecoder()
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			for j := 0; j < n; j++ {
				frame, decodeErr := decoder.DecodeByte(buf[j])
				if decodeErr == nil && frame != nil {
					s.frames <- frame
				}
			}
			if err != nil {
				s.errs <- err
				return
			}
		}
	}()
	return s
}

// wait returns the first frame match accepts. A nil frame and nil error
// mean the timeout expired.
func (s *frameStream) wait(timeout time.Duration, match func(*cn105.Frame) bool) (*cn105.Frame, error) {
	deadline := time.After(timeout)
	for {
		select {
		case frame := <-s.frames:
			if match(frame) {
				return frame, nil
			}
		case err := <-s.errs:
			return nil, err
		case <-deadline:
			return nil, nil
		}
	}
}

func isConnectAck(f *cn105.Frame) bool {
	return f.Command() == cn105.CmdConnectAck || f.Command() == cn105.CmdConnectInstallerAck
}

func runHandshake(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	mode := "normal"
	want := byte(cn105.CmdConnectAck)
	if handshakeInstaller {
		mode = "installer"
		want = cn105.CmdConnectInstallerAck
	}

	fmt.Printf("cn105ctl - Connect Handshake\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Mode: %s\n", mode)
	fmt.Printf("Timeout: %d seconds\n\n", handshakeTimeout)

	stream := streamFrames(conn)
	packet := cn105.BuildConnectPacket(handshakeInstaller)
	fmt.Printf("Sending %s\n", cn105.FormatBytes(packet))
	start := time.Now()
	if _, err := conn.Write(packet); err != nil {
		fmt.Printf("SEND FAILED: %v\n", err)
		os.Exit(2)
	}

	frame, err := stream.wait(time.Duration(handshakeTimeout)*time.Second, isConnectAck)
	switch {
	case err != nil:
		fmt.Printf("READ FAILED: %v\n", err)
		os.Exit(2)
	case frame == nil:
		fmt.Printf("TIMEOUT: No connect acknowledgement in %ds\n", handshakeTimeout)
		fmt.Printf("Check wiring, 8E1 framing and that the unit is powered.\n")
		os.Exit(1)
	}

	fmt.Printf("Acknowledged: %s (0x%02X) after %v\n",
		cn105.FormatCommand(frame.Command()), frame.Command(), time.Since(start).Round(time.Millisecond))
	if frame.Command() != want {
		fmt.Printf("Note: unit did not answer in %s mode\n", mode)
	}
	return nil
}
