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
	packetTestTimeout int
	packetTestPassive bool
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid CN105 frame",
	Long: `Wait for a valid CN105 frame on the connection until timeout.

The unit only speaks when spoken to, so by default a connect request is sent
first. With --passive nothing is sent and the command just listens, which is
useful on a line another controller is already driving. Invalid bytes are
skipped until a complete frame with a correct checksum arrives.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	packetTestCmd.Flags().BoolVar(&packetTestPassive, "passive", false, "Listen only, do not send a connect request")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("cn105ctl - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)

	if !packetTestPassive {
		if _, err := conn.Write(cn105.BuildConnectPacket(false)); err != nil {
			fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("Sent connect request\n")
	}
	fmt.Printf("Waiting for valid CN105 frame...\n\n")

	frameChan := make(chan *cn105.Frame, 1)
	errChan := make(chan error, 1)

	go func() {
		decoder := cn105.NewDecoder()
		buf := make([]byte, 128)
		rejected := 0
		for {
			n, err := conn.Read(buf)
			for i := 0; i < n; i++ {
				frame, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					rejected++
					continue
				}
				if frame != nil {
					if skipped := decoder.Skipped(); skipped > 0 || rejected > 0 {
						fmt.Printf("(skipped %d bytes, rejected %d frames before sync)\n", skipped, rejected)
					}
					frameChan <- frame
					return
				}
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Command: %s (0x%02X)\n", cn105.FormatCommand(frame.Command()), frame.Command())
		fmt.Printf("  Length: %d bytes\n", frame.Length())
		fmt.Printf("  Checksum: 0x%02X\n", frame.Checksum())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
