// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	pingTimeout int
	pingCount   int
	pingCode    string
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trips with info requests",
	Long: `Connect to the unit, then send an info request and wait for the matching
data frame, repeatedly.

The request code defaults to 0x02 (settings). Other useful codes are 0x03
(room temperature), 0x06 (status) and 0x09 (standby). Each answer is decoded
and shown with its round-trip time.

Exit codes:
  0 - All requests answered
  1 - One or more requests failed or timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each request")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of requests to send")
	pingCmd.Flags().StringVar(&pingCode, "code", "0x02", "Info request code")
}

func runPing(cmd *cobra.Command, args []string) error {
	code, err := strconv.ParseUint(pingCode, 0, 8)
	if err != nil {
		return fmt.Errorf("invalid --code %q: %w", pingCode, err)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	timeout := time.Duration(pingTimeout) * time.Second

	fmt.Printf("cn105ctl - Info Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Request: %s (0x%02X)\n", cn105.FormatSubType(uint8(code)), code)
	fmt.Printf("Timeout: %d seconds per request\n", pingTimeout)
	fmt.Printf("Count: %d requests\n\n", pingCount)

	stream := streamFrames(conn)
	if _, err := conn.Write(cn105.BuildConnectPacket(false)); err != nil {
		fmt.Printf("SEND FAILED: %v\n", err)
		os.Exit(2)
	}
	ack, err := stream.wait(timeout, isConnectAck)
	if err != nil || ack == nil {
		fmt.Printf("Handshake failed: no connect acknowledgement\n")
		os.Exit(2)
	}

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Request %d/%d: ", i, pingCount)

		startTime := time.Now()
		if _, err := conn.Write(cn105.BuildInfoPacket(byte(code))); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		frame, err := stream.wait(timeout, func(f *cn105.Frame) bool {
			return f.Command() == cn105.CmdData && f.SubType() == uint8(code)
		})
		switch {
		case err != nil:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount++
		case frame == nil:
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		default:
			fmt.Printf("answered, rtt=%v\n", time.Since(startTime).Round(time.Millisecond))
			fmt.Print(cn105.FormatData(frame.Data()))
			successCount++
		}

		// The unit drops requests sent back to back
		if i < pingCount {
			time.Sleep(500 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d requests sent, %d answered, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
