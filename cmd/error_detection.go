// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
	pollUnit      bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and errors",
	Long: `Track frame errors, malformed data, and anomalous values with statistics.

This command validates each frame and detects:
  - Checksum errors and framing failures
  - Malformed frames (length mismatches, unknown commands or sub-types)
  - Anomalous values (unknown table bytes, implausible temperatures)
  - Statistics and trends (frame rate, error rate, success rate)

By default the line is only listened to. With --poll the unit is driven by the
regular link controller, so it answers the standard polling cycle while the
received bytes are analyzed.

By default, only errors are displayed. Use --show-all to display valid frames too.`,
	Annotations: map[string]string{"tui": "true"},
	RunE:        runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	errorDetectionCmd.Flags().BoolVar(&pollUnit, "poll", false, "Drive the unit with the link controller while analyzing")
}

// teeConn hands a copy of every chunk read from a port to a channel
type teeConn struct {
	Connection
	out chan<- []byte
}

func (t *teeConn) Read(p []byte) (int, error) {
	n, err := t.Connection.Read(p)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		select {
		case t.out <- chunk:
		default:
		}
	}
	return n, err
}

// openByteSource starts delivering received chunks. The returned stop
// function releases the port.
func openByteSource(ctx context.Context) (<-chan []byte, string, func(), error) {
	t, err := resolveTransport()
	if err != nil {
		return nil, "", nil, err
	}
	data := make(chan []byte, 64)

	if pollUnit {
		open := func() (io.ReadWriteCloser, error) {
			conn, err := t.open()
			if err != nil {
				return nil, err
			}
			return &teeConn{Connection: conn, out: data}, nil
		}
		ctl := heatpump.New(open, cn105.NewStateStore(), nil, cfg.LinkOptions(), log)
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := ctl.Run(runCtx, cfg.Link.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Link controller stopped")
			}
		}()
		return data, t.String() + " (polling)", cancel, nil
	}

	conn, err := t.open()
	if err != nil {
		return nil, "", nil, err
	}
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				data <- chunk
			}
			if err != nil {
				if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
					return
				}
				log.WithError(err).Warn("Read error")
			}
		}
	}()
	return data, t.String(), func() { conn.Close() }, nil
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	data, connInfo, stop, err := openByteSource(ctx)
	if err != nil {
		return err
	}
	defer stop()

	if useTUI {
		return runTUIMode(data, connInfo)
	}
	return runTextMode(ctx, data, connInfo)
}

// syncTracker ignores decode errors until the first valid frame
type syncTracker struct {
	decoder      *cn105.Decoder
	synchronized bool
	rejected     int
}

// feed decodes one chunk; onSync fires once with the number of bytes and
// frames thrown away before the first valid frame
func (s *syncTracker) feed(chunk []byte, onSync func(int), onData func(serialDataMsg)) {
	for _, b := range chunk {
		frame, decodeErr := s.decoder.DecodeByte(b)
		switch {
		case decodeErr != nil:
			if s.synchronized {
				onData(serialDataMsg{decodeErr: decodeErr})
			} else {
				s.rejected++
			}
		case frame != nil:
			if !s.synchronized {
				s.synchronized = true
				onSync(s.decoder.Skipped() + s.rejected)
			}
			onData(serialDataMsg{frame: frame, validationErrors: cn105.ValidateFrame(frame)})
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *cn105.Frame, errs []cn105.ValidationError) {
	timestamp := frame.Timestamp().Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, frameName(frame), frame.Command())
	fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case cn105.AnomalyLengthMismatch, cn105.AnomalyUnknownCommand, cn105.AnomalyUnknownSubType:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case cn105.AnomalyInvalidValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if field, ok := err.Details["field"].(string); ok {
				fmt.Printf("    Field: %s\n", field)
			}

		case cn105.AnomalyInvalidTemp:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Printf("  Raw: %s\n", cn105.FormatBytes(frame.Bytes()))
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(data <-chan []byte, connInfo string) error {
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		tracker := &syncTracker{decoder: cn105.NewDecoder()}
		for chunk := range data {
			tracker.feed(chunk,
				func(skipped int) { p.Send(syncMsg{invalidBytes: skipped}) },
				func(msg serialDataMsg) { p.Send(msg) },
			)
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(ctx context.Context, data <-chan []byte, connInfo string) error {
	fmt.Printf("cn105ctl - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := cn105.NewStatistics()
	tracker := &syncTracker{decoder: cn105.NewDecoder()}

	onSync := func(skipped int) {
		if skipped > 0 {
			fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", skipped)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}
	}
	onData := func(msg serialDataMsg) {
		if msg.decodeErr != nil {
			stats.Update(nil, msg.decodeErr, nil)
			printDecodeError(msg.decodeErr)
			return
		}
		stats.Update(msg.frame, nil, msg.validationErrors)
		switch {
		case len(msg.validationErrors) > 0:
			printValidationErrors(msg.frame, msg.validationErrors)
		case showAll:
			fmt.Print(cn105.FormatFrame(msg.frame))
		}
	}

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case chunk := <-data:
			tracker.feed(chunk, onSync, onData)

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
