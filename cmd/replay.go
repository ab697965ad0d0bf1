// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/cn105ctl/internal/framelog"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

var (
	replayTX    bool
	replayQuiet bool
	replayJSON  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <recording>",
	Short: "Decode a recorded link session offline",
	Long: `Replay a recording made with --record.

Received bytes are decoded and folded into a fresh state store the same way
the link controller does, then the final unit state is printed. Use --tx to
also show the requests that were sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayTX, "tx", false, "Show transmitted frames")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print the summary")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the summary as JSON")
}

// replayOptions selects what replay prints while it runs
type replayOptions struct {
	ShowTX bool
	Quiet  bool
}

// replaySummary is the outcome of a replay
type replaySummary struct {
	Session  string            `json:"session"`
	Source   string            `json:"source,omitempty"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Records  int               `json:"records"`
	RXFrames uint64            `json:"rx_frames"`
	TXFrames int               `json:"tx_frames"`
	Errors   uint64            `json:"errors"`
	Stats    *cn105.Statistics `json:"stats"`
	State    cn105.Snapshot    `json:"state"`
}

// replay decodes every record of r, printing frames to out
func replay(r io.Reader, out io.Writer, opts replayOptions) (*replaySummary, error) {
	reader, err := framelog.NewReader(r)
	if err != nil {
		return nil, err
	}
	h := reader.Header()

	var at time.Time
	state := cn105.NewStateStore()
	state.SetClock(func() time.Time { return at })
	stats := cn105.NewStatistics()
	rx := cn105.NewDecoder()
	tx := cn105.NewDecoder()

	sum := &replaySummary{Session: h.Session, Source: h.Source, Started: h.Started, Stats: stats}
	last := h.Started

	err = reader.Each(func(rec framelog.Record) error {
		sum.Records++
		at = rec.Time
		last = rec.Time

		if rec.Dir == framelog.TX {
			frames, _ := tx.Decode(rec.Data)
			sum.TXFrames += len(frames)
			if opts.ShowTX && !opts.Quiet {
				for _, f := range frames {
					printReplayFrame(out, rec, f, 0)
				}
			}
			return nil
		}

		for _, b := range rec.Data {
			f, decodeErr := rx.DecodeByte(b)
			if decodeErr != nil {
				stats.Update(nil, decodeErr, nil)
				if !opts.Quiet {
					fmt.Fprintf(out, "[%s] RX error: %v\n", rec.Time.Format("15:04:05.000"), decodeErr)
				}
				continue
			}
			if f == nil {
				continue
			}
			stats.Update(f, nil, cn105.ValidateFrame(f))
			ev, applyErr := state.Apply(f)
			if applyErr != nil && !opts.Quiet {
				fmt.Fprintf(out, "[%s] RX %s not applied: %v\n", rec.Time.Format("15:04:05.000"), frameName(f), applyErr)
			}
			if !opts.Quiet {
				printReplayFrame(out, rec, f, ev)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if err != nil {
		// A recording cut short by a crash still replays up to the break
		log.WithError(err).Warn("Recording truncated")
	}

	sum.Duration = last.Sub(h.Started)
	sum.RXFrames = stats.TotalFrames
	sum.Errors = stats.Errors()
	sum.State = state.Snapshot()
	return sum, nil
}

func printReplayFrame(out io.Writer, rec framelog.Record, f *cn105.Frame, ev cn105.Events) {
	line := fmt.Sprintf("[%s] %s %s len=%d", rec.Time.Format("15:04:05.000"), rec.Dir, frameName(f), f.Length())
	if ev != 0 {
		line += " -> " + ev.String()
	}
	fmt.Fprintln(out, line)
	if rec.Dir == framelog.RX && f.Command() == cn105.CmdData && len(f.Data()) > 0 {
		fmt.Fprint(out, cn105.FormatData(f.Data()))
	}
}

func printReplaySummary(out io.Writer, sum *replaySummary) {
	fmt.Fprintf(out, "\nSession:  %s\n", sum.Session)
	if sum.Source != "" {
		fmt.Fprintf(out, "Source:   %s\n", sum.Source)
	}
	fmt.Fprintf(out, "Started:  %s\n", sum.Started.Format(time.RFC3339))
	fmt.Fprintf(out, "Duration: %s\n", sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Records:  %d (%d RX frames, %d TX frames, %d errors)\n", sum.Records, sum.RXFrames, sum.TXFrames, sum.Errors)

	st := sum.State
	if !st.Initialized {
		fmt.Fprintln(out, "No settings received")
		return
	}
	s := st.Settings
	fmt.Fprintf(out, "Settings: power=%s mode=%s temp=%.1f fan=%s vane=%s wideVane=%s\n",
		s.Power, s.Mode, s.Temperature, s.Fan, s.Vane, s.WideVane)
	fmt.Fprintf(out, "Room:     %s\n", formatTemp(st.Status.RoomTemperature))
	if st.Status.HasOutsideAirTemperature() {
		fmt.Fprintf(out, "Outside:  %s\n", formatTemp(st.Status.OutsideAirTemperature))
	}
	fmt.Fprintf(out, "Operating: %t at %.0f Hz, %.0f W\n", st.Status.Operating, st.Status.CompressorFrequency, st.Status.InputPower)
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	opts := replayOptions{ShowTX: replayTX, Quiet: replayQuiet || replayJSON}
	sum, err := replay(f, out, opts)
	if err != nil {
		return fmt.Errorf("failed to replay %s: %w", args[0], err)
	}

	if replayJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	printReplaySummary(out, sum)
	return nil
}
