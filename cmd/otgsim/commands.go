package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg"
	"github.com/ardnew/otgusb/internal/scenario"
	"github.com/ardnew/otgusb/internal/trace"
	"github.com/ardnew/otgusb/pkg"
	"github.com/ardnew/otgusb/pkg/prof"
)

var (
	traceFile   string
	traceLimit  int
	packets     int
	listRecords bool
	profiling   prof.Options
)

func runLoopback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if packets >= 0 {
		cfg.Scenario.Packets = packets
	}

	var rec *trace.Recorder
	if traceFile != "" {
		rec = trace.NewRecorder(traceLimit)
	}

	endProfile, err := prof.Start(profiling)
	if err != nil {
		return err
	}
	defer func() {
		if perr := endProfile(); perr != nil {
			pkg.LogWarn(pkg.ComponentCLI, "profile", "error", perr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := scenario.New(cfg, rec).Run(ctx)
	if rec != nil {
		if serr := rec.Save(traceFile); serr != nil && err == nil {
			err = serr
		}
	}
	renderResult(cmd.OutOrStdout(), res)
	return err
}

func showLayout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := scenario.Layout(cfg)
	if err != nil {
		return err
	}
	renderWindows(cmd.OutOrStdout(), ws, cfg.Controller.RxFIFOWords, cfg.Controller.FIFOWords)
	return nil
}

func showTrace(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	f, err := trace.Load(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if listRecords {
		for _, rec := range f.Records {
			fmt.Fprintln(out, rec.String())
		}
	}
	renderStats(out, trace.Summarize(f.Records))
	if f.Dropped > 0 {
		fmt.Fprintf(out, "%d records dropped\n", f.Dropped)
	}
	return nil
}

func dumpConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cfg.Encode(cmd.OutOrStdout())
}

func renderResult(w io.Writer, res scenario.Result) {
	fmt.Fprintf(w, "address %d, configuration %d, %s\n", res.Address, res.Configuration, res.Speed)
	for _, ep := range res.Endpoints {
		fmt.Fprintf(w, "endpoint 0x%02X %s, %d bytes\n", ep.Address, ep.Type, ep.MaxPacketSize)
	}
	fmt.Fprintf(w, "%d packets, %d bytes in %v (%d interrupts)\n",
		res.Packets, res.Bytes, res.Elapsed, res.Interrupts)

	events := make([]hal.Event, 0, len(res.Events))
	for ev := range res.Events {
		events = append(events, ev)
	}
	slices.Sort(events)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Event", "Count"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, ev := range events {
		table.Append([]string{ev.String(), strconv.FormatUint(res.Events[ev], 10)})
	}
	table.Render()
}

func renderWindows(w io.Writer, ws []otg.Window, rxWords, fifoWords uint32) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"FIFO", "Start", "Depth", "End", "Bytes"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"rx", "0", u32(rxWords), u32(rxWords), u32(rxWords * 4)})
	used := rxWords
	for _, win := range ws {
		table.Append([]string{
			fmt.Sprintf("tx%d", win.Endpoint),
			u32(win.Start),
			u32(win.Depth),
			u32(win.End()),
			u32(win.Depth * 4),
		})
		used = max(used, win.End())
	}
	table.SetFooter([]string{"free", u32(used), u32(fifoWords - used), u32(fifoWords), u32((fifoWords - used) * 4)})
	table.Render()
}

func renderStats(w io.Writer, stats []trace.Stat) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Kind", "Endpoint", "Count", "Bytes"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, st := range stats {
		table.Append([]string{
			st.Kind.String(),
			strconv.Itoa(int(st.Endpoint)),
			strconv.Itoa(st.Count),
			strconv.Itoa(st.Bytes),
		})
	}
	table.Render()
}

func u32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
