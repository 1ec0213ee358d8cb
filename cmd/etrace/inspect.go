package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/powerlab/etrace/internal/adb"
	"github.com/powerlab/etrace/internal/app"
	"github.com/powerlab/etrace/internal/config"
	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/pidscan"
)

func newSampleCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Take a one-shot CPU/GPU metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			channel, _, err := app.Connect(ctx, *cfg, logger)
			if err != nil {
				return err
			}

			sampler, err := metrics.NewSampler(ctx, channel, metrics.NewDeviceClock(channel), logger)
			if err != nil {
				return err
			}
			snapshot, err := sampler.Sample(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}

			fmt.Fprintf(out, "device time: %d us\n", snapshot.DeviceTimeUS)
			fmt.Fprintf(out, "gpu: %d Hz, %d%% utilised\n", snapshot.GPUFreqHz, snapshot.GPUUtilPct)
			return snapshot.WriteFrequencies(out)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the snapshot as JSON")
	return cmd
}

func newResolveCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <application>",
		Short: "Resolve an application to its process and thread identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			channel, _, err := app.Connect(ctx, *cfg, logger)
			if err != nil {
				return err
			}

			resolver := pidscan.NewResolver(channel, logger)
			main, err := resolver.ResolveMain(ctx, args[0])
			if err != nil {
				return err
			}
			threads, err := resolver.ResolveAll(ctx, args[0])
			if err != nil {
				return err
			}

			identities := append([]pidscan.Identity{main}, threads...)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tUSER\tTHREAD\tNAME")
			for _, id := range identities {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", id.PID, id.User, id.Thread, id.Name)
			}
			return tw.Flush()
		},
	}
}

func newDevicesCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := adb.Discover(cmd.Context(), cfg.ADB.Binary, logger)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices attached")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSTATE\tMODEL")
			for _, dev := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", dev.Serial, dev.State, dev.Model)
			}
			return tw.Flush()
		},
	}
}
