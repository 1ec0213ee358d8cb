package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/powerlab/etrace/internal/config"
	"github.com/powerlab/etrace/internal/version"
)

func newRootCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "etrace",
		Short:         "Remote performance tracing for Android devices",
		Long:          "etrace drives the kernel trace infrastructure of an attached Android device over adb, correlates the captured events with CPU/GPU metric snapshots and flags energy optimisation candidates.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfg.ADB.Serial, "serial", cfg.ADB.Serial, "device serial (defaults to the only attached device)")
	root.PersistentFlags().StringVar(&cfg.ADB.Binary, "adb", cfg.ADB.Binary, "adb binary to invoke")
	root.PersistentFlags().StringVar(&cfg.ResultsDir, "results-dir", cfg.ResultsDir, "directory for pulled artifacts and results")

	root.AddCommand(
		newRunCmd(&cfg, logger),
		newSampleCmd(&cfg, logger),
		newResolveCmd(&cfg, logger),
		newDevicesCmd(&cfg, logger),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
		},
	}
}
