package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/powerlab/etrace/internal/app"
	"github.com/powerlab/etrace/internal/config"
)

func newRunCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <application>",
		Short: "Capture and correlate a trace of an application",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.App = args[0]
			}

			var bar *progressbar.ProgressBar
			progress := func(elapsed, total time.Duration) {
				if bar == nil {
					bar = progressbar.NewOptions64(total.Milliseconds(),
						progressbar.OptionSetDescription("capturing"),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowElapsedTimeOnFinish(),
						progressbar.OptionClearOnFinish(),
					)
				}
				_ = bar.Set64(min(elapsed, total).Milliseconds())
			}

			result, err := app.Run(cmd.Context(), logger, *cfg, progress)
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events:    %d (%d trimmed, %d capped)\n",
				result.Graph.TotalEvents, result.Graph.TrimmedEvents, result.Graph.CappedEvents)
			fmt.Fprintf(out, "results:   %s\n", result.ResultsPath)
			if result.DOTPath != "" {
				fmt.Fprintf(out, "graph:     %s\n", result.DOTPath)
			}
			fmt.Fprintf(out, "artifacts: %s %s %s\n",
				result.Artifacts.Dat, result.Artifacts.Report, result.Artifacts.BinderLog)
			return nil
		},
	}

	cmd.Flags().DurationVar(&cfg.Duration, "duration", cfg.Duration, "capture window length")
	cmd.Flags().DurationVar(&cfg.Preamble, "preamble", cfg.Preamble, "leading capture time trimmed from results")
	cmd.Flags().StringSliceVar(&cfg.Events, "events", cfg.Events, "trace events to enable")
	cmd.Flags().StringVar(&cfg.Tracer, "tracer", cfg.Tracer, "kernel tracer to select")
	cmd.Flags().BoolVar(&cfg.SkipClear, "skip-clear", cfg.SkipClear, "keep previously enabled events")
	cmd.Flags().BoolVar(&cfg.Draw, "draw", cfg.Draw, "write a Graphviz rendering of the event graph")
	cmd.Flags().BoolVar(&cfg.Subgraph, "subgraph", cfg.Subgraph, "cluster the graph by execution context")
	cmd.Flags().IntVar(&cfg.MaxEvents, "max-events", cfg.MaxEvents, "cap on correlated events, 0 for no cap")
	cmd.Flags().BoolVar(&cfg.Server.Enable, "serve", cfg.Server.Enable, "expose the status HTTP server during the run")
	cmd.Flags().StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "status server listen address")

	return cmd
}
