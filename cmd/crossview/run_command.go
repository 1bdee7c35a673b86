package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/crossview/internal/reid/annotate"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/reid/storage/sqlite"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		broadcast   string
		tactical    string
		outDir      string
		annotations string
		detectorURL string
		jsonOutput  bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Match players between a broadcast and a tactical feed",
		Long: `Run one matching pass. Each source is either a recorded detection log
(.jsonl) or a directory of still frames sent to --detector-url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := ctx.openDB()
			if err != nil {
				return err
			}

			opts := pipeline.ManagerOptions{
				Base:        base,
				DetectorURL: detectorURL,
				Sinks:       annotate.SinkFactory(outDir),
			}
			if db != nil {
				opts.Recorder = sqlite.NewRunStore(db)
			}
			mgr := pipeline.NewManager(opts)

			runID, err := mgr.Start(cmd.Context(), pipeline.Request{
				BroadcastSource: broadcast,
				TacticalSource:  tactical,
				AnnotationsPath: annotations,
			})
			if err != nil {
				return err
			}

			var sub *pipeline.Subscription
			if !quiet {
				sub, err = mgr.Subscribe(runID, progressPrinter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
			}

			st, err := waitOrCancel(cmd.Context(), mgr, runID)
			if err != nil {
				return err
			}
			if sub != nil {
				// Flush progress output before the result.
				<-sub.Done()
			}
			if st.Stage != pipeline.Completed {
				if st.Err != nil {
					return st.Err
				}
				return fmt.Errorf("run %s ended %s", runID, st.Stage)
			}

			res, err := mgr.Result(runID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, runOutput{RunID: runID, Result: res})
			}
			printResult(cmd.OutOrStdout(), runID, res, base.GetHighConfidenceThreshold())
			return nil
		},
	}

	cmd.Flags().StringVar(&broadcast, "broadcast", "", "Broadcast view source")
	cmd.Flags().StringVar(&tactical, "tactical", "", "Tactical view source")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for <run-id>.annotations.jsonl")
	cmd.Flags().StringVar(&annotations, "annotations", "", "Annotation output file (overrides --out)")
	cmd.Flags().StringVar(&detectorURL, "detector-url", "", "Detection service URL for image-directory sources")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	_ = cmd.MarkFlagRequired("broadcast")
	_ = cmd.MarkFlagRequired("tactical")

	return cmd
}

// waitOrCancel waits for the run. If ctx ends first the run is cancelled
// and its terminal state is still collected.
func waitOrCancel(ctx context.Context, mgr *pipeline.Manager, runID string) (pipeline.State, error) {
	st, err := mgr.Wait(ctx, runID)
	if err == nil {
		return st, nil
	}
	if ctx.Err() == nil {
		return st, err
	}
	if err := mgr.Cancel(runID); err != nil {
		return pipeline.State{}, err
	}
	return mgr.Wait(context.Background(), runID)
}

func progressPrinter(out io.Writer) pipeline.Observer {
	return func(ev pipeline.Event) {
		line := fmt.Sprintf("[%3.0f%%] %s", ev.FractionComplete*100, ev.State)
		if ev.Description != "" {
			line += ": " + ev.Description
		}
		if ev.Error != "" {
			line += " (" + ev.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
}
