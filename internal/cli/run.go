package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runwatch/internal/phase"
	"github.com/ppiankov/runwatch/internal/state"
)

var phaseOpts phaseOptions

func init() {
	for _, c := range []*cobra.Command{runCmd, preCmd, postCmd, analyzeCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&phaseOpts.stateDir, "state-dir", "", "Directory state store (default $RUNNER_TEMP/runwatch-state)")
		c.Flags().StringVar(&phaseOpts.stateDB, "state-db", "", "SQLite state store path")
		c.Flags().StringVar(&phaseOpts.artifactDir, "artifact-dir", "", "Artifact store directory")
		c.Flags().StringVar(&phaseOpts.outputDir, "output-dir", "/tmp", "Directory agents write events and captures to")
		c.Flags().StringVar(&phaseOpts.journal, "journal", "", "Append agent lifecycle actions to this hash-chained JSONL file")
	}
	for _, c := range []*cobra.Command{runCmd, preCmd, postCmd} {
		c.Flags().StringVar(&phaseOpts.mode, "mode", "", "live, record or analyze (overrides the mode input)")
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pre or post phase, detected from saved state",
	Long: "The first invocation in a job runs the pre phase and records that it\n" +
		"did; the second runs the post phase. This is the action entry point.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *phase.Runner) error {
			_, err := r.Run(ctx)
			return err
		})
	},
}

var preCmd = &cobra.Command{
	Use:   "pre",
	Short: "Start the agent for the selected mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *phase.Runner) error {
			return r.Pre(ctx)
		})
	},
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Stop the agent and publish its output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *phase.Runner) error {
			return r.Post(ctx)
		})
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the stored capture artifact and write a report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		phaseOpts.mode = string(state.ModeAnalyze)
		return withRunner(cmd, func(ctx context.Context, r *phase.Runner) error {
			return r.Pre(ctx)
		})
	},
}

func withRunner(cmd *cobra.Command, fn func(context.Context, *phase.Runner) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, closeStore, err := newRunner(phaseOpts)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, r)
}
