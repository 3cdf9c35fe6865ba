package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runwatch/internal/correlate"
	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/report"
)

var (
	correlateSteps string

	eventsSteps       string
	eventsMinPriority string
	eventsFormat      string

	watchSteps string
)

func init() {
	rootCmd.AddCommand(correlateCmd)
	correlateCmd.Flags().StringVar(&correlateSteps, "steps", "", "Step timestamps JSON file (required)")
	_ = correlateCmd.MarkFlagRequired("steps")

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsSteps, "steps", "", "Step timestamps JSON file for correlation")
	eventsCmd.Flags().StringVar(&eventsMinPriority, "min-priority", "", "Only show events at or above this priority")
	eventsCmd.Flags().StringVarP(&eventsFormat, "format", "f", "table", "Output format (table|json)")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchSteps, "steps", "", "Step timestamps JSON file for correlation")
}

var correlateCmd = &cobra.Command{
	Use:   "correlate <instant>",
	Short: "Print the job step(s) active at an instant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := loadSteps(correlateSteps)
		if err != nil {
			return err
		}
		name, err := correlate.Correlate(steps, args[0], logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <file>",
	Short: "Harvest a monitor event file and print it",
	Long: "Reads newline-delimited monitor events, correlates each one with the\n" +
		"step timestamps when --steps is given, and prints the events table.",
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	steps, err := loadSteps(eventsSteps)
	if err != nil {
		return err
	}
	events, err := harvest.Harvest(args[0], steps, logger)
	if err != nil {
		return err
	}
	if eventsMinPriority != "" {
		if _, err := harvest.ParsePriority(eventsMinPriority); err != nil {
			return err
		}
		events = harvest.AtLeast(events, eventsMinPriority)
	}

	out := cmd.OutOrStdout()
	switch eventsFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if events == nil {
			events = []harvest.Event{}
		}
		return enc.Encode(events)
	case "table":
		s := &report.Summary{}
		s.Table(report.MonitorEventsTable(events, steps != nil))
		return report.Render(out, s.Markdown())
	default:
		return fmt.Errorf("unknown format %q", eventsFormat)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Follow a monitor event file and print events as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := loadSteps(watchSteps)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		f := harvest.NewFollower(args[0], steps, func(e harvest.Event) {
			printEvent(out, e)
		}, logger)
		if err := f.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func printEvent(w io.Writer, e harvest.Event) {
	if e.Correlated() {
		fmt.Fprintf(w, "%s %-9s %s [%s]: %s\n", e.Time, e.Priority, e.Rule, e.Step, e.Output)
		return
	}
	fmt.Fprintf(w, "%s %-9s %s: %s\n", e.Time, e.Priority, e.Rule, e.Output)
}

// loadSteps reads a step timestamps JSON file. An empty path means no
// correlation.
func loadSteps(path string) (*correlate.StepTimestamps, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps: %w", err)
	}
	steps := correlate.NewStepTimestamps()
	if err := json.Unmarshal(data, steps); err != nil {
		return nil, fmt.Errorf("%w: steps file %s: %w", correlate.ErrParse, path, err)
	}
	return steps, nil
}
