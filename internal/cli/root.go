package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runwatch/internal/config"
	"github.com/ppiankov/runwatch/internal/logging"
)

var (
	verbose bool
	envFile string

	// logger is built once flags are parsed.
	logger = slog.Default()
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Load inputs from this dotenv file if it exists")
}

var rootCmd = &cobra.Command{
	Use:   "runwatch",
	Short: "Runtime security monitoring and syscall capture for CI jobs",
	Long: "Runs a runtime security monitor or a syscall tracer alongside a CI job.\n" +
		"The pre phase starts the agent, the post phase stops it, collects its\n" +
		"output and writes a job summary with events correlated to job steps.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		v := verbose
		if !v {
			// The verbose input also raises the level.
			v, _ = config.ParseBool(config.Input(os.Getenv, "verbose"))
		}
		logger = logging.New(os.Stderr, logging.Options{Verbose: v})
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
