package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/runwatch/internal/audit"
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd)
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the agent lifecycle journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify the journal's hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := audit.Verify(args[0])
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		for _, a := range res.Unstopped {
			logger.Warn("agent started but never stopped", "agent", a)
		}
		if !res.Valid {
			return fmt.Errorf("journal %s: broken at line %d: %s", args[0], res.ErrorLine, res.Error)
		}
		return nil
	},
}
