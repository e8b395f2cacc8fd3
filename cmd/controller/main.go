package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// #region root
var (
	apiAddr  string
	jsonOut  bool
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Self-evolution state engine",
	Long: `controller runs the evolution daemon and talks to a running one.

  controller serve --config evolve.yaml
  controller status
  controller propose --kind storage_optimization --description "compact segments" --delta 2.5
  controller approvals list
  controller rollback <snapshot-id>
  controller workflow run nightly-tune -f nightly.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("EVOLVE_API", "http://127.0.0.1:8088"), "base URL of a running daemon")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(serveCmd, statusCmd, proposeCmd, approvalsCmd, rollbackCmd, snapshotsCmd, syncCmd, taintCmd, workflowCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
// #endregion root

// #region output
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
// #endregion output
