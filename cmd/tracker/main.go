// Command tracker polls game-server snapshot feeds, tracks sessions and
// serves the resulting statistics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "Session lifecycle tracker and stats ledger for game servers",
		Long: `tracker watches a public server feed, opens and closes game sessions,
snapshots wave ends and folds finished sessions into player leaderboards.

Commands:
  serve     Poll the feed and serve the HTTP API
  recover   Close sessions left active by a previous run
  migrate   Apply the database schema
  players   Print the player leaderboard`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlayersCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds a production logger when ENV=production and a
// development one otherwise.
func newLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
