package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "doppel",
	Short: "Personal digital twin with long-term memory",
	Long:  "Doppel is a digital twin daemon: it remembers facts, events, and habits per user and answers chat grounded in them.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(sweepCmd)
}
