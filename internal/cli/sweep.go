package cli

import (
	"fmt"

	"github.com/lazyhollow/doppel/internal/config"
	"github.com/spf13/cobra"
)

var sweepUser string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired facts and decay episodic memory strength",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepUser, "user", "u", "", "user id (required)")
	sweepCmd.MarkFlagRequired("user")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	swept, err := db.SweepExpiredFacts(sweepUser)
	if err != nil {
		return err
	}
	decayed, err := db.DecayEpisodic(nil)
	if err != nil {
		return err
	}

	fmt.Printf("swept %d expired facts, decayed %d memories\n", swept, decayed)
	return nil
}
