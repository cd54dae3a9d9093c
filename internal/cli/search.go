package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lazyhollow/doppel/internal/config"
	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/store"
	"github.com/spf13/cobra"
)

var (
	searchUser  string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a user's memories from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchUser, "user", "u", "", "user id (required)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
	searchCmd.MarkFlagRequired("user")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var embedder engine.Embedder
	if cfg.OpenAI.APIKey != "" {
		embedder = engine.NewOpenAIEmbedder(cfg.OpenAI.APIKey)
	} else {
		embedder = &engine.MockEmbedder{Dims: 256}
		fmt.Fprintln(os.Stderr, "warning: OPENAI_API_KEY not set, using token-hash embeddings")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	results, err := engine.Search(ctx, db, embedder, searchUser, query, searchLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}

	for _, r := range results {
		fmt.Printf("%.3f  [%-8s] %s\n", r.CombinedScore, r.Source, r.Text)
	}
	return nil
}

func openDB(cfg *config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
