package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazyhollow/doppel/internal/chat"
	"github.com/lazyhollow/doppel/internal/config"
	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/llm"
	"github.com/lazyhollow/doppel/internal/server"
	"github.com/lazyhollow/doppel/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var embedder engine.Embedder
	if cfg.OpenAI.APIKey != "" {
		embedder = engine.NewOpenAIEmbedder(cfg.OpenAI.APIKey)
		fmt.Fprintf(os.Stderr, "  embedder: %s\n", embedder.Model())
	} else {
		embedder = &engine.MockEmbedder{Dims: 256}
		fmt.Fprintln(os.Stderr, "warning: OPENAI_API_KEY not set, using token-hash embeddings")
	}

	var orch *chat.Orchestrator
	if cfg.Anthropic.APIKey != "" {
		orch = &chat.Orchestrator{
			DB:       db,
			Embedder: embedder,
			Resolver: engine.RuleResolver{},
			LLM:      llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model),
		}
		fmt.Fprintf(os.Stderr, "  llm: anthropic (%s)\n", cfg.Anthropic.Model)
	} else {
		fmt.Fprintln(os.Stderr, "warning: ANTHROPIC_API_KEY not set, chat disabled")
	}

	// Background forgetting: decay episodic strength once a day.
	stopDecay := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := db.DecayEpisodic(nil); err != nil {
					fmt.Fprintf(os.Stderr, "decay: %v\n", err)
				} else if n > 0 {
					fmt.Fprintf(os.Stderr, "  decayed %d memories\n", n)
				}
			case <-stopDecay:
				return
			}
		}
	}()
	defer close(stopDecay)

	srv := server.New(db, embedder, orch, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "doppel serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
