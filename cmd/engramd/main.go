// engramd is the memory-augmented reasoning daemon. It filters incoming
// queries through a translator gate ensemble, routes them to pattern
// retrieval or first-principles reasoning, and gates every answer
// through an honesty check before it leaves the process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engramd/internal/axiom"
	"engramd/internal/config"
	"engramd/internal/core"
	"engramd/internal/embedding"
	"engramd/internal/llm"
	"engramd/internal/logging"
	"engramd/internal/store"
	"engramd/internal/types"
)

var (
	cfgPath   string
	debugMode bool
	cfg       config.Config
)

func main() {
	root := &cobra.Command{
		Use:   "engramd",
		Short: "Memory-augmented reasoning daemon",
		Long: `engramd stores quality-scored memories, answers queries through a
gated retrieval/reasoning pipeline, and continuously refines weak
memories in the background.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if debugMode {
				cfg.Debug = true
			}
			if cfg.LLM.APIKey == "" {
				cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
			}
			return logging.Initialize(cfg.Debug)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "engramd.yaml", "config file path")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "verbose logging")

	root.AddCommand(serveCmd(), queryCmd(), ingestCmd(), statusCmd(), seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildCortex opens the stores and assembles the full pipeline.
// The caller must Close the returned stores.
func buildCortex(ctx context.Context) (*core.Cortex, *store.SQLiteStore, *axiom.Store, error) {
	client, err := llm.NewGenAIClient(ctx, cfg.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("language model client: %w", err)
	}

	var embedder types.EmbeddingEngine
	if cfg.LLM.APIKey != "" {
		engine, err := embedding.NewGenAIEngine(ctx, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("embedding engine: %w", err)
		}
		embedder = engine
	} else {
		logging.Get(logging.CategoryBoot).Warnw("no API key, using local hash embeddings")
		embedder = embedding.NewLocalEngine(0)
	}

	memory, err := store.Open(cfg.Memory.DatabasePath, embedder, cfg.Memory.RequireVec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("memory store: %w", err)
	}

	axioms, err := axiom.Open(axiomDBPath())
	if err != nil {
		memory.Close()
		return nil, nil, nil, fmt.Errorf("axiom store: %w", err)
	}
	if err := axioms.SeedFoundational(); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("foundational seeding failed", "error", err)
	}
	if cfg.Memory.AxiomSeedPath != "" {
		if err := axioms.LoadSeedFile(cfg.Memory.AxiomSeedPath); err != nil {
			logging.Get(logging.CategoryBoot).Warnw("axiom seed file load failed",
				"path", cfg.Memory.AxiomSeedPath, "error", err)
		}
		if err := axioms.WatchSeedFile(cfg.Memory.AxiomSeedPath); err != nil {
			logging.Get(logging.CategoryBoot).Warnw("axiom seed watch failed", "error", err)
		}
	}

	cortex, err := core.New(cfg, memory, client, axioms)
	if err != nil {
		memory.Close()
		axioms.Close()
		return nil, nil, nil, err
	}
	return cortex, memory, axioms, nil
}

func axiomDBPath() string {
	dir := filepath.Dir(cfg.Memory.DatabasePath)
	return filepath.Join(dir, "axioms.db")
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with the adaptive loop and heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cortex, memory, axioms, err := buildCortex(ctx)
			if err != nil {
				return err
			}
			defer memory.Close()
			defer axioms.Close()

			cortex.Start()
			cortex.StartHeartbeat()
			defer cortex.Stop()

			logging.Get(logging.CategoryBoot).Infow("engramd serving",
				"version", cfg.Version, "db", cfg.Memory.DatabasePath)
			fmt.Println("engramd running. Ctrl-C to stop.")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			fmt.Println("shutting down")
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Process a single query through the full pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cortex, memory, axioms, err := buildCortex(cmd.Context())
			if err != nil {
				return err
			}
			defer memory.Close()
			defer axioms.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := cortex.ProcessQuery(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "query deadline")
	return cmd
}

func ingestCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Store text as a memory unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			switch {
			case fromFile != "":
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				content = string(data)
			case len(args) == 1:
				content = args[0]
			default:
				return fmt.Errorf("provide text or --file")
			}

			cortex, memory, axioms, err := buildCortex(cmd.Context())
			if err != nil {
				return err
			}
			defer memory.Close()
			defer axioms.Close()

			id, created, err := cortex.Ingest(cmd.Context(), content)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"unit_id": id, "created": created})
		},
	}
	cmd.Flags().StringVar(&fromFile, "file", "", "read content from file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print memory and axiom store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, err := store.Open(cfg.Memory.DatabasePath, nil, false)
			if err != nil {
				return err
			}
			defer memory.Close()

			axioms, err := axiom.Open(axiomDBPath())
			if err != nil {
				return err
			}
			defer axioms.Close()

			stats, err := memory.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"memory": stats,
				"axioms": axioms.Count(),
			})
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Seed foundational axioms, optionally adding a YAML seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			axioms, err := axiom.Open(axiomDBPath())
			if err != nil {
				return err
			}
			defer axioms.Close()

			if err := axioms.SeedFoundational(); err != nil {
				return err
			}
			if len(args) == 1 {
				if err := axioms.LoadSeedFile(args[0]); err != nil {
					return err
				}
			}
			fmt.Printf("axiom catalog ready: %d axioms\n", axioms.Count())
			return nil
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
