package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/studyprep/mcqgen/internal/backend"
	"github.com/studyprep/mcqgen/internal/generation"
	"github.com/studyprep/mcqgen/internal/handler"
	"github.com/studyprep/mcqgen/internal/index"
	"github.com/studyprep/mcqgen/internal/orchestrator"
	"github.com/studyprep/mcqgen/internal/retrieval"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcqgen",
		Short: "Multiple-choice question generation service for exam prep",
	}

	serve := serveCmd()
	root.AddCommand(serve, indexCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `mcqgen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the question generation HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addIndexFlags(cmd)
	addBackendFlags(cmd)
	f.Bool("auto-pull", false, "Pull the generation model if missing")
	f.Int("token-budget", 2000, "Context token budget per generation prompt")
	f.Duration("batch-timeout", 2*time.Minute, "Deadline for a single generation batch")
	f.Duration("session-ttl", time.Hour, "Age after which finished sessions are swept")
	f.Duration("sweep-interval", 10*time.Minute, "How often finished sessions are swept")
	f.Bool("build-on-start", true, "Build indexes for all corpus subjects at startup")
	addLogFlags(cmd)
	return cmd
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage subject similarity indexes",
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Build indexes from the study corpus",
		RunE:  runIndexBuild,
	}
	addIndexFlags(build)
	addBackendFlags(build)
	build.Flags().StringP("subject", "s", "", "Build a single subject (default: all)")
	build.Flags().Bool("force", false, "Rebuild even if the index already exists")
	addLogFlags(build)

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show built index partitions",
		RunE:  runIndexStats,
	}
	addIndexFlags(stats)
	addLogFlags(stats)

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete all index partitions",
		RunE:  runIndexReset,
	}
	addIndexFlags(reset)
	addLogFlags(reset)

	cmd.AddCommand(build, stats, reset)
	return cmd
}

func addIndexFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("data-dir", "data", "Directory for the index database")
	f.String("corpus-dir", "corpus", "Root directory of per-subject study material")
	f.Float64("relevance-threshold", index.DefaultRelevanceThreshold, "Minimum similarity score for retrieved chunks")
	f.Int("chunk-size", 0, "Corpus chunk size in characters (0 = default)")
	f.Int("build-concurrency", 4, "Parallel subject builds during index build")
}

func addBackendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend-url", "http://localhost:11434", "Ollama base URL")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the generation backend")
	f.String("llm-model", "llama3.2", "Generation model name")
	f.String("embed-model", "nomic-embed-text", "Embedding model name")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MCQGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mcqgen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mcqgen")
	v.AddConfigPath("/etc/mcqgen")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*index.Store, error) {
	embedder := index.NewOpenAIEmbedder(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("embed-model"),
	)
	return index.New(index.Config{
		DataDir:            v.GetString("data-dir"),
		CorpusDir:          v.GetString("corpus-dir"),
		RelevanceThreshold: v.GetFloat64("relevance-threshold"),
		ChunkSize:          v.GetInt("chunk-size"),
		BuildConcurrency:   v.GetInt("build-concurrency"),
	}, embedder)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	store, err := openStore(v)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer store.Close()

	if v.GetBool("build-on-start") {
		failures := store.BuildAll(cmd.Context(), false)
		for subject, err := range failures {
			slog.Warn("startup index build failed", "subject", subject, "error", err)
		}
	}

	monitor := backend.NewMonitor(v.GetString("backend-url"), backend.DefaultHealthTimeout)
	if ok, msg := monitor.CheckHealthy(cmd.Context()); !ok {
		// Sessions fail their health gate until the backend comes up.
		slog.Warn("generation backend not healthy at startup", "detail", msg)
	}

	gen := generation.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)

	cache := retrieval.New(store)
	orch := orchestrator.New(orchestrator.Config{
		Model:        v.GetString("llm-model"),
		AutoPull:     v.GetBool("auto-pull"),
		TokenBudget:  v.GetInt("token-budget"),
		BatchTimeout: v.GetDuration("batch-timeout"),
	}, cache, monitor, gen)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepLoop(sweepCtx, orch, v.GetDuration("session-ttl"), v.GetDuration("sweep-interval"))

	h := handler.New(orch, store, monitor)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"embed_model", v.GetString("embed-model"),
		"backend_url", v.GetString("backend-url"),
		"corpus_dir", v.GetString("corpus-dir"),
		"data_dir", v.GetString("data-dir"),
	)
	return http.ListenAndServe(addr, r)
}

func sweepLoop(ctx context.Context, orch *orchestrator.Orchestrator, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.SweepTerminal(ttl)
		}
	}
}

func runIndexBuild(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	store, err := openStore(v)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer store.Close()

	force := v.GetBool("force")
	if subject := v.GetString("subject"); subject != "" {
		if err := store.BuildOrLoad(cmd.Context(), subject, force); err != nil {
			return fmt.Errorf("build %q: %w", subject, err)
		}
		stats, err := store.Stats(subject)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d chunks\n", stats.Subject, stats.ChunkCount)
		return nil
	}

	failures := store.BuildAll(cmd.Context(), force)
	for _, stats := range store.Partitions() {
		fmt.Printf("%s: %d chunks\n", stats.Subject, stats.ChunkCount)
	}
	if len(failures) > 0 {
		for subject, err := range failures {
			slog.Error("build failed", "subject", subject, "error", err)
		}
		return fmt.Errorf("%d subject(s) failed to build", len(failures))
	}
	return nil
}

func runIndexStats(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	store, err := openStore(v)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer store.Close()

	partitions := store.Partitions()
	if len(partitions) == 0 {
		fmt.Println("no partitions built")
		return nil
	}
	for _, p := range partitions {
		fmt.Printf("%s\t%d chunks\tbuilt %s\n", p.Subject, p.ChunkCount, p.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runIndexReset(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	store, err := openStore(v)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer store.Close()

	if err := store.ResetAll(); err != nil {
		return fmt.Errorf("reset indexes: %w", err)
	}
	fmt.Println("all index partitions removed")
	return nil
}
