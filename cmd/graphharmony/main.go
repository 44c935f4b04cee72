package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coolbeans/graphharmony/pkg/config"
	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/metrics"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

var version = "0.1.0"

// app carries state shared by every subcommand; it is built before any RunE.
type app struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphharmony",
		Short: "Semantic graph validation and harmonization",
		Long: `graphharmony validates and harmonizes RDF-style triple graphs.

It loads N-Triples data and provides:
  - SELECT-style queries with property paths, FILTER and aggregates
  - Property path reachability and path enumeration
  - Shape validation with severity-graded reports
  - Multi-source harmonization with entity resolution and provenance
  - Conflict detection and resolution across sources`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "config file (layered over user and project config)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")

	rootCmd.AddCommand(loadCmd(a))
	rootCmd.AddCommand(queryCmd(a))
	rootCmd.AddCommand(pathCmd(a))
	rootCmd.AddCommand(validateCmd(a))
	rootCmd.AddCommand(harmonizeCmd(a))
	rootCmd.AddCommand(conflictsCmd(a))
	rootCmd.AddCommand(suggestCmd(a))
	rootCmd.AddCommand(qualityCmd(a))
	rootCmd.AddCommand(exportCmd(a))
	return rootCmd
}

// exitCode maps error classes to process exit codes.
func exitCode(err error) int {
	switch errs.Class(err) {
	case errs.ClassInvalid:
		return 2
	case errs.ClassTransient:
		return 3
	case errs.ClassReview:
		return 4
	default:
		return 1
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.NewLoader(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))).Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	a.config = cfg
	a.logger = logger

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		m, err := metrics.New(a.registry)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		a.metrics = m
	}
	return nil
}

// serveMetrics exposes the registry until ctx is done. It is a no-op unless
// metrics are enabled with an address.
func (a *app) serveMetrics(ctx context.Context) {
	if a.registry == nil || a.config.Metrics.Addr == "" {
		return
	}
	server := &http.Server{
		Addr:    a.config.Metrics.Addr,
		Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", a.config.Metrics.Addr, "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", a.config.Metrics.Addr)
}

func (a *app) newGraph(name string) *store.Graph {
	opts := []store.Option{store.WithLogger(a.logger), store.WithName(name)}
	if a.metrics != nil {
		opts = append(opts, store.WithObserver(a.metrics))
	}
	return store.New(opts...)
}

func (a *app) newEvaluator() *path.Evaluator {
	opts := []path.Option{
		path.WithMaxDepth(a.config.Path.DefaultMaxDepth),
		path.WithMaxLength(a.config.Path.MaxLength),
		path.WithLogger(a.logger),
	}
	if a.metrics != nil {
		opts = append(opts, path.WithObserver(a.metrics))
	}
	return path.NewEvaluator(opts...)
}

// loadGraph reads every N-Triples file into one graph, one batch per file.
func (a *app) loadGraph(files []string) (*store.Graph, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("--data is required")
	}
	g := a.newGraph("")
	for _, f := range files {
		triples, err := readTriples(f)
		if err != nil {
			return nil, err
		}
		if _, err := g.InsertBatch(triples); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}
	return g, nil
}

func readTriples(file string) ([]store.Triple, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer fh.Close()
	triples, err := store.ReadNTriples(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return triples, nil
}

// writeOutput writes data to output, or stdout when output is empty.
func writeOutput(cmd *cobra.Command, output string, data []byte) error {
	if output == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Written to: %s\n", output)
	return nil
}

// marshalJSON renders v as indented JSON without HTML escaping, so IRIs in
// angle brackets stay readable.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func truncateString(inputStr string, maxLength int) string {
	if len(inputStr) <= maxLength {
		return inputStr
	}
	return inputStr[:maxLength-3] + "..."
}
