package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coolbeans/graphharmony/pkg/harmonize"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/query"
	"github.com/coolbeans/graphharmony/pkg/shape"
	"github.com/coolbeans/graphharmony/pkg/store"
	"github.com/coolbeans/graphharmony/pkg/watch"
)

func loadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <file.nt>...",
		Short: "Load N-Triples files and print graph statistics",
		Long: `Load one or more N-Triples files into a single graph and print
index statistics. Use --output to write the merged, sorted graph.

Example:
  graphharmony load crm.nt erp.nt
  graphharmony load crm.nt erp.nt --output merged.nt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			asJSON, _ := cmd.Flags().GetBool("json")

			g, err := a.loadGraph(args)
			if err != nil {
				return err
			}
			snap := g.Snapshot()

			if output != "" {
				var buf bytes.Buffer
				if err := store.WriteNTriples(&buf, snap.All()); err != nil {
					return err
				}
				if err := writeOutput(cmd, output, buf.Bytes()); err != nil {
					return err
				}
			}

			stats := snap.Stats()
			if asJSON {
				data, err := marshalJSON(stats)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Graph statistics (version %d):\n", snap.Version())
			fmt.Fprintf(out, "  Triples:    %d\n", stats.TotalTriples)
			fmt.Fprintf(out, "  Subjects:   %d\n", stats.UniqueSubjects)
			fmt.Fprintf(out, "  Predicates: %d\n", stats.UniquePredicates)
			fmt.Fprintf(out, "  Objects:    %d\n", stats.UniqueObjects)
			printCounts(cmd, "Predicates", stats.PredicateCounts)
			printCounts(cmd, "Classes", stats.ClassCounts)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "write the merged graph as N-Triples")
	cmd.Flags().Bool("json", false, "print statistics as JSON")
	return cmd
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-50s %d\n", truncateString(k, 50), counts[k])
	}
}

func queryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <select-query>",
		Short: "Run a SELECT query against N-Triples data",
		Long: `Execute a SELECT-style query. Patterns may use property paths in
predicate position; FILTER, OPTIONAL, GROUP BY, HAVING, ORDER BY,
LIMIT and OFFSET are supported, with COUNT, SUM, AVG, MIN and MAX.

Examples:
  graphharmony query --data org.nt "SELECT ?x WHERE { ex:alice ex:knows+ ?x }"
  graphharmony query --data org.nt --format json \
    "SELECT ?dept (COUNT(?p) AS ?n) WHERE { ?p ex:dept ?dept } GROUP BY ?dept"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetStringSlice("data")
			formatStr, _ := cmd.Flags().GetString("format")
			showTiming, _ := cmd.Flags().GetBool("timing")

			g, err := a.loadGraph(data)
			if err != nil {
				return err
			}
			executor := query.NewExecutor(g,
				query.WithTimeout(a.config.Query.Timeout),
				query.WithEvaluator(a.newEvaluator()),
				query.WithLogger(a.logger))

			startTime := time.Now()
			result, err := executor.ExecuteStringWithContext(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			queryTime := time.Since(startTime)

			output, err := result.Format(query.OutputFormat(formatStr))
			if err != nil {
				return fmt.Errorf("format error: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), output)
			if !strings.HasSuffix(output, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if showTiming {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nQuery time: %v (%d rows)\n", queryTime, len(result.Bindings))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("data", nil, "N-Triples files to load")
	cmd.Flags().StringP("format", "f", "table", "output format (table, json, csv)")
	cmd.Flags().Bool("timing", false, "show query execution time")
	return cmd
}

func pathCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path <start> <path-expression>",
		Short: "Evaluate a property path from a start node",
		Long: `Evaluate a property path expression from a start node.

Without --paths the reachable nodes are listed with their shortest
distance. With --paths every simple path is listed, optionally only those
ending at --target.

Examples:
  graphharmony path --data org.nt ex:alice "ex:knows+"
  graphharmony path --data org.nt ex:alice "(ex:knows|^ex:reportsTo)*" --paths --target ex:dave`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetStringSlice("data")
			enumerate, _ := cmd.Flags().GetBool("paths")
			targetStr, _ := cmd.Flags().GetString("target")
			maxLength, _ := cmd.Flags().GetInt("max-length")

			start, err := store.ParseTerm(args[0])
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			expr, err := path.Parse(args[1])
			if err != nil {
				return err
			}
			g, err := a.loadGraph(data)
			if err != nil {
				return err
			}

			ctx, cancel := a.queryContext(cmd.Context())
			defer cancel()
			evaluator := a.newEvaluator()
			snap := g.Snapshot()
			out := cmd.OutOrStdout()

			if !enumerate {
				reached, err := evaluator.Reachable(ctx, snap, []store.Term{start}, expr)
				if err != nil {
					return err
				}
				for _, r := range reached {
					fmt.Fprintf(out, "%d\t%s\n", r.Length, r.Node.Key())
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d nodes reachable via %s\n", len(reached), expr)
				return nil
			}

			var target *store.Term
			if targetStr != "" {
				t, err := store.ParseTerm(targetStr)
				if err != nil {
					return fmt.Errorf("target node: %w", err)
				}
				target = &t
			}
			paths, err := evaluator.FindPaths(ctx, snap, []store.Term{start}, target, expr, maxLength)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(out, p.String())
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d paths\n", len(paths))
			return nil
		},
	}
	cmd.Flags().StringSlice("data", nil, "N-Triples files to load")
	cmd.Flags().Bool("paths", false, "enumerate simple paths instead of reachable nodes")
	cmd.Flags().String("target", "", "only paths ending at this node")
	cmd.Flags().Int("max-length", -1, "maximum path length (default path.max_length)")
	return cmd
}

func (a *app) queryContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.config.Query.Timeout > 0 {
		return context.WithTimeout(parent, a.config.Query.Timeout)
	}
	return context.WithCancel(parent)
}

func validateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate data against shape definitions",
		Long: `Validate N-Triples data against a YAML shapes document and print
the report. The command fails when the data does not conform.

With --watch the data and shapes files are monitored and validation
reruns whenever their content changes.

Examples:
  graphharmony validate --data people.nt --shapes shapes.yaml
  graphharmony validate --data people.nt --shapes shapes.yaml --format json
  graphharmony validate --data people.nt --shapes shapes.yaml --quality
  graphharmony validate --data people.nt --shapes shapes.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetStringSlice("data")
			shapesPath, _ := cmd.Flags().GetString("shapes")
			formatStr, _ := cmd.Flags().GetString("format")
			showQuality, _ := cmd.Flags().GetBool("quality")
			watchFiles, _ := cmd.Flags().GetBool("watch")

			if shapesPath == "" {
				return fmt.Errorf("--shapes flag is required")
			}

			run := func(ctx context.Context) (*shape.Report, error) {
				set, err := shape.LoadShapesFile(shapesPath)
				if err != nil {
					return nil, err
				}
				g, err := a.loadGraph(data)
				if err != nil {
					return nil, err
				}
				report, err := a.validate(ctx, g.Snapshot(), set)
				if err != nil {
					return nil, err
				}
				if err := printReport(cmd, report, formatStr, showQuality); err != nil {
					return nil, err
				}
				return report, nil
			}

			if !watchFiles {
				report, err := run(cmd.Context())
				if err != nil {
					return err
				}
				if !report.Conforms() {
					return fmt.Errorf("validation failed: %d violations", report.ViolationCount())
				}
				return nil
			}

			if _, err := run(cmd.Context()); err != nil {
				a.logger.Warn("Validation failed", "error", err)
			}
			files := append([]string{shapesPath}, data...)
			w, err := watch.New(files, func(ctx context.Context, changes []watch.Change) error {
				for _, c := range changes {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n%s: %s\n", c.Operation, c.Path)
				}
				_, err := run(ctx)
				return err
			}, watch.WithLogger(a.logger))
			if err != nil {
				return err
			}
			a.serveMetrics(cmd.Context())
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %d files, press Ctrl-C to stop\n", len(files))
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSlice("data", nil, "N-Triples files to validate")
	cmd.Flags().String("shapes", "", "YAML shapes document")
	cmd.Flags().StringP("format", "f", "text", "report format (text, json, markdown)")
	cmd.Flags().Bool("quality", false, "print the data quality score")
	cmd.Flags().Bool("watch", false, "rerun validation when files change")
	return cmd
}

func (a *app) validate(ctx context.Context, snap *store.Snapshot, set *shape.Set) (*shape.Report, error) {
	if a.config.Validation.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Validation.Timeout)
		defer cancel()
	}
	opts := []shape.Option{
		shape.WithEvaluator(a.newEvaluator()),
		shape.WithLogger(a.logger),
	}
	if a.metrics != nil {
		opts = append(opts, shape.WithObserver(a.metrics))
	}
	return shape.NewValidator(opts...).Validate(ctx, snap, set)
}

func printReport(cmd *cobra.Command, report *shape.Report, formatStr string, showQuality bool) error {
	out := cmd.OutOrStdout()
	switch formatStr {
	case "json":
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "markdown", "md":
		fmt.Fprint(out, report.ToMarkdown())
	case "text":
		fmt.Fprint(out, report.String())
	default:
		return fmt.Errorf("unsupported format: %s", formatStr)
	}

	if showQuality {
		data, err := marshalJSON(shape.Quality(report))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}

func qualityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Report structural data quality issues",
		Long: `Report typed entities without labels and entities that carry no
statement besides their type, with an overall quality score.

Example:
  graphharmony quality --data harmonized.nt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetStringSlice("data")
			g, err := a.loadGraph(data)
			if err != nil {
				return err
			}
			report := harmonize.QualityCheck(g.Snapshot())
			out, err := marshalJSON(report)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringSlice("data", nil, "N-Triples files to check")
	return cmd
}

func exportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a graph as Turtle, JSON-LD or N-Triples",
		Long: `Export the loaded graph in another serialization.

Supported formats:
  - turtle:   W3C Turtle with prefix compaction
  - jsonld:   JSON-LD with @context (use --expanded for full IRIs)
  - ntriples: canonical sorted N-Triples

Example:
  graphharmony export --data harmonized.nt --format turtle --output graph.ttl
  graphharmony export --data harmonized.nt --format jsonld --prefix ex=http://example.org/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetStringSlice("data")
			formatStr, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			expanded, _ := cmd.Flags().GetBool("expanded")
			prefixes, _ := cmd.Flags().GetStringToString("prefix")

			g, err := a.loadGraph(data)
			if err != nil {
				return err
			}
			snap := g.Snapshot()

			names := make([]string, 0, len(prefixes))
			for name := range prefixes {
				names = append(names, name)
			}
			sort.Strings(names)

			var out []byte
			switch formatStr {
			case "turtle", "ttl":
				var opts []store.TurtleOption
				for _, name := range names {
					opts = append(opts, store.WithPrefix(name, prefixes[name]))
				}
				out = []byte(store.NewTurtleSerializer(opts...).Serialize(snap))
			case "jsonld":
				var opts []store.JSONLDOption
				for _, name := range names {
					opts = append(opts, store.WithJSONLDPrefix(name, prefixes[name]))
				}
				if expanded {
					opts = append(opts, store.WithExpandedForm())
				}
				out, err = store.NewJSONLDSerializer(opts...).Serialize(snap)
				if err != nil {
					return fmt.Errorf("failed to serialize graph: %w", err)
				}
				out = append(out, '\n')
			case "ntriples", "nt":
				var buf bytes.Buffer
				if err := store.WriteNTriples(&buf, snap.All()); err != nil {
					return err
				}
				out = buf.Bytes()
			default:
				return fmt.Errorf("unsupported format: %s", formatStr)
			}
			return writeOutput(cmd, output, out)
		},
	}
	cmd.Flags().StringSlice("data", nil, "N-Triples files to export")
	cmd.Flags().StringP("format", "f", "turtle", "output format (turtle, jsonld, ntriples)")
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	cmd.Flags().Bool("expanded", false, "expanded JSON-LD without @context")
	cmd.Flags().StringToString("prefix", nil, "extra prefix mappings, e.g. ex=http://example.org/")
	return cmd
}
