package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coolbeans/graphharmony/pkg/conflict"
	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/gate"
	"github.com/coolbeans/graphharmony/pkg/harmonize"
	"github.com/coolbeans/graphharmony/pkg/provenance"
	"github.com/coolbeans/graphharmony/pkg/resolve"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// sourceSpec is one --source id=file argument.
type sourceSpec struct {
	id   string
	file string
}

func parseSources(values []string) ([]sourceSpec, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one --source id=file is required")
	}
	specs := make([]sourceSpec, 0, len(values))
	for _, v := range values {
		id, file, ok := strings.Cut(v, "=")
		if !ok || id == "" || file == "" {
			return nil, fmt.Errorf("invalid --source %q, expected id=file", v)
		}
		specs = append(specs, sourceSpec{id: id, file: file})
	}
	return specs, nil
}

// harmonizeRun is the shared state of the harmonize and conflicts commands.
type harmonizeRun struct {
	graph      *store.Graph
	ledger     *provenance.Ledger
	harmonizer *harmonize.Harmonizer
	results    []*harmonize.Result
	gates      []*gate.Report
}

// gatePipelines splits the import gates into the checks that run before an
// import and the checks that need its result. Both are nil when gates are off.
func (a *app) gatePipelines(cmd *cobra.Command) (pre, post *gate.Pipeline) {
	enabled, _ := cmd.Flags().GetBool("gates")
	if !enabled {
		return nil, nil
	}
	cfg := a.config.Gates
	if strict, _ := cmd.Flags().GetBool("strict"); strict {
		cfg.StrictMode = true
	}
	if skip, _ := cmd.Flags().GetStringSlice("skip-gates"); len(skip) > 0 {
		cfg.SkipGates = append(append([]string(nil), cfg.SkipGates...), skip...)
	}

	pre = gate.NewPipeline(&cfg)
	pre.Register(gate.NewSourceGate())
	pre.Register(gate.NewMappingGate())
	post = gate.NewPipeline(&cfg)
	post.Register(gate.NewResolutionGate())
	post.Register(gate.NewQualityGate())
	return pre, post
}

// runHarmonize harmonizes every source in order. Each import is stamped with
// the modification time of its file.
func (a *app) runHarmonize(cmd *cobra.Command) (*harmonizeRun, error) {
	mappingsPath, _ := cmd.Flags().GetString("mappings")
	sourceValues, _ := cmd.Flags().GetStringArray("source")
	entityBase, _ := cmd.Flags().GetString("entity-base")

	if mappingsPath == "" {
		return nil, fmt.Errorf("--mappings flag is required")
	}
	specs, err := parseSources(sourceValues)
	if err != nil {
		return nil, err
	}
	rules, err := harmonize.LoadMappingsFile(mappingsPath)
	if err != nil {
		return nil, err
	}
	if len(a.config.Resolver.KeyLevels) == 0 {
		return nil, fmt.Errorf("resolver.key_levels must be configured to harmonize")
	}
	resolver, err := resolve.NewResolver(a.config.Resolver.KeyLevels,
		resolve.WithThreshold(a.config.Resolver.FuzzyThreshold),
		resolve.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	run := &harmonizeRun{
		graph:  a.newGraph(""),
		ledger: provenance.NewLedger(),
	}
	opts := []harmonize.Option{
		harmonize.WithLedger(run.ledger),
		harmonize.WithLogger(a.logger),
	}
	if entityBase != "" {
		opts = append(opts, harmonize.WithEntityBase(entityBase))
	}
	if a.metrics != nil {
		opts = append(opts, harmonize.WithObserver(a.metrics))
	}
	run.harmonizer, err = harmonize.New(run.graph, rules, resolver, opts...)
	if err != nil {
		return nil, err
	}
	pre, post := a.gatePipelines(cmd)

	for _, spec := range specs {
		info, err := os.Stat(spec.file)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.id, err)
		}
		triples, err := readTriples(spec.file)
		if err != nil {
			return nil, err
		}
		src := store.New(store.WithName(spec.id), store.WithLogger(a.logger))
		if _, err := src.InsertBatch(triples); err != nil {
			return nil, fmt.Errorf("source %s: %w", spec.id, err)
		}

		if pre != nil {
			report := pre.Run(&gate.Context{SourceID: spec.id, Source: src.Snapshot(), Rules: rules})
			run.gates = append(run.gates, report)
			fmt.Fprint(cmd.ErrOrStderr(), report.String())
			if report.HaltedAt != "" {
				return nil, fmt.Errorf("source %s rejected at gate %s", spec.id, report.HaltedAt)
			}
		}

		result, err := run.harmonizer.Harmonize(cmd.Context(), harmonize.Source{
			ID:         spec.id,
			ImportedAt: info.ModTime(),
			Graph:      src.Snapshot(),
		})
		if err != nil {
			return nil, fmt.Errorf("harmonize %s: %w", spec.id, err)
		}
		run.results = append(run.results, result)

		if post != nil {
			report := post.Run(&gate.Context{
				SourceID:   spec.id,
				Rules:      rules,
				Harmonized: result,
				Target:     run.graph.Snapshot(),
			})
			run.gates = append(run.gates, report)
			fmt.Fprint(cmd.ErrOrStderr(), report.String())
			if report.HaltedAt != "" {
				return nil, fmt.Errorf("import %s failed gate %s", spec.id, report.HaltedAt)
			}
		}
	}
	return run, nil
}

func harmonizeFlags(cmd *cobra.Command) {
	cmd.Flags().String("mappings", "", "YAML mapping rules")
	cmd.Flags().StringArray("source", nil, "source as id=file.nt, repeatable, applied in order")
	cmd.Flags().String("entity-base", "", "IRI prefix for harmonized entities")
	cmd.Flags().Bool("gates", false, "run import quality gates G0-G3 around each source")
	cmd.Flags().Bool("strict", false, "stop at the first failing gate")
	cmd.Flags().StringSlice("skip-gates", nil, "gate names to skip, e.g. G3")
}

func harmonizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harmonize",
		Short: "Harmonize source graphs into one target graph",
		Long: `Map source graphs onto a target vocabulary, resolve instances to
shared entities and record provenance for every harmonized statement.

Entity key levels and the fuzzy threshold come from the resolver section
of the configuration.

Example:
  graphharmony harmonize --mappings mappings.yaml \
    --source crm=crm.nt --source erp=erp.nt \
    --output harmonized.nt --provenance provenance.nt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			provenancePath, _ := cmd.Flags().GetString("provenance")

			run, err := a.runHarmonize(cmd)
			if err != nil {
				return err
			}

			out := cmd.ErrOrStderr()
			review := 0
			for _, r := range run.results {
				fmt.Fprintf(out, "Source %s: %d instances, %d new entities, %d merged, +%d/-%d triples, %d low confidence, %d for review (%v)\n",
					r.SourceID, r.Instances, r.NewEntities, r.Merged, r.Inserted, r.Removed,
					len(r.LowConfidence), len(r.Review), r.Duration)
				for _, rv := range r.Review {
					fmt.Fprintf(out, "  review %s -> %s: %v\n", rv.Instance.Key(), rv.Entity.Key(), rv.Err)
				}
				review += len(r.Review)
			}

			var buf bytes.Buffer
			if err := store.WriteNTriples(&buf, run.graph.Snapshot().All()); err != nil {
				return err
			}
			if err := writeOutput(cmd, output, buf.Bytes()); err != nil {
				return err
			}

			if provenancePath != "" {
				var prov bytes.Buffer
				if err := store.WriteNTriples(&prov, run.ledger.Triples()); err != nil {
					return err
				}
				if err := writeOutput(cmd, provenancePath, prov.Bytes()); err != nil {
					return err
				}
			}

			if review > 0 {
				a.logger.Warn("Entities need review", "count", review)
			}
			return nil
		},
	}
	harmonizeFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "write the harmonized graph as N-Triples (default stdout)")
	cmd.Flags().String("provenance", "", "write provenance records as N-Triples")
	return cmd
}

func conflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect and resolve conflicts between harmonized sources",
		Long: `Harmonize the sources, then list every (entity, property) slot whose
sources disagree. With --resolve the configured strategy picks winners
and losing values are removed from the harmonized graph.

Strategies: most_recent, source_priority, manual.

Example:
  graphharmony conflicts --mappings mappings.yaml --source crm=crm.nt --source erp=erp.nt
  graphharmony conflicts --mappings mappings.yaml --source crm=crm.nt --source erp=erp.nt \
    --resolve --strategy source_priority --priority erp,crm --output resolved.nt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategyName, _ := cmd.Flags().GetString("strategy")
			priority, _ := cmd.Flags().GetStringSlice("priority")
			apply, _ := cmd.Flags().GetBool("resolve")
			output, _ := cmd.Flags().GetString("output")

			strategy := a.config.Conflict.Strategy
			if strategyName != "" {
				parsed, err := conflict.ParseStrategy(strategyName)
				if err != nil {
					return &errs.MalformedInputError{Input: strategyName, Reason: err.Error()}
				}
				strategy = parsed
			}
			if len(priority) == 0 {
				priority = a.config.Conflict.SourcePriority
			}

			run, err := a.runHarmonize(cmd)
			if err != nil {
				return err
			}

			opts := []conflict.Option{
				conflict.WithSourcePriority(priority),
				conflict.WithLogger(a.logger),
			}
			if a.metrics != nil {
				opts = append(opts, conflict.WithObserver(a.metrics))
			}
			manager := conflict.NewManager(run.graph, run.ledger, opts...)

			records, err := manager.Detect(cmd.Context(), run.graph.Snapshot())
			if err != nil {
				return err
			}

			var unresolved error
			if apply {
				records, unresolved = manager.Resolve(cmd.Context(), records, strategy)
				if unresolved != nil && records == nil {
					return unresolved
				}
			}

			if records == nil {
				records = []*conflict.Record{}
			}
			data, err := marshalJSON(records)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			fmt.Fprintf(cmd.ErrOrStderr(), "%d conflicts\n", len(records))

			if apply && output != "" {
				var buf bytes.Buffer
				if err := store.WriteNTriples(&buf, run.graph.Snapshot().All()); err != nil {
					return err
				}
				if err := writeOutput(cmd, output, buf.Bytes()); err != nil {
					return err
				}
			}

			var pending *errs.ConflictUnresolvedError
			if errors.As(unresolved, &pending) {
				return fmt.Errorf("conflicts left for manual resolution: %w", unresolved)
			}
			return nil
		},
	}
	harmonizeFlags(cmd)
	cmd.Flags().String("strategy", "", "override conflict.strategy")
	cmd.Flags().StringSlice("priority", nil, "source ranking for source_priority, best first")
	cmd.Flags().Bool("resolve", false, "apply the strategy and remove losing values")
	cmd.Flags().StringP("output", "o", "", "write the resolved graph as N-Triples")
	return cmd
}

func suggestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <source.nt> <target.nt>",
		Short: "Suggest class and property mappings between two graphs",
		Long: `Compare class and property labels of a source and a target graph and
propose mapping pairs by word similarity. Labels come from rdfs:label or
from the local name of the IRI.

Example:
  graphharmony suggest crm.nt ontology.nt --threshold 0.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")

			source, err := a.loadGraph(args[:1])
			if err != nil {
				return err
			}
			target, err := a.loadGraph(args[1:])
			if err != nil {
				return err
			}
			suggestions := harmonize.SuggestMappings(source.Snapshot(), target.Snapshot(), threshold)
			if suggestions == nil {
				suggestions = []harmonize.Suggestion{}
			}
			data, err := marshalJSON(suggestions)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().Float64("threshold", harmonize.DefaultSuggestionThreshold, "minimum label similarity")
	return cmd
}
