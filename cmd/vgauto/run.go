package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/description"
	"github.com/danielpatrickdp/graph-automaton/internal/distributed"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// #region flags
type runFlags struct {
	graph       string
	description string
	changed     []string
	maxTicks    int
	resume      bool
	workers     bool
	remote      bool
	label       string
	keep        int
	top         int
	jsonOut     bool
}

// #endregion flags

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick the automaton until it converges or reaches max ticks, then snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			serveMetrics(ctx, metricsAddr)
			return runAutomaton(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.graph, "graph", "", "scanner graph JSON (default from vg.toml)")
	fl.StringVar(&f.description, "description", "", "automaton description YAML/JSON (default from vg.toml, generated when empty)")
	fl.StringSliceVar(&f.changed, "changed", nil, "paths marked as changed before the first tick")
	fl.IntVar(&f.maxTicks, "max-ticks", 0, "override max ticks")
	fl.BoolVar(&f.resume, "resume", false, "continue from the last snapshot when one exists")
	fl.BoolVar(&f.workers, "workers", false, "evaluate nodes on concurrent workers")
	fl.BoolVar(&f.remote, "remote", false, "send every node to the configured resolvers")
	fl.StringVar(&f.label, "label", "", "snapshot label")
	fl.IntVar(&f.keep, "keep", 0, "prune to the newest N snapshots after saving (0 keeps all)")
	fl.IntVar(&f.top, "top", 10, "print the N most activated nodes")
	fl.BoolVar(&f.jsonOut, "json", false, "print the summary as JSON")
	fl.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

// #region run
func runAutomaton(ctx context.Context, f runFlags) error {
	acfg := cfg.Automaton
	if f.maxTicks > 0 {
		acfg.MaxTicks = f.maxTicks
	}

	src, err := graph.LoadSourceGraph(projectPath(firstNonEmpty(f.graph, cfg.Graph)))
	if err != nil {
		return err
	}
	d, err := loadDescription(firstNonEmpty(f.description, cfg.Description), src)
	if err != nil {
		return err
	}

	var pool *resolver.Pool
	if len(cfg.Resolvers) > 0 {
		pool, err = resolver.Dial(cfg.Resolvers, cfg.Distributed.Concurrency, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
	}
	if f.remote && pool == nil {
		return fmt.Errorf("--remote needs [[resolvers]] in vg.toml or %s", resolver.EnvAPIURLs)
	}

	reg, err := buildRules(d, pool)
	if err != nil {
		return err
	}

	st := openStore()
	defer st.Close()
	opts := []automaton.Option{
		automaton.WithRegistry(reg),
		automaton.WithLogger(logger),
		automaton.WithObserver(st.Observer()),
	}

	var a *automaton.Automaton
	if f.resume && st.HasSnapshot() {
		a, err = st.Resume(acfg, opts...)
		if err != nil {
			return err
		}
		a.SetGlobal("resumed", "true")
	} else {
		a, err = automaton.FromSourceGraph(src, acfg, opts...)
		if err != nil {
			return err
		}
		hit, err := d.Seed(a.Graph(), f.changed)
		if err != nil {
			return err
		}
		if len(f.changed) > 0 && len(hit) == 0 {
			logger.Warn().Strs("changed", f.changed).Msg("no node matches the changed paths")
		}
	}

	ev := evaluator(f, pool)
	logger.Info().
		Int("nodes", a.Graph().NodeCount()).
		Int("rules", reg.Len()).
		Int("max_ticks", a.Config().MaxTicks).
		Uint64("from_tick", a.TickCount()).
		Msg("run started")

	sum, runErr := a.RunWith(ctx, ev)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if err := st.RecordRun(sum); err != nil {
		return err
	}
	info, err := st.SaveSnapshot(a, f.label)
	if err != nil {
		return err
	}
	if f.keep > 0 {
		if _, err := st.PruneSnapshots(f.keep); err != nil {
			return err
		}
	}
	if runErr != nil {
		sum.Reason = "interrupted"
	}
	return printRun(a, sum, info.Path, f)
}

func evaluator(f runFlags, pool *resolver.Pool) automaton.Evaluator {
	switch {
	case f.remote:
		return distributed.New(pool, cfg.Distributed, distributed.WithLogger(logger))
	case f.workers:
		return distributed.New(nil, cfg.Distributed, distributed.WithLogger(logger))
	}
	return automaton.Sequential{}
}

// #endregion run

// #region rules
// loadDescription reads path, or generates a description from the graph
// when path is empty.
func loadDescription(path string, src *graph.SourceGraph) (*description.Description, error) {
	if path == "" {
		d := description.Generate(src, filepath.Base(rootDir), description.DefaultGeneratorConfig())
		logger.Debug().Int("nodes", len(d.Nodes)).Msg("generated description")
		return d, nil
	}
	return description.Load(projectPath(path))
}

// buildRules resolves the description's rules. llm rules go through pool.
func buildRules(d *description.Description, pool *resolver.Pool) (*rule.Registry, error) {
	factory := description.Factory{
		BaseDir: rootDir,
		Log:     logger,
	}
	if pool != nil {
		factory.LLM = func(rc description.RuleConfig) (rule.Rule, error) {
			return resolver.NewRule(state.RuleID(rc.Name), pool), nil
		}
	}
	return factory.Build(d)
}

// #endregion rules

// #region output
type runReport struct {
	Ticks     int                        `json:"ticks"`
	Tick      uint64                     `json:"tick"`
	Converged bool                       `json:"converged"`
	Reason    string                     `json:"reason"`
	Failures  int                        `json:"failures"`
	Snapshot  string                     `json:"snapshot"`
	Top       []automaton.NodeActivation `json:"top"`
}

func printRun(a *automaton.Automaton, sum automaton.RunSummary, snapshot string, f runFlags) error {
	rep := runReport{
		Ticks:     sum.Ticks,
		Tick:      a.TickCount(),
		Converged: sum.Converged,
		Reason:    sum.Reason,
		Snapshot:  snapshot,
		Top:       a.TopActivated(f.top),
	}
	for _, r := range sum.Results {
		rep.Failures += len(r.Failures)
	}
	if f.jsonOut {
		return printJSON(rep)
	}

	fmt.Printf("ticks=%d tick=%d converged=%t failures=%d\n", rep.Ticks, rep.Tick, rep.Converged, rep.Failures)
	fmt.Printf("reason: %s\n", rep.Reason)
	fmt.Printf("snapshot: %s\n\n", rep.Snapshot)
	if len(rep.Top) == 0 {
		return nil
	}
	fmt.Printf("%-6s  %10s  %s\n", "Node", "Activation", "Name")
	fmt.Printf("%-6s+-%10s+-%s\n", "------", "----------", "--------------------")
	for _, n := range rep.Top {
		fmt.Printf("%-6d  %10.4f  %s\n", n.ID, n.Activation, n.Name)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// #endregion output
