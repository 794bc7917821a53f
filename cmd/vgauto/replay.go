package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/replay"
)

func replayCmd() *cobra.Command {
	var (
		update  bool
		verbose bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "replay fixture.json...",
		Short: "Replay fixtures and compare every tick against their expectations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			failed := 0
			for _, path := range args {
				ok, err := replayFixture(ctx, path, update, verbose, jsonOut)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if !ok {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d fixtures drifted", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "rewrite fixture expectations from the current rules")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every tick")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print reports as JSON")
	return cmd
}

// #region replay
func replayFixture(ctx context.Context, path string, update, verbose, jsonOut bool) (bool, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return false, err
	}
	opts := []automaton.Option{automaton.WithLogger(logger)}

	if update {
		rec, err := replay.Record(ctx, f, opts...)
		if err != nil {
			return false, err
		}
		if err := rec.Save(path); err != nil {
			return false, err
		}
		fmt.Printf("%s: recorded %d ticks\n", path, len(rec.Ticks))
		return true, nil
	}

	reports, a, err := replay.Replay(ctx, f, opts...)
	if err != nil {
		return false, err
	}
	sum := replay.Summarize(reports, a)
	if jsonOut {
		return sum.OK(), printJSON(map[string]any{"fixture": path, "summary": sum, "ticks": reports})
	}

	if verbose {
		fmt.Printf("%-6s  %7s  %9s  %8s  %9s  %s\n", "Tick", "Changed", "Unchanged", "Failures", "Stability", "Mismatches")
		for _, r := range reports {
			fmt.Printf("%-6d  %7d  %9d  %8d  %9.4f  %d\n",
				r.Tick, r.Changed, r.Unchanged, r.Failures, r.Stability, len(r.Mismatches))
		}
	}
	for _, r := range reports {
		for _, m := range r.Mismatches {
			fmt.Printf("  %s\n", m)
		}
	}
	status := "ok"
	if !sum.OK() {
		status = "DRIFT"
	}
	fmt.Printf("%s: %s ticks=%d changed=%d failures=%d mismatches=%d\n",
		path, status, sum.TotalTicks, sum.Changed, sum.Failures, sum.Mismatches)
	return sum.OK(), nil
}

// #endregion replay
