package main

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/heuristic"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/store"
)

func inspectCmd() *cobra.Command {
	var (
		last      int
		node      string
		snapshots bool
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show persisted ticks, snapshots or one node's history",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := openStore()
			defer st.Close()
			switch {
			case node != "":
				id, err := graph.ParseNodeID(node)
				if err != nil {
					return err
				}
				return runNodeMode(st, id, jsonOut)
			case snapshots:
				return runSnapshotMode(st, jsonOut)
			}
			return runListMode(st, last, jsonOut)
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent ticks")
	cmd.Flags().StringVar(&node, "node", "", "show one node's history")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "list snapshots")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	return cmd
}

// #region list-mode

type listRow struct {
	Tick          uint64  `json:"tick"`
	Changed       int     `json:"changed"`
	Unchanged     int     `json:"unchanged"`
	Failures      int     `json:"failures"`
	Stability     float64 `json:"stability"`
	AvgActivation float64 `json:"avg_activation"`
	DurationMS    float64 `json:"duration_ms"`
	StartedAt     string  `json:"started_at"`
}

type listOutput struct {
	Stats store.Stats `json:"stats"`
	Ticks []listRow   `json:"ticks"`
}

func runListMode(st *store.Store, last int, jsonOut bool) error {
	stats, err := st.Stats()
	if err != nil {
		return err
	}
	out := listOutput{Stats: stats}

	if stats.LoggedTicks > 0 {
		from := uint64(1)
		if last > 0 && stats.Tick > uint64(last) {
			from = stats.Tick - uint64(last) + 1
		}
		results, err := st.LoadTickHistory(from, stats.Tick)
		if err != nil {
			return err
		}
		for _, r := range results {
			out.Ticks = append(out.Ticks, listRow{
				Tick:          r.Tick,
				Changed:       r.Changed,
				Unchanged:     r.Unchanged,
				Failures:      len(r.Failures),
				Stability:     r.Readings[heuristic.NameStability],
				AvgActivation: r.AvgActivation,
				DurationMS:    float64(r.Duration.Microseconds()) / 1000,
				StartedAt:     r.StartedAt.Format("2006-01-02T15:04:05Z"),
			})
		}
	}

	if jsonOut {
		return printJSON(out)
	}
	printStats(stats)
	if len(out.Ticks) == 0 {
		fmt.Fprintln(os.Stderr, "no ticks logged")
		return nil
	}
	fmt.Println()
	fmt.Printf("%-6s  %7s  %9s  %8s  %9s  %8s  %9s  %s\n",
		"Tick", "Changed", "Unchanged", "Failures", "Stability", "Avg Act", "Dur (ms)", "Time")
	fmt.Printf("%-6s+-%7s+-%9s+-%8s+-%9s+-%8s+-%9s+-%s\n",
		"------", "-------", "---------", "--------", "---------", "--------", "---------", "--------------------")
	for _, r := range out.Ticks {
		fmt.Printf("%-6d  %7d  %9d  %8d  %9.4f  %8.4f  %9.2f  %s\n",
			r.Tick, r.Changed, r.Unchanged, r.Failures, r.Stability, r.AvgActivation, r.DurationMS, r.StartedAt)
	}
	return nil
}

func printStats(s store.Stats) {
	fmt.Printf("State:       %v\n", s.HasState)
	fmt.Printf("Tick:        %d\n", s.Tick)
	fmt.Printf("Nodes:       %d\n", s.NodeCount)
	fmt.Printf("Edges:       %d\n", s.EdgeCount)
	fmt.Printf("Transitions: %d\n", s.TotalTransitions)
	fmt.Printf("Snapshots:   %d\n", s.SnapshotCount)
	fmt.Printf("Size:        %d bytes in %d files\n", s.TotalSize, s.FileCount)
	if !s.LastModified.IsZero() {
		fmt.Printf("Modified:    %s\n", s.LastModified.Format("2006-01-02T15:04:05Z"))
	}
}

// #endregion list-mode

// #region snapshot-mode

func runSnapshotMode(st *store.Store, jsonOut bool) error {
	snaps, err := st.ListSnapshots()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshots found")
		return nil
	}
	fmt.Printf("%-20s  %-8s  %6s  %s\n", "Created", "ID", "Tick", "Label")
	fmt.Printf("%-20s+-%-8s+-%6s+-%s\n", "--------------------", "--------", "------", "----------")
	for _, s := range snaps {
		fmt.Printf("%-20s  %-8s  %6d  %s\n", s.CreatedAt().Format("2006-01-02T15:04:05Z"), shortID(s.ID), s.Tick, s.Label)
	}
	return nil
}

// #endregion snapshot-mode

// #region node-mode

type historyRow struct {
	Sequence   uint64            `json:"sequence"`
	Rule       string            `json:"rule"`
	Activation float64           `json:"activation"`
	Timestamp  string            `json:"timestamp"`
	Annotation map[string]string `json:"annotations,omitempty"`
}

type nodeOutput struct {
	ID      graph.NodeID  `json:"id"`
	Name    string        `json:"name"`
	Kind    graph.Kind    `json:"kind"`
	Summary state.Summary `json:"summary"`
	History []historyRow  `json:"history"`
}

func runNodeMode(st *store.Store, id graph.NodeID, jsonOut bool) error {
	ps, err := st.LoadLatest()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(ps.Nodes, func(n store.PersistedNode) bool { return n.ID == id })
	if i < 0 {
		return fmt.Errorf("node %d: %w", id, store.ErrNotFound)
	}
	evo := ps.Nodes[i].Evolution

	out := nodeOutput{
		ID:      id,
		Summary: evo.Summary(),
	}
	if n, ok := nodeByID(ps.Graph, id); ok {
		out.Name, out.Kind = n.Name, n.Kind
	}
	for _, t := range evo.Transitions() {
		out.History = append(out.History, historyRow{
			Sequence:   t.Sequence,
			Rule:       string(t.Rule),
			Activation: t.State.Activation,
			Timestamp:  t.Timestamp.Format("2006-01-02T15:04:05Z"),
			Annotation: t.State.Annotations,
		})
	}

	if jsonOut {
		return printJSON(out)
	}
	fmt.Printf("Node:        %d\n", out.ID)
	fmt.Printf("Name:        %s\n", out.Name)
	fmt.Printf("Kind:        %s\n", out.Kind)
	fmt.Printf("Activation:  %.4f\n", out.Summary.Activation)
	fmt.Printf("Transitions: %d\n", out.Summary.Transitions)
	fmt.Printf("Trend:       mean %.4f  min %.4f  max %.4f\n", out.Summary.Trend.Mean, out.Summary.Trend.Min, out.Summary.Trend.Max)
	fmt.Printf("\n%-6s  %10s  %-36s  %s\n", "Seq", "Activation", "Rule", "Time")
	for _, h := range out.History {
		fmt.Printf("%-6d  %10.4f  %-36s  %s\n", h.Sequence, h.Activation, h.Rule, h.Timestamp)
	}
	return nil
}

func nodeByID(g *graph.SourceGraph, id graph.NodeID) (graph.Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return graph.Node{}, false
}

// #endregion node-mode

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cleanCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove persisted automaton state, or prune snapshots with --keep",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := openStore()
			if keep > 0 {
				defer st.Close()
				n, err := st.PruneSnapshots(keep)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d snapshots\n", n)
				return nil
			}
			if err := st.Clean(); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			fmt.Printf("removed %s\n", st.Dir())
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "keep the newest N snapshots instead of removing everything")
	return cmd
}
