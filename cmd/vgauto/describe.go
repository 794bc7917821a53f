package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/graph-automaton/internal/description"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
)

func describeCmd() *cobra.Command {
	var (
		graphPath string
		out       string
		name      string
		hub       float64
	)
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Generate an automaton description from the project graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := graph.LoadSourceGraph(projectPath(firstNonEmpty(graphPath, cfg.Graph)))
			if err != nil {
				return err
			}
			gc := description.DefaultGeneratorConfig()
			if hub > 0 {
				gc.HubThreshold = hub
			}
			d := description.Generate(src, firstNonEmpty(name, "project"), gc)

			if out == "" {
				return printJSON(d)
			}
			path := projectPath(out)
			if err := d.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %d nodes and %d rules to %s\n", len(d.Nodes), len(d.Rules), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&graphPath, "graph", "", "scanner graph JSON (default from vg.toml)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write YAML (or .json) here instead of stdout")
	cmd.Flags().StringVar(&name, "name", "", "description name")
	cmd.Flags().Float64Var(&hub, "hub-threshold", 0, "normalised in-degree above which a node is a hub")
	return cmd
}
