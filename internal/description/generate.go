package description

import (
	"path"
	"strings"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
)

// Classification is a node's structural role.
type Classification string

const (
	ClassEntryPoint Classification = "entry_point"
	ClassHub        Classification = "hub"
	ClassUtility    Classification = "utility_propagation"
	ClassSink       Classification = "sink"
	ClassDirectory  Classification = "directory_container"
	ClassRegular    Classification = "identity"
)

// GeneratorConfig holds the base stabilities per role.
type GeneratorConfig struct {
	EntryPointStability float64
	DirectoryStability  float64
	LeafStability       float64
	IsolatedStability   float64
	DampingCoefficient  float64
	HubThreshold        float64
}

func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		EntryPointStability: 1.0,
		DirectoryStability:  0.8,
		LeafStability:       0.3,
		IsolatedStability:   0.1,
		DampingCoefficient:  0.5,
		HubThreshold:        0.5,
	}
}

// #region degrees
type degrees struct {
	in, out       map[graph.NodeID]int
	maxIn, maxOut int
}

func countDegrees(g *graph.SourceGraph) degrees {
	d := degrees{in: make(map[graph.NodeID]int), out: make(map[graph.NodeID]int)}
	for _, e := range g.Edges {
		d.out[e.From]++
		d.in[e.To]++
	}
	for _, v := range d.in {
		d.maxIn = max(d.maxIn, v)
	}
	for _, v := range d.out {
		d.maxOut = max(d.maxOut, v)
	}
	return d
}

func (d degrees) normIn(id graph.NodeID) float64 {
	if d.maxIn == 0 {
		return 0
	}
	return float64(d.in[id]) / float64(d.maxIn)
}

func (d degrees) isolated(id graph.NodeID) bool { return d.in[id] == 0 && d.out[id] == 0 }

// #endregion degrees

// #region generate
// Generate derives a description from the graph structure: each node is
// classified by role and given a stability, and one builtin rule is
// declared per role.
func Generate(g *graph.SourceGraph, name string, cfg GeneratorConfig) *Description {
	deg := countDegrees(g)
	d := &Description{
		Meta: Meta{
			Name:        name,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Source:      SourceGeneration,
			Version:     "1.0",
		},
		Defaults: Defaults{DefaultRule: string(ClassRegular), DampingCoefficient: cfg.DampingCoefficient},
	}

	for _, n := range g.Nodes {
		class := classify(n, deg, cfg)
		stab := stability(n.ID, class, deg, cfg)
		p := n.Metadata["path"]
		if p == "" {
			p = n.Metadata["relative_path"]
		}
		if p == "" {
			p = n.Name
		}
		d.Nodes = append(d.Nodes, NodeConfig{
			ID:        n.ID,
			Path:      p,
			Kind:      n.Kind,
			Stability: &stab,
			Rule:      string(class),
			Payload: map[string]any{
				"in_degree":  float64(deg.in[n.ID]),
				"out_degree": float64(deg.out[n.ID]),
			},
		})
	}

	for _, c := range []Classification{ClassRegular, ClassEntryPoint, ClassHub, ClassUtility, ClassSink, ClassDirectory} {
		d.Rules = append(d.Rules, RuleConfig{Name: string(c), Type: RuleBuiltin})
	}
	return d
}

func classify(n graph.Node, deg degrees, cfg GeneratorConfig) Classification {
	switch {
	case n.Kind == graph.KindDirectory || n.Kind == graph.KindModule:
		return ClassDirectory
	case isEntryPoint(n.Name):
		return ClassEntryPoint
	case deg.maxIn > 0 && deg.normIn(n.ID) >= cfg.HubThreshold:
		return ClassHub
	case isUtilityPath(n.Name):
		return ClassUtility
	case deg.in[n.ID] == 0 && !deg.isolated(n.ID):
		return ClassSink
	}
	return ClassRegular
}

func stability(id graph.NodeID, c Classification, deg degrees, cfg GeneratorConfig) float64 {
	switch c {
	case ClassEntryPoint:
		return cfg.EntryPointStability
	case ClassDirectory:
		return cfg.DirectoryStability
	case ClassHub:
		return 0.7 + 0.3*deg.normIn(id)
	case ClassUtility:
		return 0.4 + 0.2*deg.normIn(id)
	case ClassSink:
		return cfg.LeafStability
	}
	if deg.isolated(id) {
		return cfg.IsolatedStability
	}
	return 0.3 + 0.4*deg.normIn(id)
}

var entryPoints = map[string]bool{
	"main.rs": true, "lib.rs": true, "mod.rs": true,
	"index.ts": true, "index.tsx": true, "index.js": true, "index.jsx": true,
	"__init__.py": true, "main.py": true, "main.go": true, "main.c": true, "main.cpp": true,
	"app.rs": true, "app.ts": true, "app.tsx": true, "app.js": true, "app.jsx": true,
}

func isEntryPoint(name string) bool {
	return entryPoints[path.Base(strings.ToLower(name))]
}

func isUtilityPath(p string) bool {
	lower := strings.ToLower(p)
	for _, frag := range []string{"/utils/", "/util/", "/helpers/", "/helper/", "/common/", "/shared/", "_utils", "_helpers"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// #endregion generate
