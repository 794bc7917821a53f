// Package description loads automaton description files and applies them
// to a temporal graph.
package description

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/propagation"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

// ErrInvalid reports a description that fails validation.
var ErrInvalid = errors.New("invalid description")

// baselineFactor scales stability into the resting activation of unchanged
// nodes.
const baselineFactor = 0.05

// #region load
// New returns an empty manual description.
func New(name string) *Description {
	return &Description{
		Meta:     Meta{Name: name, Source: SourceManual, Version: "1.0"},
		Defaults: DefaultDefaults(),
	}
}

// Parse decodes YAML or JSON.
func Parse(data []byte) (*Description, error) {
	d := &Description{Defaults: DefaultDefaults()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d.Meta.Version == "" {
		d.Meta.Version = "1.0"
	}
	if d.Defaults.DefaultRule == "" {
		d.Defaults.DefaultRule = "identity"
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads a description file.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Save writes d as JSON when path ends in .json, YAML otherwise.
func (d *Description) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(d, "", "  ")
	} else {
		data, err = yaml.Marshal(d)
	}
	if err != nil {
		return fmt.Errorf("encode description: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks ids, stability ranges and rule references.
func (d *Description) Validate() error {
	seen := make(map[graph.NodeID]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %d", ErrInvalid, n.ID)
		}
		seen[n.ID] = true
		if n.Stability != nil && (*n.Stability < 0 || *n.Stability > 1) {
			return fmt.Errorf("%w: node %d stability %.3f outside [0,1]", ErrInvalid, n.ID, *n.Stability)
		}
	}
	names := make(map[string]bool, len(d.Rules))
	for _, r := range d.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: rule without name", ErrInvalid)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate rule %q", ErrInvalid, r.Name)
		}
		switch r.Type {
		case RuleBuiltin, RuleScript, RuleLLM:
		case RuleComposite:
			for _, inner := range r.Rules {
				if !names[inner] {
					return fmt.Errorf("%w: composite %q references undeclared rule %q", ErrInvalid, r.Name, inner)
				}
			}
		default:
			return fmt.Errorf("%w: rule %q has unknown type %q", ErrInvalid, r.Name, r.Type)
		}
		names[r.Name] = true
	}
	return nil
}

// #endregion load

// #region queries
func (d *Description) NodeByID(id graph.NodeID) (NodeConfig, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

func (d *Description) NodeByPath(path string) (NodeConfig, bool) {
	for _, n := range d.Nodes {
		if n.Path == path {
			return n, true
		}
	}
	return NodeConfig{}, false
}

func (d *Description) RuleByName(name string) (RuleConfig, bool) {
	for _, r := range d.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return RuleConfig{}, false
}

// EffectiveStability is the node's stability, or the default initial
// activation when none is configured.
func (d *Description) EffectiveStability(id graph.NodeID) float64 {
	if n, ok := d.NodeByID(id); ok && n.Stability != nil {
		return *n.Stability
	}
	return d.Defaults.InitialActivation
}

// EffectiveRule is the node's rule name, or the default rule.
func (d *Description) EffectiveRule(id graph.NodeID) string {
	if n, ok := d.NodeByID(id); ok && n.Rule != "" {
		return n.Rule
	}
	return d.Defaults.DefaultRule
}

// StabilityMap returns configured stabilities keyed by node.
func (d *Description) StabilityMap() map[graph.NodeID]float64 {
	m := make(map[graph.NodeID]float64, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.Stability != nil {
			m[n.ID] = *n.Stability
		}
	}
	return m
}

// #endregion queries

// #region seed
// MatchChanged resolves changed file paths to node ids. A path matches a
// node whose description path, name, or path/relative_path metadata is equal
// to it or a suffix of it (either direction).
func (d *Description) MatchChanged(g *temporal.Graph, changed []string) []graph.NodeID {
	index := make(map[string]graph.NodeID)
	var keys []string
	add := func(p string, id graph.NodeID) {
		if p == "" {
			return
		}
		if _, ok := index[p]; !ok {
			keys = append(keys, p)
		}
		index[p] = id
	}
	for _, n := range d.Nodes {
		add(n.Path, n.ID)
	}
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		add(n.Node.Name, id)
		add(n.Node.Metadata["path"], id)
		add(n.Node.Metadata["relative_path"], id)
	}

	var out []graph.NodeID
	seen := make(map[graph.NodeID]bool)
	for _, c := range changed {
		c = filepath.ToSlash(c)
		id, ok := index[c]
		if !ok {
			for _, k := range keys {
				if strings.HasSuffix(c, k) || strings.HasSuffix(k, c) {
					id, ok = index[k], true
					break
				}
			}
		}
		if ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Seed sets every node's initial state from the description. Changed nodes
// start at full activation with the change annotation; others rest at a
// small baseline proportional to their stability. Returns the changed ids.
func (d *Description) Seed(g *temporal.Graph, changed []string) ([]graph.NodeID, error) {
	hit := d.MatchChanged(g, changed)
	isChanged := make(map[graph.NodeID]bool, len(hit))
	for _, id := range hit {
		isChanged[id] = true
	}

	for _, id := range g.NodeIDs() {
		cfg, _ := d.NodeByID(id)
		var payload any
		if cfg.Payload != nil {
			payload = normalize(cfg.Payload)
		}
		s := state.WithActivation(payload, d.EffectiveStability(id)*baselineFactor)
		if isChanged[id] {
			s = propagation.MarkChanged(s)
		}
		if r := d.EffectiveRule(id); r != "" {
			s = s.Annotate("role", r)
		}
		if err := g.SetInitialState(id, s); err != nil {
			return nil, err
		}
	}
	return hit, nil
}

// normalize converts YAML-decoded values to the JSON tree shape the state
// model compares payloads in.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// #endregion seed
